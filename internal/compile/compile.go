// Package compile drives the offline pipeline over one schema:
// validate against the catalog, plan access, generate templates,
// compile permission rules, serialize the artifact. A run's state
// lives in an explicit Context value threaded through the phases,
// never in package state, so independent compilations can run side by
// side.
package compile

import (
	"fmt"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/authz"
	"sqlstencil/internal/catalog"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqlgen"
	"sqlstencil/internal/validate"
)

// Options selects the budget preset and diagnostic strictness of a
// compilation run.
type Options struct {
	// Preset names a limit preset. Empty selects standard.
	Preset string
	// Strictness is "warn" or "error". Error fails compilation on N+1
	// risk diagnostics.
	Strictness string
	// BaseCost, FieldCost and DepthCost override the preset's
	// complexity weights. Zero keeps the preset value.
	BaseCost  int
	FieldCost int
	DepthCost int
	// Namer overrides derived naming. Nil selects the default.
	Namer *naming.Namer
	// Logger receives per-phase progress. Nil discards it.
	Logger *logging.Logger
}

// Context carries one compilation run through its phases. Later
// phases read earlier outputs from here.
type Context struct {
	Schema  *ir.Schema
	Catalog *catalog.Catalog

	Preset     planner.Preset
	Strictness planner.Strictness
	Namer      *naming.Namer

	Plan      *planner.Plan
	Templates *sqlgen.Set
	Rules     []*authz.CompiledRule
	Document  *artifact.Document
	Encoded   []byte

	logger *logging.Logger
}

// Run compiles a schema to its encoded artifact. The returned error
// is a *operr.CompileError when the schema is at fault and a plain
// error when the options or inputs are.
func Run(schema *ir.Schema, cat *catalog.Catalog, opts Options) (*Context, error) {
	c, err := newContext(schema, cat, opts)
	if err != nil {
		return nil, err
	}
	phases := []struct {
		name string
		run  func() error
	}{
		{"validate", c.validate},
		{"plan", c.plan},
		{"generate", c.generate},
		{"authorize", c.authorize},
		{"serialize", c.serialize},
	}
	for _, phase := range phases {
		if err := phase.run(); err != nil {
			return nil, err
		}
		c.logger.Debug("compile phase complete", "phase", phase.name, "schema", schema.Name)
	}
	c.logger.Info("schema compiled",
		"schema", schema.Name,
		"types", len(c.Document.Types),
		"operations", len(c.Document.Operations),
		"batches", len(c.Document.Batches),
		"rules", len(c.Document.Rules),
		"diagnostics", len(c.Plan.Diagnostics),
		"checksum", c.Document.Checksum)
	return c, nil
}

func newContext(schema *ir.Schema, cat *catalog.Catalog, opts Options) (*Context, error) {
	if schema == nil {
		return nil, fmt.Errorf("compile: no schema")
	}
	if cat == nil {
		return nil, fmt.Errorf("compile: no catalog")
	}
	preset, ok := planner.PresetByName(opts.Preset)
	if !ok {
		return nil, fmt.Errorf("compile: unknown preset %q", opts.Preset)
	}
	if opts.BaseCost > 0 {
		preset.BaseCost = opts.BaseCost
	}
	if opts.FieldCost > 0 {
		preset.FieldCost = opts.FieldCost
	}
	if opts.DepthCost > 0 {
		preset.DepthCost = opts.DepthCost
	}
	strictness, err := strictnessByName(opts.Strictness)
	if err != nil {
		return nil, err
	}
	namer := opts.Namer
	if namer == nil {
		namer = naming.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Context{
		Schema:     schema,
		Catalog:    cat,
		Preset:     preset,
		Strictness: strictness,
		Namer:      namer,
		logger:     logger,
	}, nil
}

func strictnessByName(name string) (planner.Strictness, error) {
	switch name {
	case "", string(planner.StrictnessWarn):
		return planner.StrictnessWarn, nil
	case string(planner.StrictnessError):
		return planner.StrictnessError, nil
	}
	return "", fmt.Errorf("compile: unknown strictness %q", name)
}

func (c *Context) validate() error {
	return validate.Schema(c.Schema, c.Catalog, c.Namer)
}

func (c *Context) plan() error {
	plan, err := planner.Build(c.Schema, c.Catalog, planner.Options{
		Preset:     c.Preset,
		Strictness: c.Strictness,
		Namer:      c.Namer,
	})
	if err != nil {
		return err
	}
	c.Plan = plan
	for _, d := range plan.Diagnostics {
		c.logger.Warn("compile diagnostic", "kind", string(d.Kind), "subject", d.Subject, "detail", d.Message)
	}
	return nil
}

func (c *Context) generate() error {
	set, err := sqlgen.Generate(c.Plan)
	if err != nil {
		return err
	}
	c.Templates = set
	return nil
}

func (c *Context) authorize() error {
	rules, err := authz.Compile(c.Schema)
	if err != nil {
		return err
	}
	c.Rules = rules
	return nil
}

func (c *Context) serialize() error {
	c.Document = artifact.Build(c.Plan, c.Templates, c.Rules)
	encoded, err := c.Document.Encode()
	if err != nil {
		return err
	}
	c.Encoded = encoded
	return nil
}
