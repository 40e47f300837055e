package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"sqlstencil/internal/authz"
	"sqlstencil/internal/sqlgen"
)

// checksumDomain separates artifact digests from any other sha256 use
// of the same bytes.
const checksumDomain = "sqlstencil/artifact/v1"

// Checksum computes the hex digest of encoded content bytes.
func Checksum(content []byte) string {
	hash := sha256.New()
	hash.Write([]byte(checksumDomain))
	hash.Write([]byte{0})
	hash.Write(content)
	return hex.EncodeToString(hash.Sum(nil))
}

// Encode serializes the document with its checksum stamped. Identical
// documents encode to identical bytes: key order follows struct order
// and nothing time- or environment-dependent enters the output.
func (d *Document) Encode() ([]byte, error) {
	d.Checksum = ""
	content, err := marshal(d)
	if err != nil {
		return nil, err
	}
	d.Checksum = Checksum(content)
	return marshal(d)
}

func marshal(d *Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return append(data, '\n'), nil
}

// Artifact is a loaded, verified document plus its derived lookup
// tables. Shared read-only across every invocation after load.
type Artifact struct {
	Document

	// Raw is the exact bytes the artifact was decoded from, kept for
	// fingerprint comparison on reload.
	Raw []byte

	types      map[string]*TypeDef
	operations map[string]*OperationDef
	batches    map[string]*sqlgen.Template
	rules      map[string][]*authz.CompiledRule
}

// Decode parses, verifies and indexes an encoded artifact. Version and
// checksum are checked before anything else; any mismatch is a hard
// load error.
func Decode(data []byte) (*Artifact, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if doc.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("decode artifact: format version %d, this build reads %d", doc.FormatVersion, FormatVersion)
	}
	want := doc.Checksum
	if want == "" {
		return nil, fmt.Errorf("decode artifact: missing checksum")
	}
	doc.Checksum = ""
	content, err := marshal(&doc)
	if err != nil {
		return nil, err
	}
	if got := Checksum(content); got != want {
		return nil, fmt.Errorf("decode artifact: checksum mismatch: computed %s, stamped %s", got, want)
	}
	doc.Checksum = want

	a := &Artifact{Document: doc, Raw: data}
	if err := a.index(); err != nil {
		return nil, err
	}
	return a, nil
}

// Load reads and decodes an artifact file.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return Decode(data)
}

// index derives the name lookup tables and verifies the collections
// they cover: duplicate names and dangling batch references are load
// errors.
func (a *Artifact) index() error {
	a.types = make(map[string]*TypeDef, len(a.Types))
	for _, t := range a.Types {
		if _, dup := a.types[t.Name]; dup {
			return fmt.Errorf("decode artifact: duplicate type %q", t.Name)
		}
		a.types[t.Name] = t
	}
	a.batches = make(map[string]*sqlgen.Template, len(a.Batches))
	for _, b := range a.Batches {
		if _, dup := a.batches[b.Name]; dup {
			return fmt.Errorf("decode artifact: duplicate batch template %q", b.Name)
		}
		a.batches[b.Name] = b
	}
	a.operations = make(map[string]*OperationDef, len(a.Operations))
	for _, op := range a.Operations {
		if _, dup := a.operations[op.Name]; dup {
			return fmt.Errorf("decode artifact: duplicate operation %q", op.Name)
		}
		if op.Templates == nil || op.Templates.Primary == nil {
			return fmt.Errorf("decode artifact: operation %q has no primary template", op.Name)
		}
		if _, ok := a.types[op.ReturnType]; !ok {
			return fmt.Errorf("decode artifact: operation %q returns unknown type %q", op.Name, op.ReturnType)
		}
		a.operations[op.Name] = op
	}
	for _, t := range a.Types {
		for _, rel := range t.Relationships {
			if _, ok := a.types[rel.Target]; !ok {
				return fmt.Errorf("decode artifact: relationship %s.%s targets unknown type %q", t.Name, rel.Field, rel.Target)
			}
			if rel.Batch == "" {
				continue
			}
			if _, ok := a.batches[rel.Batch]; !ok {
				return fmt.Errorf("decode artifact: relationship %s.%s references missing batch template %q", t.Name, rel.Field, rel.Batch)
			}
		}
	}
	a.rules = make(map[string][]*authz.CompiledRule)
	for _, r := range a.Rules {
		a.rules[r.Subject] = append(a.rules[r.Subject], r)
	}
	return nil
}

// Type returns the named type definition.
func (a *Artifact) Type(name string) (*TypeDef, bool) {
	t, ok := a.types[name]
	return t, ok
}

// Operation returns the named operation definition.
func (a *Artifact) Operation(name string) (*OperationDef, bool) {
	op, ok := a.operations[name]
	return op, ok
}

// BatchTemplate returns the secondary-query template for a
// relationship key ("Type.field").
func (a *Artifact) BatchTemplate(key string) (*sqlgen.Template, bool) {
	b, ok := a.batches[key]
	return b, ok
}

// RulesFor returns the compiled rules scoped to a subject, in
// declaration order.
func (a *Artifact) RulesFor(subject string) []*authz.CompiledRule {
	return a.rules[subject]
}
