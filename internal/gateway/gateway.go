// Package gateway projects a loaded artifact as an executable GraphQL
// schema and serves it over HTTP. Every compiled operation becomes a
// root field: queries return the projected row types, list operations a
// page object carrying the continuation cursor, mutations a result
// union the client branches on. Resolvers lower each request's field
// selection into the executor's selection tree, so the backend fetches
// only the columns and relationships the client asked for.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/handler"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/executor"
	"sqlstencil/internal/gqlrequest"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/operr"
)

// Runner executes one compiled operation. The executor satisfies it;
// tests substitute recorded results.
type Runner interface {
	Execute(ctx context.Context, req *executor.Request) (*executor.Result, error)
}

// Source supplies the artifact the schema projects. The registry
// satisfies it.
type Source interface {
	Artifact() *artifact.Artifact
}

// Config assembles a Gateway.
type Config struct {
	Source Source
	Runner Runner
	Logger *logging.Logger
	// GraphiQL serves the in-browser IDE on GET requests.
	GraphiQL bool
}

// Gateway serves the projected schema. The projection is rebuilt when a
// reload swaps the artifact; when a swapped-in artifact fails to
// project, the previous projection keeps serving and the failure is
// logged once.
type Gateway struct {
	source   Source
	runner   Runner
	logger   *logging.Logger
	graphiql bool

	mu             sync.RWMutex
	built          *projection
	failedChecksum string
}

// projection is one artifact's compiled GraphQL surface. The handler
// serves GET requests, covering both query-string queries and the IDE.
type projection struct {
	checksum string
	schema   graphql.Schema
	handler  http.Handler
}

// New builds a gateway and projects the currently loaded artifact, so
// a schema that cannot be served fails startup instead of the first
// request.
func New(cfg Config) (*Gateway, error) {
	if cfg.Source == nil {
		return nil, errors.New("gateway: no artifact source")
	}
	if cfg.Runner == nil {
		return nil, errors.New("gateway: no runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	g := &Gateway{
		source:   cfg.Source,
		runner:   cfg.Runner,
		logger:   logger,
		graphiql: cfg.GraphiQL,
	}
	if _, err := g.projection(); err != nil {
		return nil, err
	}
	return g, nil
}

// Schema returns the projection of the currently loaded artifact.
func (g *Gateway) Schema() (graphql.Schema, error) {
	built, err := g.projection()
	if err != nil {
		return graphql.Schema{}, err
	}
	return built.schema, nil
}

func (g *Gateway) projection() (*projection, error) {
	art := g.source.Artifact()
	if art == nil {
		return nil, errors.New("gateway: no artifact loaded")
	}

	g.mu.RLock()
	built := g.built
	g.mu.RUnlock()
	if built != nil && built.checksum == art.Checksum {
		return built, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.built != nil && g.built.checksum == art.Checksum {
		return g.built, nil
	}

	schema, err := buildSchema(art, g.runner)
	if err != nil {
		if g.failedChecksum != art.Checksum {
			g.failedChecksum = art.Checksum
			g.logger.Error("schema projection failed",
				"checksum", art.Checksum,
				"error", err.Error())
		}
		if g.built != nil {
			return g.built, nil
		}
		return nil, err
	}

	g.built = &projection{
		checksum: art.Checksum,
		schema:   schema,
		handler: handler.New(&handler.Config{
			Schema:     &schema,
			Pretty:     true,
			GraphiQL:   g.graphiql,
			Playground: g.graphiql,
		}),
	}
	g.logger.Info("graphql schema projected",
		"schema", art.Schema,
		"checksum", art.Checksum,
		"operations", len(art.Operations))
	return g.built, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	built, err := g.projection()
	if err != nil {
		writeResult(w, http.StatusServiceUnavailable, &graphql.Result{
			Errors: gqlerrors.FormatErrors(errors.New("schema unavailable")),
		})
		return
	}
	switch r.Method {
	case http.MethodPost:
		g.servePost(w, r, built)
	case http.MethodGet:
		built.handler.ServeHTTP(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, `{"error":"method not allowed"}`)
	}
}

func (g *Gateway) servePost(w http.ResponseWriter, r *http.Request, built *projection) {
	env, err := requestEnvelope(r)
	if err != nil {
		writeResult(w, http.StatusBadRequest, &graphql.Result{Errors: gqlerrors.FormatErrors(err)})
		return
	}
	variables, err := env.Variables()
	if err != nil {
		writeResult(w, http.StatusBadRequest, &graphql.Result{Errors: gqlerrors.FormatErrors(err)})
		return
	}

	ctx, extras := withExtras(r.Context())
	result := graphql.Do(graphql.Params{
		Schema:         built.schema,
		RequestString:  env.Query,
		VariableValues: variables,
		OperationName:  env.OperationName,
		Context:        ctx,
	})
	if fieldErrs := extras.fieldErrors(); len(fieldErrs) > 0 {
		if result.Extensions == nil {
			result.Extensions = map[string]interface{}{}
		}
		result.Extensions["fieldErrors"] = fieldErrs
	}
	writeResult(w, http.StatusOK, result)
}

// requestEnvelope reuses the analysis middleware's decode when the
// request passed through it, and decodes the body directly otherwise.
func requestEnvelope(r *http.Request) (gqlrequest.Envelope, error) {
	if analysis := gqlrequest.AnalysisFromContext(r.Context()); analysis != nil {
		if analysis.DecodeError != nil {
			return gqlrequest.Envelope{}, analysis.DecodeError
		}
		return analysis.Envelope, nil
	}
	return gqlrequest.DecodeEnvelope(r)
}

func writeResult(w http.ResponseWriter, status int, result *graphql.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

type extrasKey struct{}

// responseExtras accumulates field-scoped errors raised under the
// partial results policy, for the response's extensions block.
type responseExtras struct {
	mu     sync.Mutex
	errors []*operr.Error
}

func withExtras(ctx context.Context) (context.Context, *responseExtras) {
	extras := &responseExtras{}
	return context.WithValue(ctx, extrasKey{}, extras), extras
}

// collectFieldErrors stages field-scoped errors for the response
// extensions. No-op when the request did not set up collection.
func collectFieldErrors(ctx context.Context, errs []*operr.Error) {
	if len(errs) == 0 {
		return
	}
	extras, ok := ctx.Value(extrasKey{}).(*responseExtras)
	if !ok {
		return
	}
	extras.mu.Lock()
	extras.errors = append(extras.errors, errs...)
	extras.mu.Unlock()
}

func (x *responseExtras) fieldErrors() []*operr.Error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*operr.Error(nil), x.errors...)
}
