package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/gqlrequest"
)

type fixedArtifactSource struct {
	art *artifact.Artifact
}

func (s *fixedArtifactSource) Artifact() *artifact.Artifact {
	return s.art
}

func TestRequestAnalysisMiddleware_PopulatesContextAndRewindsBody(t *testing.T) {
	var (
		seenAnalysis *gqlrequest.Analysis
		seenMeta     gqlrequest.ExecMeta
		seenMetaOK   bool
		bodyCopy     string
	)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAnalysis = gqlrequest.AnalysisFromContext(r.Context())
		seenMeta, seenMetaOK = gqlrequest.ExecMetaFromContext(r.Context())
		bodyBytes, _ := io.ReadAll(r.Body)
		bodyCopy = string(bodyBytes)
		w.WriteHeader(http.StatusOK)
	})

	handler := RequestAnalysisMiddleware(nil)(next)
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"mutation CreateUser { createUser(input: {}) { id } }","operationName":"CreateUser","variables":{"x":1}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenAnalysis == nil {
		t.Fatalf("expected analysis in context")
	}
	if !seenMetaOK {
		t.Fatalf("expected exec meta in context")
	}
	if seenAnalysis.OperationType != "mutation" {
		t.Fatalf("operation type = %q, want mutation", seenAnalysis.OperationType)
	}
	if seenMeta.OperationType != "mutation" {
		t.Fatalf("exec meta operation type = %q, want mutation", seenMeta.OperationType)
	}
	if seenAnalysis.OperationHash == "" {
		t.Fatalf("expected non-empty operation hash")
	}
	if !strings.Contains(bodyCopy, `"operationName":"CreateUser"`) {
		t.Fatalf("expected rewound request body to be readable by downstream handler")
	}
}

func TestRequestAnalysisMiddleware_CarriesRoleAndChecksum(t *testing.T) {
	var seenMeta gqlrequest.ExecMeta

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenMeta, _ = gqlrequest.ExecMetaFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	source := &fixedArtifactSource{art: &artifact.Artifact{Document: artifact.Document{Checksum: "0af3b2"}}}
	handler := RuleContextMiddleware(nil)(RequestAnalysisMiddleware(source)(next))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"query { users { id } }"}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(WithAuthContext(req.Context(), AuthContext{
		Subject: "user-1",
		Claims:  map[string]interface{}{"sub": "user-1", "role": "viewer"},
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenMeta.Role != "viewer" {
		t.Fatalf("meta role = %q, want viewer", seenMeta.Role)
	}
	if seenMeta.Checksum != "0af3b2" {
		t.Fatalf("meta checksum = %q, want 0af3b2", seenMeta.Checksum)
	}
	if seenMeta.OperationType != "query" {
		t.Fatalf("meta operation type = %q, want query", seenMeta.OperationType)
	}
}
