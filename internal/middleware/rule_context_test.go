package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRuleContextMiddleware(t *testing.T) {
	var seenAttrs map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAttrs = RuleContextFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name            string
		auth            *AuthContext
		claimAttributes map[string]string
		wantAttrs       map[string]interface{}
	}{
		{
			name:      "anonymous request carries no attributes",
			wantAttrs: nil,
		},
		{
			name: "claims pass through under their own names",
			auth: &AuthContext{
				Subject: "user-1",
				Claims: map[string]interface{}{
					"sub":  "user-1",
					"role": "analyst",
				},
			},
			wantAttrs: map[string]interface{}{
				"sub":  "user-1",
				"role": "analyst",
			},
		},
		{
			name: "attribute mapping reads a differently named claim",
			auth: &AuthContext{
				Subject: "user-2",
				Claims: map[string]interface{}{
					"sub":          "user-2",
					"custom_role":  "admin",
					"organization": "acme",
				},
			},
			claimAttributes: map[string]string{
				"role":   "custom_role",
				"org_id": "organization",
			},
			wantAttrs: map[string]interface{}{
				"sub":          "user-2",
				"custom_role":  "admin",
				"organization": "acme",
				"role":         "admin",
				"org_id":       "acme",
			},
		},
		{
			name: "mapping to a missing claim leaves the attribute unset",
			auth: &AuthContext{
				Subject: "user-3",
				Claims:  map[string]interface{}{"sub": "user-3"},
			},
			claimAttributes: map[string]string{"role": "custom_role"},
			wantAttrs:       map[string]interface{}{"sub": "user-3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenAttrs = nil
			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuthContext(req.Context(), *tt.auth))
			}

			rec := httptest.NewRecorder()
			RuleContextMiddleware(tt.claimAttributes)(handler).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if tt.wantAttrs == nil {
				if seenAttrs != nil {
					t.Fatalf("expected no rule context, got %v", seenAttrs)
				}
				return
			}
			if len(seenAttrs) != len(tt.wantAttrs) {
				t.Fatalf("attribute count = %d, want %d (%v)", len(seenAttrs), len(tt.wantAttrs), seenAttrs)
			}
			for name, want := range tt.wantAttrs {
				if got := seenAttrs[name]; got != want {
					t.Fatalf("attribute %q = %v, want %v", name, got, want)
				}
			}
		})
	}
}

func TestRoleFromContext(t *testing.T) {
	if role, ok := RoleFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); ok || role != "" {
		t.Fatalf("expected no role on a bare context, got %q", role)
	}

	ctx := WithRuleContext(httptest.NewRequest(http.MethodGet, "/", nil).Context(), map[string]interface{}{"role": "viewer"})
	role, ok := RoleFromContext(ctx)
	if !ok || role != "viewer" {
		t.Fatalf("role = %q ok=%v, want viewer", role, ok)
	}

	ctx = WithRuleContext(ctx, map[string]interface{}{"role": 7})
	if _, ok := RoleFromContext(ctx); ok {
		t.Fatalf("expected non-string role claim to read as unset")
	}
}
