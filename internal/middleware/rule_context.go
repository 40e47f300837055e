package middleware

import (
	"context"
	"net/http"
)

type ruleContextKey struct{}

// WithRuleContext attaches the predicate attribute map to the request
// context.
func WithRuleContext(ctx context.Context, attrs map[string]interface{}) context.Context {
	return context.WithValue(ctx, ruleContextKey{}, attrs)
}

// RuleContextFromContext returns the predicate attribute map, or nil
// for an anonymous request.
func RuleContextFromContext(ctx context.Context) map[string]interface{} {
	attrs, _ := ctx.Value(ruleContextKey{}).(map[string]interface{})
	return attrs
}

// RoleFromContext returns the caller's role attribute when one is set.
func RoleFromContext(ctx context.Context) (string, bool) {
	attrs := RuleContextFromContext(ctx)
	if attrs == nil {
		return "", false
	}
	role, ok := attrs["role"].(string)
	return role, ok && role != ""
}

// RuleContextMiddleware derives the attribute map permission predicates
// evaluate against. Every verified claim becomes an attribute under its
// own name; claimAttributes then maps attribute names to differently
// named claims. Requests without a verified identity pass through with
// no attributes, so predicates read their references as null and deny.
func RuleContextMiddleware(claimAttributes map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := AuthFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			attrs := make(map[string]interface{}, len(auth.Claims)+1)
			for name, value := range auth.Claims {
				attrs[name] = value
			}
			if auth.Subject != "" {
				attrs["sub"] = auth.Subject
			}
			for attr, claim := range claimAttributes {
				if value, present := auth.Claims[claim]; present {
					attrs[attr] = value
				}
			}

			ctx := WithRuleContext(r.Context(), attrs)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
