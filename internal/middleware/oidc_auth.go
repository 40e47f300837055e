package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"sqlstencil/internal/logging"
	"sqlstencil/internal/observability"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// OIDCAuthConfig controls OIDC/JWKS validation behavior.
type OIDCAuthConfig struct {
	Enabled       bool
	IssuerURL     string
	Audience      string
	ClockSkew     time.Duration
	CAFile        string
	SkipTLSVerify bool
}

// oidcGate carries the verifier plus the reporting hooks shared by
// every rejection path.
type oidcGate struct {
	cfg      OIDCAuthConfig
	verifier *oidc.IDTokenVerifier
	logger   *logging.Logger
	metrics  *observability.SecurityMetrics
}

// OIDCAuthMiddleware validates Bearer tokens when enabled. Verified
// claims land in the auth context for the rule context middleware to
// map into predicate attributes. Pass nil metrics to disable security
// counters.
func OIDCAuthMiddleware(cfg OIDCAuthConfig, logger *logging.Logger, metrics *observability.SecurityMetrics) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 2 * time.Minute
	}

	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}
	if logger != nil && cfg.SkipTLSVerify {
		logger.Warn("oidc tls verification is disabled; enable only for local development",
			"issuer", cfg.IssuerURL,
		)
	}

	httpClient, err := newOIDCHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	gate := &oidcGate{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		verifier: provider.Verifier(&oidc.Config{
			ClientID:        cfg.Audience,
			SkipIssuerCheck: false,
		}),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(gate.handler(next))
	}, nil
}

func (g *oidcGate) handler(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if g.metrics != nil {
			g.metrics.RecordAuthAttempt(r.Context(), endpoint)
		}

		tokenString := bearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			g.deny(w, r, "missing_token", "", "missing bearer token", nil)
			return
		}

		idToken, err := g.verifier.Verify(r.Context(), tokenString)
		if err != nil {
			g.deny(w, r, "token_verification_failed", "verification_failed", "invalid token", err)
			return
		}

		claims := map[string]interface{}{}
		if err := idToken.Claims(&claims); err != nil {
			g.deny(w, r, "claims_parse_failed", "claims_parse_failed", "invalid token claims", err)
			return
		}

		if err := validateTimeClaims(claims, g.cfg.ClockSkew); err != nil {
			g.deny(w, r, "time_validation_failed", "time_validation_failed", "invalid token", err)
			return
		}

		subject, _ := claims["sub"].(string)
		aud := extractAudience(claims)

		if g.metrics != nil {
			g.metrics.RecordAuthSuccess(r.Context(), endpoint, g.cfg.IssuerURL)
		}
		if g.logger != nil {
			logging.FromContext(r.Context()).Debug("authentication successful",
				slog.String("subject", subject),
				slog.String("issuer", g.cfg.IssuerURL),
				slog.String("endpoint", endpoint),
			)
		}

		if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
			span.SetAttributes(
				attribute.String("auth.subject", subject),
				attribute.String("auth.issuer", g.cfg.IssuerURL),
				attribute.Bool("auth.authenticated", true),
			)
			if len(aud) > 0 {
				span.SetAttributes(attribute.StringSlice("auth.audience", aud))
			}
		}

		ctx := WithAuthContext(r.Context(), AuthContext{
			Subject:  subject,
			Issuer:   g.cfg.IssuerURL,
			Audience: aud,
			Claims:   claims,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// deny records the failure and answers 401. validationReason is empty
// for failures that never reached token validation.
func (g *oidcGate) deny(w http.ResponseWriter, r *http.Request, reason, validationReason, message string, cause error) {
	endpoint := r.URL.Path
	if g.metrics != nil {
		g.metrics.RecordAuthFailure(r.Context(), endpoint, reason)
		if validationReason != "" {
			g.metrics.RecordTokenValidationError(r.Context(), validationReason)
		}
	}
	if g.logger != nil {
		attrs := []any{
			slog.String("reason", reason),
			slog.String("endpoint", endpoint),
			slog.String("remote_addr", r.RemoteAddr),
		}
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		logging.FromContext(r.Context()).Warn("authentication failed", attrs...)
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":"%s"}`, message)
}

// newOIDCHTTPClient builds the client used for discovery and JWKS
// fetches. A configured CA file extends the system roots, for issuers
// behind a private CA.
func newOIDCHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify}

	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read oidc ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("oidc ca file %s holds no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   10 * time.Second,
	}, nil
}

func bearerToken(value string) string {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// validateTimeClaims re-checks exp and nbf with the configured skew on
// top of the verifier's own validation.
func validateTimeClaims(claims map[string]interface{}, skew time.Duration) error {
	if skew <= 0 {
		return nil
	}

	now := time.Now()
	if exp, ok := numericDate(claims["exp"]); ok && now.After(exp.Add(skew)) {
		return errors.New("token expired")
	}
	if nbf, ok := numericDate(claims["nbf"]); ok && now.Add(skew).Before(nbf) {
		return errors.New("token not valid yet")
	}
	return nil
}

func numericDate(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(parsed, 0), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(parsed, 0), true
	default:
		return time.Time{}, false
	}
}

func extractAudience(claims map[string]interface{}) []string {
	switch val := claims["aud"].(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	default:
		return nil
	}
}
