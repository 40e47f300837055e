// Command jwks-server is a local OIDC issuer stand-in. It serves the
// discovery document and JWKS the gateway's auth middleware fetches,
// and can vend signed development tokens from /dev/token so requests
// arrive with the claims rule predicates evaluate against.
package main

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"sqlstencil/internal/tlscert"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminTokenHeader      = "X-Admin-Token"
	defaultDevTokenSub    = "dev-user"
	maxRequestBodyBytes   = 1 << 20
	defaultTokenAudience  = "sqlstencil"
	defaultDevTokenMaxTTL = 7 * 24 * time.Hour
)

// Claims callers may not smuggle in through attributes. role is ours:
// it drives role-scoped execution and is set from its own field.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "iat": {}, "exp": {}, "nbf": {}, "role": {},
}

type serverConfig struct {
	Issuer   string
	Audience []string
	KID      string
	JWKSPem  []byte
	DevToken devTokenConfig
}

type devTokenConfig struct {
	Enabled        bool
	AdminToken     string
	PrivateKeyPath string
	PrivateKey     *rsa.PrivateKey
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
}

// devTokenRequest mirrors the claim surface the gateway reads: the
// role claim drives role-scoped execution, attributes become predicate
// attributes under their own names.
type devTokenRequest struct {
	Subject    string                 `json:"subject"`
	Role       string                 `json:"role"`
	Attributes map[string]interface{} `json:"attributes"`
	ExpiresIn  string                 `json:"expires_in"`
}

type devTokenResponse struct {
	Token            string `json:"token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	ExpiresAt        string `json:"expires_at"`
}

type jsonError struct {
	Error string `json:"error"`
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	issuer := flag.String("issuer", "https://localhost:9000", "OIDC issuer URL")
	audience := flag.String("audience", defaultTokenAudience, "Expected JWT audience value(s), comma-separated")
	publicKeyPath := flag.String("public-key", ".auth/jwt_public.pem", "Path to RSA public key (PEM)")
	kid := flag.String("kid", "local-key", "Key ID to advertise")
	enableTLS := flag.Bool("tls", true, "Enable HTTPS with a self-signed certificate")
	tlsDir := flag.String("tls-dir", ".auth/jwks-tls", "Directory for the self-signed TLS certificate")
	devTokenEnabled := flag.Bool("dev-token-enabled", false, "Enable dev-only token vending endpoint (/dev/token)")
	devTokenAdminToken := flag.String("dev-token-admin-token", "", "Shared admin token required by /dev/token")
	devTokenPrivateKey := flag.String("dev-token-private-key", ".auth/jwt_private.pem", "Path to RSA private key used by /dev/token")
	devTokenDefaultTTL := flag.Duration("dev-token-default-ttl", 24*time.Hour, "Default token lifetime for /dev/token")
	devTokenMaxTTL := flag.Duration("dev-token-max-ttl", defaultDevTokenMaxTTL, "Maximum allowed token lifetime for /dev/token")
	flag.Parse()

	cfg := serverConfig{
		Issuer:   *issuer,
		Audience: splitList(*audience),
		KID:      *kid,
		DevToken: devTokenConfig{
			Enabled:        *devTokenEnabled,
			AdminToken:     strings.TrimSpace(*devTokenAdminToken),
			PrivateKeyPath: strings.TrimSpace(*devTokenPrivateKey),
			DefaultTTL:     *devTokenDefaultTTL,
			MaxTTL:         *devTokenMaxTTL,
		},
	}
	if len(cfg.Audience) == 0 {
		exitErr(errors.New("audience is required"))
	}

	key, err := loadPublicKey(*publicKeyPath)
	if err != nil {
		exitErr(err)
	}
	cfg.JWKSPem, err = buildJWKS(key, cfg.KID)
	if err != nil {
		exitErr(err)
	}
	if err := validateAndLoadDevTokenConfig(&cfg.DevToken); err != nil {
		exitErr(err)
	}

	mux, err := buildServerMux(cfg)
	if err != nil {
		exitErr(err)
	}

	if *enableTLS {
		exitErr(serveTLS(*addr, *tlsDir, mux))
		return
	}
	fmt.Fprintln(os.Stderr, "warning: JWKS server running without TLS (dev only)")
	fmt.Printf("JWKS server listening on http://%s\n", *addr)
	exitErr(http.ListenAndServe(*addr, mux))
}

// serveTLS runs the mux behind a self-signed certificate managed the
// same way as the gateway's auto TLS mode, so a healthcheck can trust
// the written server.crt instead of skipping verification.
func serveTLS(addr, certDir string, mux *http.ServeMux) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	manager, err := tlscert.NewManager(tlscert.Config{
		Mode:              tlscert.CertModeSelfSigned,
		SelfSignedCertDir: certDir,
	}, logger)
	if err != nil {
		return err
	}
	tlsConfig, err := manager.GetTLSConfig()
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}
	fmt.Printf("JWKS server listening on https://%s\n", addr)
	return srv.ListenAndServeTLS("", "")
}

func buildServerMux(cfg serverConfig) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"issuer":   cfg.Issuer,
			"jwks_uri": cfg.Issuer + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(cfg.JWKSPem)
	})
	if cfg.DevToken.Enabled {
		handler, err := newDevTokenHandler(cfg)
		if err != nil {
			return nil, err
		}
		mux.Handle("/dev/token", handler)
	}
	return mux, nil
}

func validateAndLoadDevTokenConfig(cfg *devTokenConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	switch {
	case strings.TrimSpace(cfg.AdminToken) == "":
		return errors.New("dev-token-enabled requires --dev-token-admin-token")
	case cfg.DefaultTTL <= 0:
		return errors.New("dev-token-default-ttl must be greater than 0")
	case cfg.MaxTTL <= 0:
		return errors.New("dev-token-max-ttl must be greater than 0")
	case cfg.DefaultTTL > cfg.MaxTTL:
		return errors.New("dev-token-default-ttl cannot exceed dev-token-max-ttl")
	}

	privateKey, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load dev token private key: %w", err)
	}
	cfg.PrivateKey = privateKey
	return nil
}

// devTokenHandler vends signed development tokens to callers holding
// the shared admin token.
type devTokenHandler struct {
	cfg serverConfig
}

func newDevTokenHandler(cfg serverConfig) (http.Handler, error) {
	if !cfg.DevToken.Enabled {
		return nil, nil
	}
	if cfg.DevToken.PrivateKey == nil {
		return nil, errors.New("dev token private key is required")
	}
	if strings.TrimSpace(cfg.DevToken.AdminToken) == "" {
		return nil, errors.New("dev token admin token is required")
	}
	if len(cfg.Audience) == 0 {
		return nil, errors.New("audience is required for dev token endpoint")
	}
	return &devTokenHandler{cfg: cfg}, nil
}

func (h *devTokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method not allowed"})
		return
	}
	provided := strings.TrimSpace(r.Header.Get(adminTokenHeader))
	if !constantTimeTokenMatch(provided, strings.TrimSpace(h.cfg.DevToken.AdminToken)) {
		writeJSON(w, http.StatusUnauthorized, jsonError{Error: "unauthorized"})
		return
	}

	req, err := decodeDevTokenRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid request body"})
		return
	}
	if err := validateAttributes(req.Attributes); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: err.Error()})
		return
	}
	ttl, err := resolveTokenTTL(h.cfg.DevToken, req.ExpiresIn)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: err.Error()})
		return
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	signed, err := h.mint(req, now, expiresAt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "failed to sign token"})
		return
	}

	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, signed)
		return
	}
	writeJSON(w, http.StatusOK, devTokenResponse{
		Token:            signed,
		TokenType:        "Bearer",
		ExpiresInSeconds: int64(ttl.Seconds()),
		ExpiresAt:        expiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *devTokenHandler) mint(req devTokenRequest, now, expiresAt time.Time) (string, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = defaultDevTokenSub
	}

	claims := jwt.MapClaims{}
	for name, value := range req.Attributes {
		claims[name] = value
	}
	if role := strings.TrimSpace(req.Role); role != "" {
		claims["role"] = role
	}
	claims["iss"] = h.cfg.Issuer
	claims["sub"] = subject
	claims["aud"] = h.cfg.Audience
	claims["iat"] = now.Unix()
	claims["exp"] = expiresAt.Unix()
	claims["nbf"] = now.Add(-1 * time.Minute).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = h.cfg.KID
	return token.SignedString(h.cfg.DevToken.PrivateKey)
}

func decodeDevTokenRequest(r *http.Request) (devTokenRequest, error) {
	if r == nil || r.Body == nil {
		return devTokenRequest{}, nil
	}
	defer func() {
		_ = r.Body.Close()
	}()

	var req devTokenRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return devTokenRequest{}, nil
		}
		return devTokenRequest{}, err
	}
	var extra struct{}
	if err := decoder.Decode(&extra); err != io.EOF {
		return devTokenRequest{}, errors.New("request body must contain a single JSON object")
	}
	return req, nil
}

func validateAttributes(attrs map[string]interface{}) error {
	for name := range attrs {
		if strings.TrimSpace(name) == "" {
			return errors.New("attribute names cannot be empty")
		}
		if _, reserved := reservedClaims[name]; reserved {
			return fmt.Errorf("attribute %q collides with a registered claim", name)
		}
	}
	return nil
}

func resolveTokenTTL(cfg devTokenConfig, requested string) (time.Duration, error) {
	ttl := cfg.DefaultTTL
	if raw := strings.TrimSpace(requested); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.New("expires_in must be a valid duration")
		}
		ttl = parsed
	}
	switch {
	case ttl <= 0:
		return 0, errors.New("expires_in must be greater than 0")
	case ttl > cfg.MaxTTL:
		return 0, fmt.Errorf("expires_in exceeds maximum of %s", cfg.MaxTTL)
	}
	return ttl, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func constantTimeTokenMatch(provided, expected string) bool {
	providedDigest := sha256.Sum256([]byte(provided))
	expectedDigest := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(providedDigest[:], expectedDigest[:]) == 1
}

func decodePEM(path, what string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode %s PEM", what)
	}
	return block, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := decodePEM(path, "public key")
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return key, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := decodePEM(path, "private key")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

func buildJWKS(key *rsa.PublicKey, kid string) ([]byte, error) {
	payload := jwks{
		Keys: []jwk{{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(intToBytes(key.E)),
		}},
	}
	return json.Marshal(payload)
}

func intToBytes(value int) []byte {
	if value == 0 {
		return []byte{0}
	}
	var buf [8]byte
	i := len(buf)
	for value > 0 {
		i--
		buf[i] = byte(value & 0xff)
		value >>= 8
	}
	return buf[i:]
}

func exitErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func splitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
