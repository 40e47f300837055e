// Command jwt-mint signs a development token the gateway's OIDC
// middleware accepts. Claims become predicate attributes under their
// own names, so -role and -attr map straight onto rule references.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var reservedClaims = map[string]struct{}{
	"iss": {},
	"sub": {},
	"aud": {},
	"iat": {},
	"exp": {},
	"nbf": {},
}

type attrFlags map[string]string

func (a attrFlags) String() string {
	pairs := make([]string, 0, len(a))
	for name, value := range a {
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, ",")
}

func (a attrFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("attribute %q must be name=value", raw)
	}
	if _, reserved := reservedClaims[name]; reserved {
		return fmt.Errorf("attribute %q collides with a registered claim", name)
	}
	if name == "role" {
		return fmt.Errorf("set the role claim with -role, not -attr")
	}
	a[name] = value
	return nil
}

func main() {
	currentUser, err := user.Current()
	if err != nil {
		currentUser = &user.User{Username: "dev-user"}
	}

	attrs := attrFlags{}
	privateKeyPath := flag.String("key", ".auth/jwt_private.pem", "Path to RSA private key (PEM)")
	issuer := flag.String("issuer", "https://localhost:9000", "JWT issuer")
	audience := flag.String("audience", "sqlstencil", "JWT audience (comma-separated for multiple)")
	subject := flag.String("subject", currentUser.Username, "JWT subject")
	role := flag.String("role", "", "Role claim, read by rule predicates and role-scoped execution (optional)")
	flag.Var(attrs, "attr", "Extra claim as name=value, becomes a predicate attribute (repeatable)")
	kid := flag.String("kid", "local-key", "JWT key ID")
	expires := flag.Duration("expires", time.Hour, "Token lifetime (e.g. 1h)")
	flag.Parse()

	privateKey, err := loadPrivateKey(*privateKeyPath)
	if err != nil {
		exitErr(err)
	}

	now := time.Now()
	claims := jwt.MapClaims{}
	for name, value := range attrs {
		claims[name] = value
	}
	if *role != "" {
		claims["role"] = *role
	}
	claims["iss"] = *issuer
	claims["sub"] = *subject
	claims["aud"] = splitList(*audience)
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(*expires).Unix()
	claims["nbf"] = now.Add(-1 * time.Minute).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = *kid
	signed, err := token.SignedString(privateKey)
	if err != nil {
		exitErr(err)
	}

	fmt.Println(signed)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key pem")
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
		return nil, fmt.Errorf("unsupported private key type")
	}

	return rsaKey, nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func splitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
