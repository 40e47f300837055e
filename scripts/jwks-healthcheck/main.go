// Command jwks-healthcheck probes a JWKS server's OIDC discovery
// document and key set. Compose healthchecks run it against the local
// jwks-server before the gateway starts fetching keys.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type oidcDiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

func main() {
	url := flag.String("url", "https://localhost:9000/.well-known/openid-configuration", "OIDC discovery URL to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "HTTP request timeout")
	expectedIssuer := flag.String("expected-issuer", "", "Optional expected issuer value")
	caFile := flag.String("ca", "", "CA certificate to trust, e.g. the jwks-server's self-signed cert")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (dev only)")
	checkKeys := flag.Bool("check-keys", true, "Also fetch jwks_uri and require at least one key")
	flag.Parse()

	if *caFile != "" && *insecure {
		exitErr(errors.New("pass -ca or -insecure, not both"))
	}

	client, err := newHTTPClient(*timeout, *caFile)
	if err != nil {
		exitErr(err)
	}
	if *insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	doc, err := fetchDiscovery(client, *url)
	if err != nil {
		exitErr(err)
	}

	if *expectedIssuer != "" && doc.Issuer != *expectedIssuer {
		exitErr(fmt.Errorf("issuer mismatch: got %q want %q", doc.Issuer, *expectedIssuer))
	}

	if *checkKeys {
		if err := fetchKeys(client, doc.JWKSURI); err != nil {
			exitErr(err)
		}
	}
}

// newHTTPClient trusts the provided CA exclusively when one is given,
// which is what a probe against a self-signed jwks-server needs.
func newHTTPClient(timeout time.Duration, caFile string) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}

	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("CA file %s holds no certificates", caFile)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return client, nil
}

func fetchDiscovery(client *http.Client, url string) (oidcDiscoveryDocument, error) {
	resp, err := client.Get(url)
	if err != nil {
		return oidcDiscoveryDocument{}, fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oidcDiscoveryDocument{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var doc oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return oidcDiscoveryDocument{}, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if strings.TrimSpace(doc.Issuer) == "" {
		return oidcDiscoveryDocument{}, errors.New("discovery document missing issuer")
	}
	if strings.TrimSpace(doc.JWKSURI) == "" {
		return oidcDiscoveryDocument{}, errors.New("discovery document missing jwks_uri")
	}
	return doc, nil
}

func fetchKeys(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("jwks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected jwks status code %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode jwks document: %w", err)
	}
	if len(doc.Keys) == 0 {
		return errors.New("jwks document holds no keys")
	}
	return nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
