package middleware

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func selfSignedIssuer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	caPath := filepath.Join(t.TempDir(), "issuer_ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, block, 0o600))
	return srv, caPath
}

func TestOIDCHTTPClientWithPrivateCA(t *testing.T) {
	issuer, caPath := selfSignedIssuer(t)

	t.Run("trusts the configured CA", func(t *testing.T) {
		client, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: caPath})
		require.NoError(t, err)

		resp, err := client.Get(issuer.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	})

	t.Run("rejects the issuer without the CA", func(t *testing.T) {
		client, err := newOIDCHTTPClient(OIDCAuthConfig{})
		require.NoError(t, err)

		_, err = client.Get(issuer.URL)
		require.Error(t, err, "self-signed issuer must fail system-pool verification")
	})
}

func TestOIDCHTTPClientBadCAFile(t *testing.T) {
	t.Run("not PEM", func(t *testing.T) {
		caPath := filepath.Join(t.TempDir(), "bogus.pem")
		require.NoError(t, os.WriteFile(caPath, []byte("plain text"), 0o600))

		_, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: caPath})
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: filepath.Join(t.TempDir(), "absent.pem")})
		require.Error(t, err)
	})
}
