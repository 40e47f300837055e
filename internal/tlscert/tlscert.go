// Package tlscert provides the server's TLS certificates, either from
// operator-supplied files or from a generated self-signed pair for
// local development.
package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
)

// CertMode selects where certificates come from.
type CertMode string

const (
	CertModeFile       CertMode = "file"
	CertModeSelfSigned CertMode = "selfsigned"
)

// MinTLSVersion is the floor for all server TLS configs.
const MinTLSVersion = tls.VersionTLS13

// Config selects and parameterizes a certificate source.
type Config struct {
	Mode CertMode

	// File mode
	CertFile string
	KeyFile  string

	// Self-signed mode
	SelfSignedCertDir string
	SelfSignedHosts   []string
}

// Manager hands out a tls.Config for an http.Server.
type Manager interface {
	GetTLSConfig() (*tls.Config, error)

	// Description names the certificate source for startup logs.
	Description() string

	Shutdown() error
}

var managerBuilders = map[CertMode]func(Config, *slog.Logger) (Manager, error){
	CertModeFile:       newFileManager,
	CertModeSelfSigned: newSelfSignedManager,
}

// NewManager builds the manager for the configured mode.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	build, ok := managerBuilders[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("unsupported TLS certificate mode: %s (valid modes: file, selfsigned)", cfg.Mode)
	}
	return build(cfg, logger)
}
