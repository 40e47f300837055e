package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
)

type fileManager struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
}

func newFileManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if cfg.CertFile == "" {
		return nil, fmt.Errorf("tls_cert_file is required when tls_cert_mode=file")
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("tls_key_file is required when tls_cert_mode=file")
	}
	if err := verifyKeyPair(cfg.CertFile, cfg.KeyFile); err != nil {
		return nil, err
	}
	return &fileManager{certFile: cfg.CertFile, keyFile: cfg.KeyFile, logger: logger}, nil
}

// verifyKeyPair fails at startup rather than on the first handshake.
func verifyKeyPair(certFile, keyFile string) error {
	if err := checkReadableFile(certFile); err != nil {
		return fmt.Errorf("invalid certificate file: %w", err)
	}
	if err := checkReadableFile(keyFile); err != nil {
		return fmt.Errorf("invalid key file: %w", err)
	}
	if err := checkKeyFilePermissions(keyFile); err != nil {
		return fmt.Errorf("insecure key file permissions: %w", err)
	}
	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	return nil
}

func (m *fileManager) GetTLSConfig() (*tls.Config, error) {
	// Reloading per handshake picks up rotated certificates without a
	// restart.
	reload := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err != nil {
			m.logger.Error("failed to reload certificate",
				slog.String("cert_file", m.certFile),
				slog.String("error", err.Error()))
			return nil, err
		}
		return &cert, nil
	}
	return &tls.Config{MinVersion: MinTLSVersion, GetCertificate: reload}, nil
}

func (m *fileManager) Description() string {
	return fmt.Sprintf("file-based (cert=%s, key=%s)", m.certFile, m.keyFile)
}

func (m *fileManager) Shutdown() error { return nil }

func checkReadableFile(path string) error {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return fmt.Errorf("file not accessible: %w", err)
	case info.IsDir():
		return fmt.Errorf("path is a directory, not a file")
	case info.Size() == 0:
		return fmt.Errorf("file is empty")
	}
	return nil
}

func checkKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("key file has insecure permissions %o (should be 0600 or 0400)", mode)
	}
	return nil
}
