//go:build integration
// +build integration

package integration

import (
	"os"
	"strings"
)

func testUserWithPrefix() string {
	user := os.Getenv("STENCIL_TEST_USER")
	prefix := os.Getenv("STENCIL_TEST_USER_PREFIX")
	if prefix != "" && user != "" && !strings.HasPrefix(user, prefix) {
		return prefix + user
	}
	return user
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// baseServerEnv maps the STENCIL_TEST_* backend settings onto the
// environment a server process reads.
func baseServerEnv() []string {
	return []string{
		"STENCIL_DATABASE_HOST=" + os.Getenv("STENCIL_TEST_HOST"),
		"STENCIL_DATABASE_PORT=" + getEnvOrDefault("STENCIL_TEST_PORT", "4000"),
		"STENCIL_DATABASE_USER=" + testUserWithPrefix(),
		"STENCIL_DATABASE_PASSWORD=" + os.Getenv("STENCIL_TEST_PASSWORD"),
		"STENCIL_DATABASE_DATABASE=" + getEnvOrDefault("STENCIL_TEST_DATABASE", "test"),
		"STENCIL_DATABASE_TLS_MODE=" + getEnvOrDefault("STENCIL_TEST_TLS_MODE", "skip-verify"),
	}
}
