// Package integration holds end-to-end tests against a live Gateway. They
// run with -tags integration and skip unless a Gateway is configured.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	GatewayURL  string
	Token       string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		GatewayURL:  os.Getenv("OPENCLAW_GATEWAY_URL"),
		Token:       os.Getenv("OPENCLAW_GATEWAY_TOKEN"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoGateway skips the test unless both the URL and the token are set.
func SkipIfNoGateway(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.GatewayURL == "" || cfg.Token == "" {
		t.Skip("Skipping gateway integration test: OPENCLAW_GATEWAY_URL or OPENCLAW_GATEWAY_TOKEN not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
