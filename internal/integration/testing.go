package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"agentgw/internal/adapter/gatewaysim"
	"agentgw/internal/infra/config"
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
		GatewayURL:  os.Getenv("AGENTGW_IT_GATEWAY_URL"),
		Token:       os.Getenv("AGENTGW_IT_TOKEN"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoGateway skips the test unless a live gateway URL is configured
func SkipIfNoGateway(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.GatewayURL == "" {
		t.Skip("Skipping live gateway test: AGENTGW_IT_GATEWAY_URL not set")
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

// SimConfig returns a simulated gateway config bound to addr.
func SimConfig(addr string) config.SimConfig {
	cfg := config.Defaults().Sim
	cfg.Addr = addr
	cfg.RateLimitPerSec = 0
	cfg.UpgradesPerMin = 0
	return cfg
}

// StartSim serves a simulated gateway until Stop or test cleanup.
func StartSim(t *testing.T, cfg config.SimConfig) *gatewaysim.Server {
	t.Helper()
	srv := gatewaysim.NewServer(nil, nil, cfg, slog.Default())
	if err := srv.Listen(); err != nil {
		t.Fatalf("start sim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("sim serve: %v", err)
		}
	})
	return srv
}
