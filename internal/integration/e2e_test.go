//go:build integration

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"claw-bridge/internal/adapter/gateway"
	"claw-bridge/internal/adapter/journal"
	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/logger"
	"claw-bridge/internal/usecase/rpcguard"
)

func liveClient(t *testing.T, cfg *Config) *gateway.Client {
	t.Helper()
	url, err := gateway.NormalizeURL(cfg.GatewayURL)
	if err != nil {
		t.Fatalf("gateway url: %v", err)
	}
	opts := gateway.DefaultOptions()
	opts.URL = url
	opts.Token = cfg.Token
	opts.AutoReconnect = false

	c := gateway.New(opts, gateway.WithLogger(logger.Discard()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestE2E_Handshake(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoGateway(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	c := liveClient(t, cfg)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	hello := c.Hello()
	if hello == nil {
		t.Fatal("no hello after connect")
	}
	if hello.Protocol != gateway.ProtocolVersion {
		t.Errorf("protocol = %d, want %d", hello.Protocol, gateway.ProtocolVersion)
	}
	if c.State() != domain.StateAuthenticated {
		t.Errorf("state = %s", c.State())
	}
	t.Logf("connected to %s (server %s, conn %s)", cfg.GatewayURL, hello.Server.Version, hello.Server.ConnID)
}

func TestE2E_HealthThroughGuard(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoGateway(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	c := liveClient(t, cfg)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	guard := rpcguard.New(c, rpcguard.Config{RequestsPerSecond: 5, Burst: 5}, logger.Discard())

	res, err := guard.Request(ctx, "health", nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(res) == 0 {
		t.Error("empty health payload")
	}
}

func TestE2E_UnknownMethod(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoGateway(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	c := liveClient(t, cfg)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Request(ctx, "clawbridge.no-such-method", nil)
	if !errors.Is(err, domain.ErrGateway) {
		t.Fatalf("error = %v, want a gateway error", err)
	}
	if !c.IsConnected() {
		t.Error("a gateway error must not drop the connection")
	}
}

func TestE2E_TickJournaled(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoGateway(t, cfg)
	if cfg.SkipSlow {
		t.Skip("Skipping slow test")
	}
	ctx := NewTestContext(t, cfg.TestTimeout)

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer store.Close()

	c := liveClient(t, cfg)
	ticks := make(chan struct{}, 1)
	c.OnAny(store.Handler(logger.Discard()))
	c.On(domain.EventTick, func(context.Context, domain.Event) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-ticks:
	case <-time.After(45 * time.Second):
		t.Fatal("no tick event within 45s")
	}
	time.Sleep(50 * time.Millisecond)

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n == 0 {
		t.Error("journal is empty after a tick")
	}
}
