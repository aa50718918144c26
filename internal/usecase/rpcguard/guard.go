// Package rpcguard throttles gateway requests and stops issuing them while
// the gateway keeps failing.
package rpcguard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"claw-bridge/internal/domain"
)

// Default guard settings.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Config configures a Guard. Zero fields take the defaults; a zero
// RequestsPerSecond disables throttling.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxFailures       uint32
	OpenTimeout       time.Duration
	Interval          time.Duration
}

// Guard wraps a GatewayCaller with a token-bucket limiter and a circuit
// breaker. Only transient failures (connection, timeout, rate limit) count
// against the breaker; a gateway reporting ok:false is a healthy gateway.
type Guard struct {
	inner   domain.GatewayCaller
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
}

var _ domain.GatewayCaller = (*Guard)(nil)

// New wraps inner.
func New(inner domain.GatewayCaller, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	g := &Guard{inner: inner, logger: logger.With("component", "rpcguard")}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	g.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryableError(err)
		},
	})
	return g
}

// Request waits for a limiter token, then forwards to the wrapped caller
// through the breaker.
func (g *Guard) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, domain.NewSubSystemError("rpcguard", "Guard.Request", domain.ErrRateLimit, method).WithCause(err)
		}
	}

	res, err := g.breaker.Execute(func() (json.RawMessage, error) {
		return g.inner.Request(ctx, method, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewSubSystemError("rpcguard", "Guard.Request", domain.ErrCircuitOpen, method).WithCause(err)
	}
	return res, err
}

// State returns the breaker state for monitoring.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

// Counts returns the breaker's current counts.
func (g *Guard) Counts() gobreaker.Counts {
	return g.breaker.Counts()
}
