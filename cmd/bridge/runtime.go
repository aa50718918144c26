package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claw-bridge/internal/adapter/gateway"
	"claw-bridge/internal/adapter/journal"
	"claw-bridge/internal/adapter/statusapi"
	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/config"
	"claw-bridge/internal/infra/logger"
	"claw-bridge/internal/infra/tracer"
	"claw-bridge/internal/usecase/rpcguard"
	"claw-bridge/internal/usecase/scheduling"
)

// bridge holds the wired components for one command invocation.
type bridge struct {
	cfg    *config.Config
	log    *slog.Logger
	client *gateway.Client
	guard  *rpcguard.Guard

	// caller is the guard when enabled, the raw client otherwise.
	caller domain.GatewayCaller

	journal *journal.Store
}

// clientOptions maps configuration onto gateway client options.
func clientOptions(cfg *config.Config) (gateway.Options, error) {
	g, c := cfg.Gateway, cfg.Client

	url := gateway.BuildURL(g.Scheme, g.Host, g.Port, g.Path)
	if g.URL != "" {
		u, err := gateway.NormalizeURL(g.URL)
		if err != nil {
			return gateway.Options{}, err
		}
		url = u
	}

	return gateway.Options{
		URL:   url,
		Token: g.Token,
		Client: gateway.ClientInfo{
			ID:       c.ID,
			Mode:     c.Mode,
			Platform: c.Platform,
			Version:  c.Version,
		},
		Role:                 c.Role,
		Scopes:               c.Scopes,
		Caps:                 c.Caps,
		Commands:             c.Commands,
		Permissions:          c.Permissions,
		Locale:               c.Locale,
		UserAgent:            c.UserAgent,
		MinProtocol:          c.MinProtocol,
		MaxProtocol:          c.MaxProtocol,
		AutoReconnect:        g.AutoReconnect,
		ReconnectBaseDelay:   g.ReconnectBaseDelay,
		ReconnectMaxDelay:    g.ReconnectMaxDelay,
		MaxReconnectAttempts: g.MaxReconnectAttempts,
		RequestTimeout:       g.RequestTimeout,
		ConnectTimeout:       g.ConnectTimeout,
		HeartbeatInterval:    g.HeartbeatInterval,
		SubscribeEvents:      g.SubscribeEvents,
		ReadLimit:            g.ReadLimitBytes,
	}, nil
}

// loadConfig loads cfgPath and starts logging and tracing. The returned
// cleanup flushes both.
func loadConfig(ctx context.Context, cfgPath string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		logCloser()
	}
	return cfg, log, cleanup, nil
}

// newBridge builds the client, the request guard and, when withJournal is
// set and the journal is enabled, the event journal. Nothing is dialled.
func newBridge(cfg *config.Config, log *slog.Logger, withJournal bool) (*bridge, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway options: %w", err)
	}

	b := &bridge{
		cfg:    cfg,
		log:    log,
		client: gateway.New(opts, gateway.WithLogger(log), gateway.WithEventQueue(cfg.Gateway.EventQueue)),
	}
	b.caller = b.client

	if cfg.Guard.Enabled {
		b.guard = rpcguard.New(b.client, rpcguard.Config{
			RequestsPerSecond: cfg.Guard.RequestsPerSecond,
			Burst:             cfg.Guard.Burst,
			MaxFailures:       cfg.Guard.MaxFailures,
			OpenTimeout:       cfg.Guard.OpenTimeout,
			Interval:          cfg.Guard.Interval,
		}, log)
		b.caller = b.guard
	}

	if withJournal && cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			b.client.Close()
			return nil, err
		}
		b.journal = store
		b.client.OnAny(store.Handler(log))
	}
	return b, nil
}

// Close disconnects and releases everything the bridge opened.
func (b *bridge) Close() error {
	errs := []error{b.client.Close()}
	if b.journal != nil {
		errs = append(errs, b.journal.Close())
	}
	return errors.Join(errs...)
}

// note records a bridge-local journal entry when the journal is open.
func (b *bridge) note(ctx context.Context, name string, payload any) {
	if b.journal == nil {
		return
	}
	if err := b.journal.RecordNote(ctx, name, payload); err != nil {
		b.log.Warn("journal note failed", "note", name, "error", err)
	}
}

// newScheduler registers the maintenance actions and adds the configured
// tasks. journal_prune tasks are skipped when the journal is off.
func (b *bridge) newScheduler() (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(b.log)
	s.RegisterAction(scheduling.ActionStatsReport, scheduling.StatsReport(b.client, b.log))
	if b.journal != nil {
		s.RegisterAction(scheduling.ActionJournalPrune, scheduling.JournalPrune(b.journal, b.cfg.Journal.Retention, b.log))
	}

	for _, t := range b.cfg.Scheduler.Tasks {
		action := scheduling.ScheduledAction(t.Action)
		if action == scheduling.ActionJournalPrune && b.journal == nil {
			b.log.Info("journal disabled, skipping task", "task", t.Name)
			continue
		}
		if err := s.AddTask(scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   action,
			OneShot:  t.OneShot,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// newStatusServer builds the status endpoint over the bridge's components.
func (b *bridge) newStatusServer() *statusapi.Server {
	deps := statusapi.Deps{Stats: b.client, Version: version}
	if b.guard != nil {
		deps.Breaker = b.guard
	}
	if b.journal != nil {
		deps.Journal = b.journal
	}
	return statusapi.New(b.cfg.Status.Addr, deps, b.log,
		statusapi.WithRateLimit(b.cfg.Status.RequestsPerMinute, b.cfg.Status.Burst))
}
