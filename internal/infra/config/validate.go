package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found. A missing gateway token is not an error here:
// the client refuses to dial without one.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateClient(cfg, ve)
	validateGuard(cfg, ve)
	validateJournal(cfg, ve)
	validateScheduler(cfg, ve)
	validateStatus(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL != "" {
		u, err := url.Parse(g.URL)
		switch {
		case err != nil:
			ve.Add("gateway.url %q is not a valid URL", g.URL)
		case u.Host == "":
			ve.Add("gateway.url %q has no host", g.URL)
		case !validSchemes[u.Scheme]:
			ve.Add("gateway.url scheme %q is invalid (want: ws, wss, http, https)", u.Scheme)
		}
	} else {
		if g.Host == "" {
			ve.Add("gateway.host is required")
		}
		if g.Port <= 0 || g.Port > 65535 {
			ve.Add("gateway.port must be between 1 and 65535 (got %d)", g.Port)
		}
		if g.Scheme != "ws" && g.Scheme != "wss" {
			ve.Add("gateway.scheme %q is invalid (want: ws, wss)", g.Scheme)
		}
	}

	if IsEncrypted(g.Token) {
		ve.Add("gateway.token is encrypted but %s is not set", EnvConfigKey)
	}
	if g.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
	if g.ConnectTimeout <= 0 {
		ve.Add("gateway.connect_timeout must be > 0")
	}
	if g.HeartbeatInterval < 0 {
		ve.Add("gateway.heartbeat_interval must be >= 0")
	}
	if g.MaxReconnectAttempts < 0 {
		ve.Add("gateway.max_reconnect_attempts must be >= 0")
	}
	if g.AutoReconnect {
		if g.ReconnectBaseDelay <= 0 {
			ve.Add("gateway.reconnect_base_delay must be > 0 when auto_reconnect is enabled")
		}
		if g.ReconnectMaxDelay < g.ReconnectBaseDelay {
			ve.Add("gateway.reconnect_max_delay (%s) must be >= reconnect_base_delay (%s)", g.ReconnectMaxDelay, g.ReconnectBaseDelay)
		}
	}
	if g.ReadLimitBytes < 0 {
		ve.Add("gateway.read_limit_bytes must be >= 0")
	}
	if g.EventQueue < 0 {
		ve.Add("gateway.event_queue must be >= 0")
	}
	for i, e := range g.SubscribeEvents {
		if strings.TrimSpace(e) == "" {
			ve.Add("gateway.subscribe_events[%d] must not be empty", i)
		}
	}
}

var validSchemes = map[string]bool{"ws": true, "wss": true, "http": true, "https": true}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if c.ID == "" {
		ve.Add("client.id must not be empty")
	}
	if c.Role == "" {
		ve.Add("client.role must not be empty")
	}
	if c.MinProtocol <= 0 {
		ve.Add("client.min_protocol must be > 0")
	}
	if c.MaxProtocol < c.MinProtocol {
		ve.Add("client.max_protocol (%d) must be >= min_protocol (%d)", c.MaxProtocol, c.MinProtocol)
	}
}

func validateGuard(cfg *Config, ve *ValidationError) {
	g := cfg.Guard
	if !g.Enabled {
		return
	}
	if g.RequestsPerSecond <= 0 {
		ve.Add("guard.requests_per_second must be > 0 when guard is enabled")
	}
	if g.Burst <= 0 {
		ve.Add("guard.burst must be > 0 when guard is enabled")
	}
	if g.MaxFailures == 0 {
		ve.Add("guard.max_failures must be > 0 when guard is enabled")
	}
	if g.OpenTimeout <= 0 {
		ve.Add("guard.open_timeout must be > 0 when guard is enabled")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if !cfg.Journal.Enabled {
		return
	}
	if cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
	if cfg.Journal.Retention < 0 {
		ve.Add("journal.retention must be >= 0")
	}
}

var validActions = map[string]bool{
	"stats_report":  true,
	"journal_prune": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		switch {
		case t.Action == "":
			ve.Add("scheduler.tasks[%d].action is required", i)
		case !validActions[t.Action]:
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: stats_report, journal_prune)", i, t.Action)
		}
	}
}

func validateStatus(cfg *Config, ve *ValidationError) {
	if !cfg.Status.Enabled {
		return
	}
	if cfg.Status.Addr == "" {
		ve.Add("status.addr is required when status is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Status.Addr); err != nil {
		ve.Add("status.addr %q is not a valid host:port", cfg.Status.Addr)
	}
	if cfg.Status.RequestsPerMinute < 0 {
		ve.Add("status.requests_per_minute must be >= 0")
	}
	if cfg.Status.RequestsPerMinute > 0 && cfg.Status.Burst <= 0 {
		ve.Add("status.burst must be > 0 when requests_per_minute is set")
	}
}

var validLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
