package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"claw-bridge/internal/usecase/eventbus"
)

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	Client      ClientInfo
	Role        string
	Scopes      []string
	Caps        []string
	Commands    []string
	Permissions map[string]any
	Locale      string
	UserAgent   string
	MinProtocol int
	MaxProtocol int

	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// HeartbeatInterval overrides the server's policy.tickIntervalMs when positive.
	HeartbeatInterval time.Duration

	// SubscribeEvents is sent as a best-effort subscribe after authentication.
	SubscribeEvents []string

	ReadLimit int64
	Header    http.Header
}

// DefaultOptions returns the options used when a field is left unset.
func DefaultOptions() Options {
	return Options{
		Client: ClientInfo{
			ID:       "claw-bridge",
			Mode:     "backend",
			Platform: runtime.GOOS,
			Version:  "dev",
		},
		Role:                 "operator",
		Scopes:               []string{"operator.read", "operator.write"},
		Locale:               "en-US",
		UserAgent:            "claw-bridge",
		MinProtocol:          ProtocolVersion,
		MaxProtocol:          ProtocolVersion,
		AutoReconnect:        true,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		RequestTimeout:       30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReadLimit:            defaultReadLimit,
	}
}

// withDefaults fills zero-valued fields from DefaultOptions. Booleans are
// taken as given.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Client.ID == "" {
		o.Client.ID = d.Client.ID
	}
	if o.Client.Mode == "" {
		o.Client.Mode = d.Client.Mode
	}
	if o.Client.Platform == "" {
		o.Client.Platform = d.Client.Platform
	}
	if o.Client.Version == "" {
		o.Client.Version = d.Client.Version
	}
	if o.Role == "" {
		o.Role = d.Role
	}
	if o.Scopes == nil {
		o.Scopes = d.Scopes
	}
	if o.Locale == "" {
		o.Locale = d.Locale
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.MinProtocol <= 0 {
		o.MinProtocol = d.MinProtocol
	}
	if o.MaxProtocol <= 0 {
		o.MaxProtocol = d.MaxProtocol
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

func (o Options) reconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:  o.ReconnectBaseDelay,
		MaxDelay:   o.ReconnectMaxDelay,
		MaxRetries: o.MaxReconnectAttempts,
	}
}

func (o Options) header() http.Header {
	h := o.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("User-Agent") == "" && o.UserAgent != "" {
		h.Set("User-Agent", o.UserAgent)
	}
	return h
}

// BuildURL assembles a websocket URL from its parts. scheme defaults to ws.
func BuildURL(scheme, host string, port int, path string) string {
	if scheme == "" {
		scheme = "ws"
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: path}
	return u.String()
}

// NormalizeURL accepts ws, wss, http and https URLs (or a bare host:port)
// and returns the websocket form.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("gateway url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway url %q has no host", raw)
	}
	return u.String(), nil
}

// Option customises a Client beyond its Options.
type Option func(*Client)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEventBus makes the client dispatch events through an existing bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithEventQueue sets how many received events may wait for listeners
// before the receive loop blocks.
func WithEventQueue(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the client's request timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
