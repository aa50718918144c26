package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claw-bridge/internal/domain"
)

// handleChallenge is the protocol interceptor for connect.challenge. It
// sends the connect request at most once per transport session and only
// while the session is waiting for one.
func (c *Client) handleChallenge(ctx context.Context, evt domain.Event) {
	gen, ok := generationFrom(ctx)
	if !ok {
		return
	}

	var ch Challenge
	if err := evt.Decode(&ch); err != nil {
		c.logger.Warn("challenge payload unreadable, answering anyway", "error", err)
	}

	c.mu.Lock()
	if gen != c.gen || c.connectSent || c.state != domain.StateConnected || c.authWait == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("ignoring connect challenge", "state", state.String())
		return
	}
	c.connectSent = true
	wait := c.authWait
	from, changed := c.transitionLocked(domain.StateAuthenticating)
	c.mu.Unlock()
	c.notifyState(from, domain.StateAuthenticating, changed)

	go c.authenticate(gen, ch, wait)
}

func (c *Client) connectParams() ConnectParams {
	return ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client:      c.opts.Client,
		Role:        c.opts.Role,
		Scopes:      nonNil(c.opts.Scopes),
		Caps:        nonNil(c.opts.Caps),
		Commands:    nonNil(c.opts.Commands),
		Permissions: c.permissions(),
		Auth:        ConnectAuth{Token: c.opts.Token},
		Locale:      c.opts.Locale,
		UserAgent:   c.opts.UserAgent,
	}
}

func (c *Client) permissions() map[string]any {
	if c.opts.Permissions == nil {
		return map[string]any{}
	}
	return c.opts.Permissions
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (c *Client) authenticate(gen uint64, ch Challenge, wait chan error) {
	c.logger.Debug("answering connect challenge", "nonce", ch.Nonce)

	payload, err := c.pending.send(context.Background(), call{
		method:  MethodConnect,
		params:  c.connectParams(),
		timeout: c.opts.RequestTimeout,
		write:   c.writerFor(gen),
	})
	if err != nil {
		finishAuth(wait, domain.NewSubSystemError("handshake", "Client.Connect", domain.ErrAuthentication, "connect rejected").WithCause(err))
		return
	}

	var hello HelloOK
	if err := json.Unmarshal(payload, &hello); err != nil {
		finishAuth(wait, domain.NewSubSystemError("handshake", "Client.Connect", domain.ErrAuthentication, "unreadable hello").
			WithCause(domain.NewDomainError("HelloOK", domain.ErrProtocol, "").WithCause(err)))
		return
	}
	if hello.Protocol != 0 && (hello.Protocol < c.opts.MinProtocol || hello.Protocol > c.opts.MaxProtocol) {
		finishAuth(wait, domain.NewSubSystemError("handshake", "Client.Connect", domain.ErrAuthentication,
			fmt.Sprintf("gateway chose protocol %d outside [%d,%d]", hello.Protocol, c.opts.MinProtocol, c.opts.MaxProtocol)).
			WithCause(domain.ErrProtocol))
		return
	}

	interval := c.heartbeatInterval(hello.Policy)

	c.mu.Lock()
	if gen != c.gen || c.authWait != wait {
		c.mu.Unlock()
		return
	}
	c.authWait = nil
	c.hello = &hello
	reconnected := c.reconnect != nil
	c.reconnect = nil
	from, changed := c.transitionLocked(domain.StateAuthenticated)
	hb := newHeartbeat(interval, c.pinger(gen, interval), c.heartbeatFailed(gen), c.logger)
	c.hb = hb
	hb.start()
	c.mu.Unlock()

	c.counters.lastConnected.Store(time.Now().UnixNano())
	if reconnected {
		c.counters.reconnections.Add(1)
	}
	c.notifyState(from, domain.StateAuthenticated, changed)
	c.logger.Info("gateway authenticated",
		"url", c.opts.URL,
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
		"conn_id", hello.Server.ConnID,
		"heartbeat", interval,
	)

	if len(c.opts.SubscribeEvents) > 0 {
		go c.subscribe(gen)
	}
	finishAuth(wait, nil)
}

func finishAuth(wait chan error, err error) {
	select {
	case wait <- err:
	default:
	}
}

// heartbeatInterval prefers the configured interval, then the server policy.
func (c *Client) heartbeatInterval(p Policy) time.Duration {
	if c.opts.HeartbeatInterval > 0 {
		return c.opts.HeartbeatInterval
	}
	if p.TickIntervalMs > 0 {
		return time.Duration(p.TickIntervalMs) * time.Millisecond
	}
	return defaultHeartbeatInterval
}

func (c *Client) pinger(gen uint64, interval time.Duration) func(context.Context) error {
	timeout := min(interval, c.opts.RequestTimeout)
	return func(ctx context.Context) error {
		_, err := c.pending.send(ctx, call{
			method:  MethodPing,
			timeout: timeout,
			write:   c.writerFor(gen),
		})
		return err
	}
}

func (c *Client) heartbeatFailed(gen uint64) func(error) {
	return func(err error) {
		c.counters.errors.Add(1)
		c.abortTransport(gen, CloseHeartbeatFailed, "heartbeat failed")
	}
}

// subscribe is best-effort: failures are logged and otherwise ignored.
func (c *Client) subscribe(gen uint64) {
	_, err := c.pending.send(context.Background(), call{
		method:  MethodSubscribe,
		params:  SubscribeParams{Events: c.opts.SubscribeEvents},
		timeout: c.opts.RequestTimeout,
		write:   c.writerFor(gen),
	})
	if err != nil {
		c.logger.Warn("event subscription failed", "events", c.opts.SubscribeEvents, "error", err)
		return
	}
	c.logger.Debug("subscribed to events", "events", c.opts.SubscribeEvents)
}
