// Package gateway is a client for the Gateway websocket protocol. It owns a
// single long-lived connection and layers on top of it the challenge/connect
// handshake, request/response correlation, event fan-out, heartbeat-based
// liveness checks and exponential-backoff reconnection.
//
// Example:
//
//	opts := gateway.DefaultOptions()
//	opts.URL = "ws://127.0.0.1:18789/"
//	opts.Token = os.Getenv("OPENCLAW_GATEWAY_TOKEN")
//	c := gateway.New(opts, gateway.WithLogger(logger))
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil { ... }
//	payload, err := c.Request(ctx, "status", nil)
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/tracer"
	"claw-bridge/internal/usecase/eventbus"
)

const (
	defaultEventQueue  = 256
	maxMalformedFrames = 5
)

// queuedEvent carries the transport generation the event arrived on so the
// handshake interceptor can ignore challenges from a replaced socket.
type queuedEvent struct {
	gen   uint64
	event domain.Event
}

type generationKey struct{}

func generationFrom(ctx context.Context) (uint64, bool) {
	gen, ok := ctx.Value(generationKey{}).(uint64)
	return gen, ok && gen != 0
}

// Client is a Gateway protocol client. It is safe for concurrent use.
type Client struct {
	opts      Options
	logger    *slog.Logger
	bus       *eventbus.Bus
	pending   *correlator
	counters  counters
	queueSize int

	events    chan queuedEvent
	quit      chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	state          domain.ConnectionState
	tr             *transport
	gen            uint64
	connectSent    bool
	authWait       chan error
	hello          *HelloOK
	hb             *heartbeat
	reconnect      *ReconnectionState
	reconnectTimer *time.Timer
	closing        bool
	closed         bool
	runCtx         context.Context
	runCancel      context.CancelFunc

	hookMu     sync.RWMutex
	stateHooks []func(from, to domain.ConnectionState)
	fatalHooks []func(error)

	malformed atomic.Int32
}

var _ domain.GatewayCaller = (*Client)(nil)

// New creates a client. No connection is made until Connect is called.
func New(opts Options, fns ...Option) *Client {
	c := &Client{
		opts:      opts.withDefaults(),
		logger:    slog.Default(),
		queueSize: defaultEventQueue,
		quit:      make(chan struct{}),
		state:     domain.StateDisconnected,
	}
	for _, fn := range fns {
		fn(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "gateway")
	if c.bus == nil {
		c.bus = eventbus.New(c.logger)
	}
	c.pending = newCorrelator(c.logger)
	c.events = make(chan queuedEvent, c.queueSize)
	c.bus.Intercept(domain.EventConnectChallenge, c.handleChallenge)

	go c.dispatchLoop()
	return c
}

// Connect dials the Gateway and completes the handshake. It returns once
// the client is authenticated, or with an error when the handshake fails
// or does not finish within the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Token == "" {
		return domain.NewSubSystemError("handshake", "Client.Connect", domain.ErrAuthentication, "no gateway token configured")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.NewSubSystemError("gateway", "Client.Connect", domain.ErrConnection, "client closed")
	}
	switch c.state {
	case domain.StateAuthenticated:
		c.mu.Unlock()
		return nil
	case domain.StateConnecting, domain.StateConnected, domain.StateAuthenticating, domain.StateReconnecting:
		state := c.state
		c.mu.Unlock()
		return domain.NewSubSystemError("gateway", "Client.Connect", domain.ErrInvalidInput, "connect already in progress ("+state.String()+")")
	}
	c.closing = false
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	return c.establish(ctx)
}

// establish runs one dial + handshake cycle.
func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	wait := make(chan error, 1)
	c.mu.Lock()
	from, ok := c.transitionLocked(domain.StateConnecting)
	c.authWait = wait
	c.mu.Unlock()
	c.notifyState(from, domain.StateConnecting, ok)

	tr, err := dialTransport(ctx, c.opts.URL, transportOptions{
		header:    c.opts.header(),
		readLimit: c.opts.ReadLimit,
	}, c.logger)
	if err != nil {
		return c.abandon(0, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		tr.start(transportHooks{message: func([]byte) {}})
		tr.Close(CloseNormal, "client disconnect")
		return c.abandon(0, domain.NewSubSystemError("gateway", "Client.Connect", domain.ErrConnection, "disconnected while connecting"))
	}
	c.gen++
	gen := c.gen
	c.tr = tr
	c.connectSent = false
	c.hello = nil
	c.malformed.Store(0)
	from, ok = c.transitionLocked(domain.StateConnected)
	c.mu.Unlock()
	c.notifyState(from, domain.StateConnected, ok)

	tctx := tr.ctx
	tr.start(transportHooks{
		message: func(data []byte) { c.handleFrame(gen, tctx, data) },
		closed:  func(code int, reason string) { c.handleClose(gen, code, reason) },
	})

	select {
	case err := <-wait:
		if err != nil {
			return c.abandon(gen, err)
		}
		return nil
	case <-ctx.Done():
		select {
		case err := <-wait:
			if err == nil {
				return nil
			}
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return c.abandon(gen, domain.NewSubSystemError("handshake", "Client.Connect", domain.ErrTimeout,
				fmt.Sprintf("not authenticated within %s", c.opts.ConnectTimeout)))
		}
		return c.abandon(gen, domain.NewSubSystemError("gateway", "Client.Connect", domain.ErrConnection, "connect cancelled").WithCause(ctx.Err()))
	}
}

// abandon tears down a connection attempt that did not reach authenticated.
// It returns nil if the session authenticated after all.
func (c *Client) abandon(gen uint64, cause error) error {
	c.mu.Lock()
	if gen != 0 && gen == c.gen && c.state == domain.StateAuthenticated {
		c.authWait = nil
		c.mu.Unlock()
		return nil
	}
	var tr *transport
	if gen != 0 && gen == c.gen {
		tr = c.tr
		c.tr = nil
		c.gen++
	}
	c.authWait = nil
	target := domain.StateError
	if c.closing {
		target = domain.StateDisconnected
	}
	var from domain.ConnectionState
	var ok bool
	switch c.state {
	case domain.StateConnecting, domain.StateConnected, domain.StateAuthenticating:
		from, ok = c.transitionLocked(target)
	}
	c.mu.Unlock()

	c.counters.errors.Add(1)
	c.pending.failAll(domain.NewSubSystemError("gateway", "Client.Connect", domain.ErrConnection, "connection attempt abandoned").WithCause(cause))
	if tr != nil {
		tr.Close(CloseNormal, "handshake failed")
	}
	c.notifyState(from, target, ok)
	c.logger.Warn("gateway connect failed", "url", c.opts.URL, "error", cause)
	return cause
}

// handleFrame runs on the transport's read goroutine.
func (c *Client) handleFrame(gen uint64, tctx context.Context, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		c.counters.errors.Add(1)
		n := c.malformed.Add(1)
		c.logger.Warn("dropping malformed frame", "error", err, "consecutive", n)
		if n >= maxMalformedFrames {
			c.abortTransport(gen, CloseProtocolError, "too many malformed frames")
		}
		return
	}
	c.malformed.Store(0)

	switch f.Type {
	case FrameTypeResponse:
		c.counters.responses.Add(1)
		c.pending.resolve(f)
	case FrameTypeEvent:
		c.counters.events.Add(1)
		evt := f.toEvent()
		evt.ReceivedAt = time.Now()
		select {
		case c.events <- queuedEvent{gen: gen, event: evt}:
		case <-tctx.Done():
		case <-c.quit:
		}
	case FrameTypeRequest:
		c.logger.Debug("ignoring request frame from gateway", "method", f.Method)
	}
}

// handleClose runs once per transport, on its read goroutine.
func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	c.gen++
	hb := c.hb
	c.hb = nil
	wait := c.authWait
	c.authWait = nil
	closing := c.closing
	var from domain.ConnectionState
	var ok bool
	if wait == nil {
		from, ok = c.transitionLocked(domain.StateDisconnected)
	}
	c.mu.Unlock()

	cerr := domain.NewSubSystemError("gateway", "transport", domain.ErrConnection,
		fmt.Sprintf("connection closed (code %d %s)", code, reason))
	if n := c.pending.failAll(cerr); n > 0 {
		c.logger.Debug("rejected pending requests", "count", n)
	}
	if hb != nil {
		hb.stop()
	}
	c.counters.lastDisconnected.Store(time.Now().UnixNano())

	if wait != nil {
		select {
		case wait <- cerr:
		default:
		}
		return
	}

	c.notifyState(from, domain.StateDisconnected, ok)
	c.logger.Info("gateway connection closed", "code", code, "reason", reason)
	if closing || code == CloseNormal || !c.opts.AutoReconnect {
		return
	}
	c.scheduleReconnect(cerr)
}

// abortTransport forcibly closes the current transport if it is still gen.
func (c *Client) abortTransport(gen uint64, code int, reason string) {
	c.mu.Lock()
	tr := c.tr
	current := gen == c.gen
	c.mu.Unlock()
	if tr == nil || !current {
		return
	}
	c.logger.Warn("closing gateway connection", "code", code, "reason", reason)
	tr.Abort(code, reason)
}

func (c *Client) scheduleReconnect(lastErr error) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return
	}
	policy := c.opts.reconnectPolicy()
	if c.reconnect == nil {
		s := newReconnectionState(policy)
		c.reconnect = &s
	}
	next, action := nextReconnect(policy, *c.reconnect, time.Now())
	if action.giveUp {
		attempts := c.reconnect.Attempt
		c.reconnect = nil
		from, ok := c.transitionLocked(domain.StateError)
		c.mu.Unlock()
		c.notifyState(from, domain.StateError, ok)
		c.fatal(&domain.ReconnectExhaustedError{Attempts: attempts, LastError: lastErr})
		return
	}
	*c.reconnect = next
	from, ok := c.transitionLocked(domain.StateReconnecting)
	c.reconnectTimer = time.AfterFunc(action.delay, c.reconnectAttempt)
	c.mu.Unlock()

	c.notifyState(from, domain.StateReconnecting, ok)
	c.logger.Info("reconnect scheduled", "attempt", next.Attempt, "max", policy.MaxRetries, "delay", action.delay)
}

func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	if c.closing || c.closed || c.reconnect == nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	ctx := c.runCtx
	attempt := c.reconnect.Attempt
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.scheduleReconnect(err)
		return
	}
	c.logger.Info("reconnected", "attempt", attempt)
}

// Request sends method with params and waits for the matching response.
// params may be nil, a json.RawMessage or any JSON-marshalable value.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.Call(ctx, method, params)
}

// Call is Request with per-call options.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	if method == "" {
		return nil, domain.NewSubSystemError("gateway", "Client.Request", domain.ErrInvalidInput, "empty method")
	}
	ro := requestOptions{timeout: c.opts.RequestTimeout}
	for _, o := range opts {
		o(&ro)
	}

	c.mu.Lock()
	state := c.state
	gen := c.gen
	c.mu.Unlock()
	if state != domain.StateAuthenticated {
		return nil, domain.NewSubSystemError("gateway", "Client.Request", domain.ErrNotConnected,
			fmt.Sprintf("method %q in state %s", method, state))
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracer.StringAttr("rpc.method", method)),
	)
	defer span.End()

	c.counters.requests.Add(1)
	payload, err := c.pending.send(ctx, call{
		method:  method,
		params:  params,
		timeout: ro.timeout,
		write:   c.writerFor(gen),
		sent:    func(id string) { span.SetAttributes(tracer.StringAttr("rpc.id", id)) },
	})
	if err != nil {
		c.counters.errors.Add(1)
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return payload, nil
}

// writerFor returns a frame writer bound to transport generation gen.
func (c *Client) writerFor(gen uint64) func([]byte) error {
	return func(data []byte) error {
		c.mu.Lock()
		tr := c.tr
		current := gen == c.gen
		c.mu.Unlock()
		if tr == nil || !current {
			return domain.NewSubSystemError("gateway", "Client.send", domain.ErrNotConnected, "transport gone")
		}
		return tr.SendText(data)
	}
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnection. Pending requests are rejected. The client may Connect again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnect = nil
	tr := c.tr
	cancel := c.runCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close(CloseNormal, "client disconnect")
	}

	c.mu.Lock()
	from, ok := c.transitionLocked(domain.StateDisconnected)
	c.mu.Unlock()
	c.notifyState(from, domain.StateDisconnected, ok)
	return nil
}

// Close disconnects and releases the client for good. Listeners are dropped
// and no event is delivered once Close returns, except to a listener that is
// already running. Close may be called from a listener.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.bus.Close()
		close(c.quit)
	})
	return err
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.quit:
			return
		case q := <-c.events:
			ctx := context.WithValue(context.Background(), generationKey{}, q.gen)
			c.bus.Dispatch(ctx, q.event)
		}
	}
}

// emitLocal queues a client-synthesised event without ever blocking.
func (c *Client) emitLocal(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal local event", "event", name, "error", err)
		return
	}
	select {
	case c.events <- queuedEvent{event: domain.Event{Name: name, Payload: raw, ReceivedAt: time.Now()}}:
	default:
		c.logger.Warn("event queue full, dropping local event", "event", name)
	}
}

// transitionLocked moves to state to if the edge is allowed. c.mu must be held.
func (c *Client) transitionLocked(to domain.ConnectionState) (domain.ConnectionState, bool) {
	from := c.state
	if from == to {
		return from, false
	}
	if !domain.CanTransition(from, to) {
		c.logger.Warn("illegal state transition rejected", "from", from.String(), "to", to.String())
		return from, false
	}
	c.state = to
	return from, true
}

func (c *Client) notifyState(from, to domain.ConnectionState, changed bool) {
	if !changed {
		return
	}
	c.logger.Debug("state changed", "from", from.String(), "to", to.String())

	c.hookMu.RLock()
	hooks := slices.Clone(c.stateHooks)
	c.hookMu.RUnlock()
	for _, h := range hooks {
		c.safeCall(func() { h(from, to) })
	}
	c.emitLocal(domain.EventClientState, map[string]string{"from": from.String(), "to": to.String()})
}

func (c *Client) fatal(err error) {
	c.counters.errors.Add(1)
	c.logger.Error("gateway client gave up", "error", err)

	c.hookMu.RLock()
	hooks := slices.Clone(c.fatalHooks)
	c.hookMu.RUnlock()
	for _, h := range hooks {
		c.safeCall(func() { h(err) })
	}
	c.emitLocal(domain.EventClientFatal, map[string]string{
		"code":    string(domain.ErrorCodeOf(err)),
		"message": err.Error(),
	})
}

func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("client hook panicked", "panic", r)
		}
	}()
	fn()
}

// On registers a listener for events named name.
func (c *Client) On(name string, handler domain.EventHandler) domain.Subscription {
	return c.bus.On(name, handler)
}

// OnAny registers a listener for every event, including client.state and client.fatal.
func (c *Client) OnAny(handler domain.EventHandler) domain.Subscription {
	return c.bus.OnAny(handler)
}

// Off removes a listener registered with On or OnAny.
func (c *Client) Off(sub domain.Subscription) {
	c.bus.Off(sub)
}

// OnStateChange registers a callback run after every state transition.
func (c *Client) OnStateChange(fn func(from, to domain.ConnectionState)) {
	c.hookMu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.hookMu.Unlock()
}

// OnFatal registers a callback run when reconnection is exhausted.
func (c *Client) OnFatal(fn func(error)) {
	c.hookMu.Lock()
	c.fatalHooks = append(c.fatalHooks, fn)
	c.hookMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether requests can be sent.
func (c *Client) IsConnected() bool {
	return c.State() == domain.StateAuthenticated
}

// Hello returns the hello payload of the current session, or nil.
func (c *Client) Hello() *HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}
