package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"claw-bridge/internal/domain"
)

type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is owned by the correlator from registration until it is
// settled. done is buffered so settling never blocks.
type pendingRequest struct {
	id        string
	method    string
	createdAt time.Time
	timer     *time.Timer
	done      chan result
}

// correlator matches response frames to outstanding requests. Every entry
// is settled exactly once: by its response, its timer, a send failure,
// caller cancellation or loss of the transport.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	ids     *idGenerator
	logger  *slog.Logger
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		pending: make(map[string]*pendingRequest),
		ids:     newIDGenerator(),
		logger:  logger,
	}
}

// call is one outbound request as seen by the correlator.
type call struct {
	method  string
	params  any
	timeout time.Duration
	// write puts the encoded frame on the wire.
	write func([]byte) error
	// sent, if set, is told the id once the frame was written.
	sent func(id string)
}

// send registers a pending entry, writes the request and waits for it to settle.
func (c *correlator) send(ctx context.Context, cl call) (json.RawMessage, error) {
	id := c.ids.next()
	data, err := EncodeRequest(id, cl.method, cl.params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:        id,
		method:    cl.method,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		panic(fmt.Sprintf("gateway: duplicate pending request id %q", id))
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(cl.timeout, func() {
		c.settle(id, result{err: domain.NewSubSystemError("gateway", "Client.Request", domain.ErrTimeout,
			fmt.Sprintf("method %q after %s", cl.method, cl.timeout))})
	})
	c.mu.Unlock()

	if err := cl.write(data); err != nil {
		c.settle(id, result{err: domain.NewSubSystemError("gateway", "Client.Request", domain.ErrConnection,
			fmt.Sprintf("send %q", cl.method)).WithCause(err)})
	} else if cl.sent != nil {
		cl.sent(id)
	}

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
		// Settled concurrently; the result is already buffered.
		r := <-p.done
		return r.payload, r.err
	}
}

// take removes and returns the entry for id, stopping its timer.
func (c *correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

// settle delivers r to the entry for id. It reports false when the entry
// no longer exists, which makes late deliveries silent no-ops.
func (c *correlator) settle(id string, r result) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- r
	return true
}

// resolve settles the entry a response frame refers to.
func (c *correlator) resolve(f Frame) bool {
	var r result
	if f.OK {
		r.payload = f.Payload
	} else {
		gerr := f.Error
		if gerr == nil {
			gerr = &domain.GatewayError{Code: string(domain.CodeUnknown), Message: "request failed"}
		}
		r.err = gerr
	}
	if !c.settle(f.ID, r) {
		c.logger.Debug("response for unknown request ignored", "id", f.ID)
		return false
	}
	return true
}

// failAll rejects every pending entry with err and empties the table.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.done <- result{err: err}
	}
	return len(all)
}

// len returns the number of outstanding requests.
func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// has reports whether id is still outstanding.
func (c *correlator) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}
