package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claw-bridge/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wire records frames written by the correlator.
type wire struct {
	mu     sync.Mutex
	frames []RequestFrame
	sent   chan RequestFrame
	err    error
}

func newWire() *wire {
	return &wire{sent: make(chan RequestFrame, 64)}
}

func (w *wire) write(data []byte) error {
	if w.err != nil {
		return w.err
	}
	var f RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()
	w.sent <- f
	return nil
}

func (w *wire) next(t *testing.T) RequestFrame {
	t.Helper()
	select {
	case f := <-w.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return RequestFrame{}
	}
}

type outcome struct {
	payload json.RawMessage
	err     error
}

func sendAsync(c *correlator, ctx context.Context, w *wire, method string, timeout time.Duration) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		p, err := c.send(ctx, call{method: method, timeout: timeout, write: w.write})
		out <- outcome{p, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("request never settled")
		return outcome{}
	}
}

func TestCorrelatorOutOfOrderResponses(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	a := sendAsync(c, context.Background(), w, "A", time.Minute)
	fa := w.next(t)
	b := sendAsync(c, context.Background(), w, "B", time.Minute)
	fb := w.next(t)

	require.NotEqual(t, fa.ID, fb.ID)
	assert.JSONEq(t, `{}`, string(fa.Params))

	// B answered before A.
	require.True(t, c.resolve(Frame{Type: FrameTypeResponse, ID: fb.ID, OK: true, Payload: json.RawMessage(`"b"`)}))
	require.True(t, c.resolve(Frame{Type: FrameTypeResponse, ID: fa.ID, OK: true, Payload: json.RawMessage(`"a"`)}))

	oa, ob := await(t, a), await(t, b)
	require.NoError(t, oa.err)
	require.NoError(t, ob.err)
	assert.JSONEq(t, `"a"`, string(oa.payload))
	assert.JSONEq(t, `"b"`, string(ob.payload))
	assert.Zero(t, c.len())
}

func TestCorrelatorManyConcurrent(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	const n = 50
	results := make([]<-chan outcome, n)
	for i := 0; i < n; i++ {
		results[i] = sendAsync(c, context.Background(), w, fmt.Sprintf("m%d", i), time.Minute)
	}
	frames := make([]RequestFrame, n)
	for i := 0; i < n; i++ {
		frames[i] = w.next(t)
	}
	// Answer in reverse arrival order, echoing the method name.
	for i := n - 1; i >= 0; i-- {
		payload, _ := json.Marshal(frames[i].Method)
		c.resolve(Frame{Type: FrameTypeResponse, ID: frames[i].ID, OK: true, Payload: payload})
	}

	got := make(map[string]bool)
	for i := 0; i < n; i++ {
		o := await(t, results[i])
		require.NoError(t, o.err)
		var method string
		require.NoError(t, json.Unmarshal(o.payload, &method))
		assert.Equal(t, fmt.Sprintf("m%d", i), method)
		got[method] = true
	}
	assert.Len(t, got, n)
}

func TestCorrelatorGatewayError(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	res := sendAsync(c, context.Background(), w, "x", time.Minute)
	f := w.next(t)
	c.resolve(Frame{Type: FrameTypeResponse, ID: f.ID, OK: false, Error: &domain.GatewayError{Code: "DENIED", Message: "no"}})

	o := await(t, res)
	var ge *domain.GatewayError
	require.True(t, errors.As(o.err, &ge))
	assert.Equal(t, "DENIED", ge.Code)
}

func TestCorrelatorGatewayErrorWithoutBody(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	res := sendAsync(c, context.Background(), w, "x", time.Minute)
	f := w.next(t)
	c.resolve(Frame{Type: FrameTypeResponse, ID: f.ID, OK: false})

	o := await(t, res)
	assert.True(t, errors.Is(o.err, domain.ErrGateway))
}

func TestCorrelatorTimeoutThenLateResponse(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	res := sendAsync(c, context.Background(), w, "slow", 50*time.Millisecond)
	f := w.next(t)

	o := await(t, res)
	require.Error(t, o.err)
	assert.True(t, errors.Is(o.err, domain.ErrTimeout))
	assert.False(t, c.has(f.ID), "timed out id must be removed")

	// The late response is a silent no-op.
	assert.False(t, c.resolve(Frame{Type: FrameTypeResponse, ID: f.ID, OK: true}))
}

func TestCorrelatorUnknownID(t *testing.T) {
	c := newCorrelator(newTestLogger())
	assert.False(t, c.resolve(Frame{Type: FrameTypeResponse, ID: "never-sent", OK: true}))
	assert.Zero(t, c.len())
}

func TestCorrelatorSendFailure(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()
	w.err = errors.New("socket closed")

	_, err := c.send(context.Background(), call{method: "x", timeout: time.Minute, write: w.write})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnection))
	assert.Zero(t, c.len())
}

func TestCorrelatorFailAll(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	a := sendAsync(c, context.Background(), w, "a", time.Minute)
	b := sendAsync(c, context.Background(), w, "b", time.Minute)
	w.next(t)
	w.next(t)

	lost := domain.NewDomainError("transport", domain.ErrConnection, "closed")
	assert.Equal(t, 2, c.failAll(lost))

	for _, ch := range []<-chan outcome{a, b} {
		o := await(t, ch)
		assert.True(t, errors.Is(o.err, domain.ErrConnection))
	}
	assert.Zero(t, c.len())
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	ctx, cancel := context.WithCancel(context.Background())
	res := sendAsync(c, ctx, w, "x", time.Minute)
	f := w.next(t)
	cancel()

	o := await(t, res)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.False(t, c.has(f.ID))
}

func TestCorrelatorSentCallback(t *testing.T) {
	c := newCorrelator(newTestLogger())
	w := newWire()

	var sentID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.send(context.Background(), call{
			method:  "x",
			timeout: time.Minute,
			write:   w.write,
			sent:    func(id string) { sentID = id },
		})
	}()
	f := w.next(t)
	c.resolve(Frame{Type: FrameTypeResponse, ID: f.ID, OK: true})
	<-done

	assert.Equal(t, f.ID, sentID)
}
