package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"claw-bridge/internal/domain"
)

const (
	defaultReadLimit    = 4 << 20
	defaultWriteTimeout = 10 * time.Second
	closeAbnormal       = int(websocket.StatusAbnormalClosure)
)

type transportOptions struct {
	header       http.Header
	readLimit    int64
	writeTimeout time.Duration
}

// transportHooks receive the socket's lifecycle. closed fires exactly once.
type transportHooks struct {
	message func(data []byte)
	closed  func(code int, reason string)
}

// transport is one websocket session. It never reconnects on its own.
type transport struct {
	conn   *websocket.Conn
	opts   transportOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	closeOnce sync.Once
	readDone  chan struct{}

	mu          sync.Mutex
	closing     bool
	closeCode   int
	closeReason string
}

// dialTransport opens a websocket to url. The read loop does not start until start is called.
func dialTransport(ctx context.Context, url string, opts transportOptions, logger *slog.Logger) (*transport, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.header})
	if err != nil {
		detail := "dial " + url
		if resp != nil {
			detail += ": " + resp.Status
		}
		if ctx.Err() != nil {
			return nil, domain.NewSubSystemError("gateway", "transport.Dial", domain.ErrTimeout, detail).WithCause(err)
		}
		return nil, domain.NewSubSystemError("gateway", "transport.Dial", domain.ErrConnection, detail).WithCause(err)
	}

	if opts.readLimit <= 0 {
		opts.readLimit = defaultReadLimit
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	conn.SetReadLimit(opts.readLimit)

	tctx, cancel := context.WithCancel(context.Background())
	return &transport{
		conn:     conn,
		opts:     opts,
		logger:   logger,
		ctx:      tctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}, nil
}

// start launches the read loop. hooks.closed fires once the loop ends.
func (t *transport) start(hooks transportHooks) {
	go t.readLoop(hooks)
}

func (t *transport) readLoop(hooks transportHooks) {
	defer close(t.readDone)

	var readErr error
	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			readErr = err
			break
		}
		if typ != websocket.MessageText {
			t.logger.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}
		hooks.message(data)
	}

	t.cancel()
	code, reason := t.closeStatus(readErr)
	t.logger.Debug("transport closed", "code", code, "reason", reason, "error", readErr)
	if hooks.closed != nil {
		hooks.closed(code, reason)
	}
}

// closeStatus works out which close code ended the session: ours if we
// initiated the close, the peer's if it sent one, abnormal otherwise.
func (t *transport) closeStatus(err error) (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return t.closeCode, t.closeReason
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	if err != nil {
		return closeAbnormal, err.Error()
	}
	return closeAbnormal, ""
}

// SendText writes one text frame. Concurrent callers are serialised.
func (t *transport) SendText(data []byte) error {
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		return domain.NewSubSystemError("gateway", "transport.SendText", domain.ErrNotConnected, "socket closing")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.writeTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.NewSubSystemError("gateway", "transport.SendText", domain.ErrConnection, "write").WithCause(err)
	}
	return nil
}

// Close closes the session with code and waits for the read loop to finish.
// Only the first call has any effect.
func (t *transport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.closeCode = code
		t.closeReason = reason
		t.mu.Unlock()

		if err := t.conn.Close(websocket.StatusCode(code), reason); err != nil {
			t.logger.Debug("websocket close", "error", err)
		}
		t.cancel()
	})
	<-t.readDone
}

// Abort tears the session down with code without waiting for the close
// handshake or the read loop. Safe to call from the read loop itself.
func (t *transport) Abort(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.closeCode = code
		t.closeReason = reason
		t.mu.Unlock()

		go func() {
			if err := t.conn.Close(websocket.StatusCode(code), reason); err != nil {
				t.logger.Debug("websocket close", "error", err)
			}
			t.cancel()
		}()
	})
}
