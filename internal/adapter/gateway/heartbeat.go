package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultHeartbeatInterval = 30 * time.Second

// heartbeat pings the Gateway on a fixed interval while a session is
// authenticated. The first failed ping ends the monitor and reports the
// failure; the owner decides how to tear the session down.
type heartbeat struct {
	interval time.Duration
	ping     func(ctx context.Context) error
	onFail   func(err error)
	logger   *slog.Logger

	lastSeen atomic.Int64

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newHeartbeat(interval time.Duration, ping func(context.Context) error, onFail func(error), logger *slog.Logger) *heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &heartbeat{
		interval: interval,
		ping:     ping,
		onFail:   onFail,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the monitor. It must be called exactly once.
func (h *heartbeat) start() {
	h.lastSeen.Store(time.Now().UnixNano())
	go h.loop()
}

func (h *heartbeat) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-h.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := h.ping(ctx)
		cancel()

		select {
		case <-h.stopCh:
			return
		default:
		}
		if err != nil {
			h.logger.Warn("heartbeat failed", "error", err)
			h.onFail(err)
			return
		}
		h.lastSeen.Store(time.Now().UnixNano())
	}
}

// stop ends the monitor and waits for its goroutine. Safe to call more than once.
func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// LastSeen returns the time of the last successful ping.
func (h *heartbeat) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}
