package gateway

import (
	"sync/atomic"
	"time"

	"claw-bridge/internal/domain"
)

type counters struct {
	requests         atomic.Int64
	responses        atomic.Int64
	events           atomic.Int64
	reconnections    atomic.Int64
	errors           atomic.Int64
	lastConnected    atomic.Int64
	lastDisconnected atomic.Int64
}

var _ domain.StatsSource = (*Client)(nil)

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() domain.GatewayStats {
	c.mu.Lock()
	state := c.state
	hb := c.hb
	c.mu.Unlock()

	s := domain.GatewayStats{
		State:              state,
		RequestsSent:       c.counters.requests.Load(),
		ResponsesReceived:  c.counters.responses.Load(),
		EventsReceived:     c.counters.events.Load(),
		Reconnections:      c.counters.reconnections.Load(),
		Errors:             c.counters.errors.Load(),
		Pending:            c.pending.len(),
		LastConnectedAt:    unixNanoTime(c.counters.lastConnected.Load()),
		LastDisconnectedAt: unixNanoTime(c.counters.lastDisconnected.Load()),
	}
	if hb != nil {
		s.LastHeartbeatAt = hb.LastSeen()
	}
	return s
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
