package gateway

import "time"

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// ReconnectionState tracks one run of reconnection attempts. It exists only
// between an unexpected close and the next successful authentication.
type ReconnectionState struct {
	Attempt       int
	LastAttemptAt time.Time
	NextDelay     time.Duration
	MaxRetries    int
}

func newReconnectionState(p ReconnectPolicy) ReconnectionState {
	return ReconnectionState{NextDelay: p.BaseDelay, MaxRetries: p.MaxRetries}
}

type reconnectAction struct {
	giveUp bool
	delay  time.Duration
}

// nextReconnect advances the backoff state machine. With base d the
// scheduled delays are d, 2d, 4d ... capped at MaxDelay; once MaxRetries
// attempts have been scheduled the action is giveUp.
func nextReconnect(p ReconnectPolicy, s ReconnectionState, now time.Time) (ReconnectionState, reconnectAction) {
	if s.Attempt >= s.MaxRetries {
		return s, reconnectAction{giveUp: true}
	}

	delay := s.NextDelay
	if delay <= 0 {
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	next := s
	next.Attempt++
	next.LastAttemptAt = now.Add(delay)
	next.NextDelay = delay * 2
	if p.MaxDelay > 0 && next.NextDelay > p.MaxDelay {
		next.NextDelay = p.MaxDelay
	}
	return next, reconnectAction{delay: delay}
}
