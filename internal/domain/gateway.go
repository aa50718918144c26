package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// ConnectionState is the lifecycle state of a gateway client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so it reads well in logs and JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return NewDomainError("ConnectionState.UnmarshalText", ErrInvalidInput, "unknown state "+strconv.Quote(string(text)))
}

var stateTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:   {StateConnecting, StateReconnecting, StateError},
	StateConnecting:     {StateConnected, StateError, StateDisconnected},
	StateConnected:      {StateAuthenticating, StateError, StateDisconnected},
	StateAuthenticating: {StateAuthenticated, StateError, StateDisconnected},
	StateAuthenticated:  {StateDisconnected},
	StateReconnecting:   {StateConnecting, StateError, StateDisconnected},
	StateError:          {StateDisconnected, StateConnecting, StateReconnecting},
}

// CanTransition reports whether moving from one state to another is allowed.
// Staying in the same state is not a transition and reports false.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the state holds, or is building, a transport session.
func (s ConnectionState) IsActive() bool {
	switch s {
	case StateConnecting, StateConnected, StateAuthenticating, StateAuthenticated:
		return true
	}
	return false
}

// GatewayStats is a point-in-time snapshot of client counters.
type GatewayStats struct {
	State              ConnectionState `json:"state"`
	RequestsSent       int64           `json:"requestsSent"`
	ResponsesReceived  int64           `json:"responsesReceived"`
	EventsReceived     int64           `json:"eventsReceived"`
	Reconnections      int64           `json:"reconnections"`
	Errors             int64           `json:"errors"`
	Pending            int             `json:"pending"`
	LastConnectedAt    time.Time       `json:"lastConnectedAt,omitzero"`
	LastDisconnectedAt time.Time       `json:"lastDisconnectedAt,omitzero"`
	LastHeartbeatAt    time.Time       `json:"lastHeartbeatAt,omitzero"`
}

// GatewayCaller issues one request against the Gateway and waits for its response.
type GatewayCaller interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// StatsSource exposes client counters to reporting jobs.
type StatsSource interface {
	Stats() GatewayStats
}
