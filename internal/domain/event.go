package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Event names the client itself understands. Everything else is passed
// through to listeners untouched.
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"

	// EventClientFatal is synthesised locally when reconnection gives up.
	EventClientFatal = "client.fatal"
	// EventClientState is synthesised locally on every state transition.
	EventClientState = "client.state"
)

// Event is a server-pushed (or locally synthesised) notification.
type Event struct {
	Name         string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return NewDomainError("Event.Decode", ErrProtocol, "event "+e.Name+" has no payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewDomainError("Event.Decode", ErrProtocol, "event "+e.Name).WithCause(err)
	}
	return nil
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// Subscription identifies one registered listener. It is returned by On and
// OnAny and is the only way to remove that listener again.
type Subscription struct {
	Name string // event name, "" for wildcard listeners
	ID   uint64
}

// EventDispatcher is a name-keyed listener registry.
type EventDispatcher interface {
	// On registers a handler for a single event name.
	On(name string, handler EventHandler) Subscription
	// OnAny registers a handler that receives every event.
	OnAny(handler EventHandler) Subscription
	// Off removes a previously registered handler. Unknown subscriptions are ignored.
	Off(sub Subscription)
	// Dispatch delivers an event to the matching handlers.
	Dispatch(ctx context.Context, event Event)
	// Close drops every subscription; later dispatches are no-ops.
	Close()
}
