package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"claw-bridge/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// RequestFrame is sent by the client to invoke a Gateway method.
type RequestFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    FrameType            `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Error   *domain.GatewayError `json:"error,omitempty"`
}

// EventFrame is pushed by the Gateway without a prior request.
type EventFrame struct {
	Type         FrameType       `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

// Frame is the union of every inbound frame shape. Only the fields that
// belong to Type are meaningful.
type Frame struct {
	Type         FrameType            `json:"type"`
	ID           string               `json:"id,omitempty"`
	Method       string               `json:"method,omitempty"`
	Params       json.RawMessage      `json:"params,omitempty"`
	OK           bool                 `json:"ok,omitempty"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Error        *domain.GatewayError `json:"error,omitempty"`
	Event        string               `json:"event,omitempty"`
	Seq          *int64               `json:"seq,omitempty"`
	StateVersion json.RawMessage      `json:"stateVersion,omitempty"`
}

var emptyParams = json.RawMessage(`{}`)

// DecodeFrame parses one text frame and checks the fields its type requires.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, "invalid json").WithCause(err)
	}
	switch f.Type {
	case FrameTypeResponse:
		if f.ID == "" {
			return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, "response without id")
		}
	case FrameTypeEvent:
		if f.Event == "" {
			return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, "event without name")
		}
	case FrameTypeRequest:
		if f.ID == "" || f.Method == "" {
			return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, "request without id or method")
		}
	case "":
		return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, "missing frame type")
	default:
		return Frame{}, domain.NewSubSystemError("gateway", "DecodeFrame", domain.ErrProtocol, fmt.Sprintf("unknown frame type %q", f.Type))
	}
	return f, nil
}

// EncodeRequest serialises a request frame. Nil params are sent as {}.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, domain.NewSubSystemError("gateway", "EncodeRequest", domain.ErrInvalidInput, "params for "+method).WithCause(err)
	}
	return json.Marshal(RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return emptyParams, nil
	case json.RawMessage:
		if len(bytes.TrimSpace(p)) == 0 {
			return emptyParams, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw params are not valid json")
		}
		return p, nil
	case []byte:
		return marshalParams(json.RawMessage(p))
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(raw, []byte("null")) {
			return emptyParams, nil
		}
		return raw, nil
	}
}

// toEvent converts an event frame into the domain event handed to listeners.
func (f Frame) toEvent() domain.Event {
	return domain.Event{
		Name:         f.Event,
		Payload:      f.Payload,
		Seq:          f.Seq,
		StateVersion: f.StateVersion,
	}
}
