package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Client.Request", ErrTimeout, "method \"ping\"")
	want := "Client.Request: method \"ping\": operation timed out"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Client.Connect", ErrAuthentication, "")
	want := "Client.Connect: authentication failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatWithCause(t *testing.T) {
	err := NewDomainError("transport.SendText", ErrConnection, "").WithCause(fmt.Errorf("broken pipe"))
	want := "transport.SendText: connection error: broken pipe"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	cause := &GatewayError{Code: "UNAUTHORIZED", Message: "bad token"}
	err := NewDomainError("Client.Connect", ErrAuthentication, "").WithCause(cause)

	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.True(t, errors.Is(err, ErrGateway), "cause chain should be reachable")

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "UNAUTHORIZED", ge.Code)
}

func TestDomainErrorAs(t *testing.T) {
	err := WrapOp("outer", NewSubSystemError("gateway", "Client.Request", ErrConnection, "socket closed"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.SubSystem != "gateway" {
		t.Errorf("SubSystem = %q, want %q", de.SubSystem, "gateway")
	}
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
}

func TestGatewayError(t *testing.T) {
	err := &GatewayError{Code: "NOT_FOUND", Message: "no such method"}
	assert.Equal(t, "gateway: NOT_FOUND: no such method", err.Error())
	assert.True(t, errors.Is(err, ErrGateway))
	assert.False(t, errors.Is(err, ErrConnection))

	bare := &GatewayError{Message: "failed"}
	assert.Equal(t, "gateway: failed", bare.Error())
}

func TestReconnectExhaustedError(t *testing.T) {
	last := NewDomainError("Client.Connect", ErrConnection, "dial refused")
	err := &ReconnectExhaustedError{Attempts: 3, LastError: last}

	assert.True(t, errors.Is(err, ErrReconnectExhausted))
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, CodeReconnectExhausted, ErrorCodeOf(err))
}

func TestNotConnectedIsConnection(t *testing.T) {
	assert.True(t, errors.Is(ErrNotConnected, ErrConnection))
	assert.Equal(t, CodeNotConnected, ErrorCodeOf(ErrNotConnected))
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeConnection, ErrorCodeOf(ErrConnection))
	assert.Equal(t, CodeTimeout, ErrorCodeOf(ErrTimeout))
	assert.Equal(t, CodeAuthentication, ErrorCodeOf(ErrAuthentication))
	assert.Equal(t, CodeProtocol, ErrorCodeOf(ErrProtocol))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Client.Request", ErrTimeout, "method \"x\"")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("heartbeat", "heartbeat.ping", ErrTimeout, "")
	assert.Equal(t, CodeHeartbeatTimeout, ErrorCodeOf(err))
	assert.Equal(t, CodeHeartbeatTimeout, err.Code())

	other := NewSubSystemError("journal", "Store.Record", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, other.Code())
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrRateLimit)
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))
}

func TestErrorCodeOf_GatewayError(t *testing.T) {
	err := fmt.Errorf("call: %w", &GatewayError{Code: "BUSY", Message: "try later"})
	assert.Equal(t, CodeGateway, ErrorCodeOf(err))
}

func TestErrorCodeOf_AuthBeatsConnection(t *testing.T) {
	err := NewDomainError("Client.Connect", ErrAuthentication, "").
		WithCause(NewDomainError("transport", ErrConnection, "closed"))
	assert.Equal(t, CodeAuthentication, ErrorCodeOf(err))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("something else")))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", NewDomainError("x", ErrConnection, ""), true},
		{"timeout", NewDomainError("x", ErrTimeout, ""), true},
		{"rate limit", ErrRateLimit, true},
		{"gateway", &GatewayError{Code: "X"}, false},
		{"auth", ErrAuthentication, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
