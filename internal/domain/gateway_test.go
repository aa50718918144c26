package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateAuthenticating, "authenticating"},
		{StateAuthenticated, "authenticated"},
		{StateReconnecting, "reconnecting"},
		{StateError, "error"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateError},
		{StateConnected, StateAuthenticating},
		{StateAuthenticating, StateAuthenticated},
		{StateAuthenticating, StateError},
		{StateAuthenticated, StateDisconnected},
		{StateDisconnected, StateReconnecting},
		{StateReconnecting, StateConnecting},
		{StateReconnecting, StateError},
		{StateError, StateReconnecting},
		{StateError, StateConnecting},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateAuthenticated},
		{StateConnecting, StateAuthenticated},
		{StateAuthenticated, StateConnecting},
		{StateAuthenticated, StateAuthenticated},
		{StateReconnecting, StateAuthenticated},
		{StateConnected, StateConnected},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be rejected", tr.from, tr.to)
	}
}

func TestConnectionStateIsActive(t *testing.T) {
	assert.True(t, StateAuthenticated.IsActive())
	assert.True(t, StateConnecting.IsActive())
	assert.False(t, StateReconnecting.IsActive())
	assert.False(t, StateError.IsActive())
}

func TestGatewayStatsJSON(t *testing.T) {
	stats := GatewayStats{State: StateAuthenticated, RequestsSent: 3}
	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"authenticated"`)
	assert.Contains(t, string(data), `"requestsSent":3`)
}

func TestGatewayStatsDecode(t *testing.T) {
	in := GatewayStats{State: StateReconnecting, Reconnections: 4}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out GatewayStats
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, StateReconnecting, out.State)
	assert.EqualValues(t, 4, out.Reconnections)

	var st ConnectionState
	err = st.UnmarshalText([]byte("sleeping"))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestEventDecode(t *testing.T) {
	evt := Event{Name: EventConnectChallenge, Payload: json.RawMessage(`{"nonce":"abc","ts":1}`)}
	var out struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, evt.Decode(&out))
	assert.Equal(t, "abc", out.Nonce)

	empty := Event{Name: "tick"}
	err := empty.Decode(&out)
	assert.True(t, errors.Is(err, ErrProtocol))

	bad := Event{Name: "tick", Payload: json.RawMessage(`[1,2`)}
	assert.True(t, errors.Is(bad.Decode(&out), ErrProtocol))
}
