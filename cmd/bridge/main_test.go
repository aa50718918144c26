package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claw-bridge/internal/adapter/gateway/gatewaytest"
	"claw-bridge/internal/adapter/journal"
	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/config"
	"claw-bridge/internal/infra/logger"
)

const testToken = "secret"

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupGateway starts a fake gateway and points the environment at it.
// The returned path names a config file that does not exist, so defaults
// plus environment are used.
func setupGateway(t *testing.T) (*gatewaytest.Server, string) {
	t.Helper()
	srv := gatewaytest.NewServer(testToken)
	t.Cleanup(srv.Close)

	t.Setenv("CLAWBRIDGE_GATEWAY_URL", srv.URL())
	t.Setenv("CLAWBRIDGE_GATEWAY_TOKEN", testToken)
	t.Setenv("CLAWBRIDGE_GATEWAY_CONNECT_TIMEOUT", "2s")
	t.Setenv("CLAWBRIDGE_GATEWAY_REQUEST_TIMEOUT", "2s")
	t.Setenv("CLAWBRIDGE_GATEWAY_RECONNECT_BASE_DELAY", "10ms")
	t.Setenv("CLAWBRIDGE_GATEWAY_RECONNECT_MAX_DELAY", "50ms")
	t.Setenv("CLAWBRIDGE_JOURNAL_ENABLED", "false")
	t.Setenv("CLAWBRIDGE_LOGGER_LEVEL", "error")
	t.Setenv(config.EnvConfigKey, "")

	return srv, filepath.Join(t.TempDir(), "missing.yaml")
}

func TestSplitArgs(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")

	path, rest := splitArgs([]string{"--config", "/etc/cb.yaml", "call", "health"})
	assert.Equal(t, "/etc/cb.yaml", path)
	assert.Equal(t, []string{"call", "health"}, rest)

	path, rest = splitArgs([]string{"watch", "--config=cb.yaml", "chat"})
	assert.Equal(t, "cb.yaml", path)
	assert.Equal(t, []string{"watch", "chat"}, rest)

	path, rest = splitArgs(nil)
	assert.Equal(t, "claw-bridge.yaml", path)
	assert.Empty(t, rest)

	t.Setenv(config.EnvConfigPath, "/from/env.yaml")
	path, _ = splitArgs([]string{"ping"})
	assert.Equal(t, "/from/env.yaml", path)
}

func TestClientOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = "tok"
	cfg.Gateway.HeartbeatInterval = 5 * time.Second
	cfg.Client.Caps = []string{"tool-events"}

	opts, err := clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789/", opts.URL)
	assert.Equal(t, "tok", opts.Token)
	assert.Equal(t, "claw-bridge", opts.Client.ID)
	assert.Equal(t, "backend", opts.Client.Mode)
	assert.Equal(t, "operator", opts.Role)
	assert.Equal(t, []string{"operator.read", "operator.write"}, opts.Scopes)
	assert.Equal(t, []string{"tool-events"}, opts.Caps)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, 10, opts.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, int64(4<<20), opts.ReadLimit)
	assert.Equal(t, 3, opts.MinProtocol)

	cfg.Gateway.URL = "https://gw.example.com/ws"
	opts, err = clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/ws", opts.URL)

	cfg.Gateway.URL = "ftp://gw.example.com"
	_, err = clientOptions(cfg)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parseParams([]string{` {"limit": 10} `})
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":10}`, string(p))

	_, err = parseParams([]string{"{not json"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = parseParams([]string{"{}", "{}"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunCall(t *testing.T) {
	srv, cfgPath := setupGateway(t)
	srv.Handle("sessions.list", func(_ context.Context, req gatewaytest.Request) (any, *domain.GatewayError) {
		var params map[string]int
		json.Unmarshal(req.Params, &params)
		return map[string]any{"limit": params["limit"], "sessions": []string{"a", "b"}}, nil
	})

	var out bytes.Buffer
	err := runCall(context.Background(), cfgPath, []string{"sessions.list", `{"limit":2}`}, &out)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.EqualValues(t, 2, got["limit"])
	assert.Len(t, got["sessions"], 2)
	assert.Len(t, srv.Requests("sessions.list"), 1)
}

func TestRunCallGatewayError(t *testing.T) {
	_, cfgPath := setupGateway(t)

	var out bytes.Buffer
	err := runCall(context.Background(), cfgPath, []string{"nope.method"}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateway)
	assert.Contains(t, err.Error(), "GATEWAY_ERROR")
	assert.Contains(t, err.Error(), "METHOD_NOT_FOUND")
	assert.Empty(t, out.String())
}

func TestRunCallUsage(t *testing.T) {
	err := runCall(context.Background(), "unused.yaml", nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunCallBadToken(t *testing.T) {
	_, cfgPath := setupGateway(t)
	t.Setenv("CLAWBRIDGE_GATEWAY_TOKEN", "wrong")

	err := runCall(context.Background(), cfgPath, []string{"health"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestRunCallThroughGuard(t *testing.T) {
	srv, cfgPath := setupGateway(t)
	t.Setenv("CLAWBRIDGE_GUARD_ENABLED", "true")
	srv.Handle("health", func(context.Context, gatewaytest.Request) (any, *domain.GatewayError) {
		return map[string]bool{"ok": true}, nil
	})

	var out bytes.Buffer
	require.NoError(t, runCall(context.Background(), cfgPath, []string{"health"}, &out))
	assert.Contains(t, out.String(), `"ok": true`)
}

func TestRunCallJournalsNote(t *testing.T) {
	srv, cfgPath := setupGateway(t)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv("CLAWBRIDGE_JOURNAL_ENABLED", "true")
	t.Setenv("CLAWBRIDGE_JOURNAL_PATH", dbPath)
	srv.Handle("health", func(context.Context, gatewaytest.Request) (any, *domain.GatewayError) {
		return map[string]bool{"ok": true}, nil
	})

	require.NoError(t, runCall(context.Background(), cfgPath, []string{"health"}, &bytes.Buffer{}))

	store, err := journal.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Recent(context.Background(), 50)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Kind == journal.KindNote && e.Name == "bridge.call" {
			found = true
			assert.JSONEq(t, `{"method":"health"}`, string(e.Payload))
		}
	}
	assert.True(t, found, "bridge.call note not journaled")
}

func TestRunPing(t *testing.T) {
	_, cfgPath := setupGateway(t)

	var out bytes.Buffer
	require.NoError(t, runPing(context.Background(), cfgPath, &out))
	assert.True(t, strings.HasPrefix(out.String(), "pong from gatewaytest in "), out.String())
}

func TestRunWatch(t *testing.T) {
	srv, cfgPath := setupGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runWatch(ctx, cfgPath, []string{"chat"}, out) }()

	require.Eventually(t, func() bool {
		if srv.Open() == 1 {
			srv.Push("presence", map[string]string{"who": "ignored"})
			srv.Push("chat", map[string]string{"text": "hello"})
		}
		return strings.Contains(out.String(), "hello")
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var ev domain.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, "chat", ev.Name)
		assert.NotNil(t, ev.Seq)
	}
}

func TestRunServeStopsOnCancel(t *testing.T) {
	srv, cfgPath := setupGateway(t)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv("CLAWBRIDGE_JOURNAL_ENABLED", "true")
	t.Setenv("CLAWBRIDGE_JOURNAL_PATH", dbPath)
	t.Setenv("CLAWBRIDGE_SCHEDULER_ENABLED", "true")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfgPath) }()

	require.Eventually(t, func() bool { return srv.Open() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Push("chat", map[string]string{"text": "journaled"}))
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}

	store, err := journal.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.Recent(context.Background(), 100)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["bridge.start"], "missing bridge.start")
	assert.True(t, names["bridge.stop"], "missing bridge.stop")
	assert.True(t, names["chat"], "missing journaled chat event")
}

func TestRunServeFatalOnReconnectExhausted(t *testing.T) {
	srv, cfgPath := setupGateway(t)
	t.Setenv("CLAWBRIDGE_GATEWAY_MAX_RECONNECT_ATTEMPTS", "2")

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), cfgPath) }()

	require.Eventually(t, func() bool { return srv.Open() == 1 }, 3*time.Second, 10*time.Millisecond)
	srv.Refuse(true)
	srv.DropConnections(4001, "going away")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not give up")
	}
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv(config.EnvConfigKey, "passphrase")

	var out bytes.Buffer
	require.NoError(t, runEncrypt([]string{"s3cret"}, &out))

	enc := strings.TrimSpace(out.String())
	assert.True(t, config.IsEncrypted(enc))
	plain, err := config.DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestRunEncryptNeedsKey(t *testing.T) {
	t.Setenv(config.EnvConfigKey, "")
	err := runEncrypt([]string{"s3cret"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvConfigKey)

	assert.ErrorIs(t, runEncrypt(nil, &bytes.Buffer{}), domain.ErrInvalidInput)
}

func TestNewSchedulerSkipsPruneWithoutJournal(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = testToken
	cfg.Scheduler.Enabled = true

	b, err := newBridge(cfg, logger.Discard(), true)
	require.NoError(t, err)
	defer b.Close()
	require.Nil(t, b.journal)

	sched, err := b.newScheduler()
	require.NoError(t, err)
	_, ok := sched.NextRun("stats")
	assert.True(t, ok)
	_, ok = sched.NextRun("prune")
	assert.False(t, ok)
}

func TestNewSchedulerWithJournal(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = testToken
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	b, err := newBridge(cfg, logger.Discard(), true)
	require.NoError(t, err)
	defer b.Close()

	sched, err := b.newScheduler()
	require.NoError(t, err)
	_, ok := sched.NextRun("prune")
	assert.True(t, ok)

	cfg.Scheduler.Tasks = append(cfg.Scheduler.Tasks, config.ScheduledTaskConfig{Name: "bad", Schedule: "whenever", Action: "stats_report"})
	_, err = b.newScheduler()
	assert.Error(t, err)
}

func TestNewStatusServerDeps(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = testToken
	cfg.Guard.Enabled = true

	b, err := newBridge(cfg, logger.Discard(), false)
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.guard)
	assert.Same(t, b.guard, b.caller)
	assert.NotNil(t, b.newStatusServer().Handler())
}
