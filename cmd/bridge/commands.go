package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"claw-bridge/internal/adapter/gateway"
	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/config"
)

// connectBridge loads config, wires a bridge and completes the handshake.
func connectBridge(ctx context.Context, cfgPath string) (*bridge, func(), error) {
	cfg, log, cleanup, err := loadConfig(ctx, cfgPath)
	if err != nil {
		return nil, nil, err
	}
	b, err := newBridge(cfg, log, true)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closeAll := func() {
		if err := b.Close(); err != nil {
			log.Warn("bridge close", "error", err)
		}
		cleanup()
	}
	if err := b.client.Connect(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return b, closeAll, nil
}

// runServe keeps the client connected until ctx ends or reconnection gives up.
func runServe(ctx context.Context, cfgPath string) error {
	cfg, log, cleanup, err := loadConfig(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := newBridge(cfg, log, true)
	if err != nil {
		return err
	}
	defer b.Close()

	fatalCh := make(chan error, 1)
	b.client.OnFatal(func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	b.client.OnStateChange(func(from, to domain.ConnectionState) {
		log.Info("gateway state", "from", from.String(), "to", to.String())
	})

	if err := b.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	var server gateway.ServerInfo
	protocol := 0
	if hello := b.client.Hello(); hello != nil {
		server, protocol = hello.Server, hello.Protocol
	}
	b.note(ctx, "bridge.start", map[string]any{"version": version, "server": server})

	if cfg.Scheduler.Enabled {
		sched, err := b.newScheduler()
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if cfg.Status.Enabled {
		status := b.newStatusServer()
		go func() {
			if err := status.Start(ctx); err != nil {
				log.Error("status server error", "error", err)
			}
		}()
		defer status.Stop(context.Background())
	}

	log.Info("claw-bridge running",
		"server", server.Host,
		"protocol", protocol,
		"guard", b.guard != nil,
		"journal", b.journal != nil,
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		b.note(context.Background(), "bridge.stop", nil)
		return nil
	case err := <-fatalCh:
		b.note(context.Background(), "bridge.fatal", map[string]string{"error": err.Error()})
		return err
	}
}

// parseParams turns the optional JSON argument of call into request params.
func parseParams(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > 1 {
		return nil, domain.NewDomainError("call", domain.ErrInvalidInput, "expected at most one JSON argument")
	}
	raw := strings.TrimSpace(args[0])
	if raw == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read params from stdin: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	if !json.Valid([]byte(raw)) {
		return nil, domain.NewDomainError("call", domain.ErrInvalidInput, "params are not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// runCall sends one request and prints the response payload.
func runCall(ctx context.Context, cfgPath string, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return domain.NewDomainError("call", domain.ErrInvalidInput, "usage: claw-bridge call METHOD [JSON]")
	}
	method := args[0]
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	b, closeAll, err := connectBridge(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer closeAll()

	b.note(ctx, "bridge.call", map[string]string{"method": method})
	if hello := b.client.Hello(); hello != nil && len(hello.Features.Methods) > 0 && !hello.SupportsMethod(method) {
		b.log.Warn("method not advertised by gateway", "method", method)
	}

	var p any
	if params != nil {
		p = params
	}
	res, err := b.caller.Request(ctx, method, p)
	if err != nil {
		return fmt.Errorf("%s [%s]: %w", method, domain.ErrorCodeOf(err), err)
	}
	return writeJSON(out, res)
}

func writeJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runWatch prints events as JSON lines until ctx ends.
func runWatch(ctx context.Context, cfgPath string, names []string, out io.Writer) error {
	b, closeAll, err := connectBridge(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer closeAll()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	printEvent := func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			b.log.Warn("watch: write event", "event", ev.Name, "error", err)
		}
	}

	if len(names) == 0 {
		b.client.OnAny(printEvent)
	} else {
		for _, name := range names {
			b.client.On(name, printEvent)
		}
	}

	fatal := make(chan error, 1)
	b.client.OnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// runPing measures a single ping round trip.
func runPing(ctx context.Context, cfgPath string, out io.Writer) error {
	b, closeAll, err := connectBridge(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer closeAll()

	start := time.Now()
	if _, err := b.caller.Request(ctx, gateway.MethodPing, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	rtt := time.Since(start)

	host := "gateway"
	if hello := b.client.Hello(); hello != nil && hello.Server.Host != "" {
		host = hello.Server.Host
	}
	_, err = fmt.Fprintf(out, "pong from %s in %s\n", host, rtt.Round(time.Microsecond))
	return err
}

// runEncrypt prints VALUE as an enc: secret under CLAWBRIDGE_CONFIG_KEY.
func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return domain.NewDomainError("encrypt", domain.ErrInvalidInput, "usage: claw-bridge encrypt VALUE")
	}
	key := os.Getenv(config.EnvConfigKey)
	if key == "" {
		return errors.New(config.EnvConfigKey + " is not set")
	}
	enc, err := config.EncryptSecret(args[0], key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, enc)
	return err
}
