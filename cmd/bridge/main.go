package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"claw-bridge/internal/infra/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfgPath, args := splitArgs(os.Args[1:])

	if len(args) == 0 {
		args = []string{"run"}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "version", "--version":
		fmt.Println("claw-bridge", version)
		return
	case "run":
		err = runServe(ctx, cfgPath)
	case "call":
		err = runCall(ctx, cfgPath, args[1:], os.Stdout)
	case "watch":
		err = runWatch(ctx, cfgPath, args[1:], os.Stdout)
	case "ping":
		err = runPing(ctx, cfgPath, os.Stdout)
	case "encrypt":
		err = runEncrypt(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'claw-bridge --help' for usage information.\n", args[0])
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`claw-bridge - OpenClaw Gateway client

USAGE:
    claw-bridge [--config PATH] [COMMAND] [ARGS]

COMMANDS:
    run                  Stay connected, journal events and serve status (default)
    call METHOD [JSON]   Send one request and print the response payload
    watch [EVENT...]     Print events as JSON lines (all events when none given)
    ping                 Measure a ping round trip
    encrypt VALUE        Encrypt a secret for the config file (needs CLAWBRIDGE_CONFIG_KEY)
    version              Print the version

FLAGS:
    -h, --help           Show this help message
    --config PATH        Config file path (default: $CLAWBRIDGE_CONFIG or ./claw-bridge.yaml)

CONFIGURATION:
    Environment: CLAWBRIDGE_* variables override the config file.
    Token:       OPENCLAW_GATEWAY_TOKEN is used when gateway.token is empty.

EXAMPLES:
    claw-bridge call health
    claw-bridge call sessions.list '{"limit":10}'
    claw-bridge watch chat presence
    claw-bridge encrypt "$TOKEN"`)
}

// splitArgs pulls --config out of args and resolves the config path.
func splitArgs(args []string) (string, []string) {
	path := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		default:
			rest = append(rest, arg)
		}
	}
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		path = "claw-bridge.yaml"
	}
	return path, rest
}
