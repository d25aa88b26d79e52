package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"agentgw/internal/adapter/cli/uxerror"
	"agentgw/internal/domain"
	"agentgw/internal/infra/config"
	"agentgw/internal/infra/logger"
	"agentgw/internal/infra/tracer"
	"agentgw/pkg/gwclient"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	}

	args, err := parseArgs(os.Args[2:])
	if err != nil {
		fail(cmd, err)
	}

	switch cmd {
	case "call":
		err = withEnv(args, runCall)
	case "subscribe":
		err = withEnv(args, runSubscribe)
	case "health":
		err = withEnv(args, runHealth)
	case "sim":
		err = withEnv(args, runSim)
	case "encrypt":
		err = runEncrypt(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'gatewayctl --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fail(cmd, err)
	}
}

func showUsage() {
	fmt.Println(`gatewayctl - agent gateway client

USAGE:
    gatewayctl COMMAND [ARGS] [FLAGS]

COMMANDS:
    call METHOD [JSON]   Send one request and print the result
                         Flags: --idempotency-key KEY, --timeout DURATION
    subscribe [EVENT...] Stream push events (all events when none given)
                         Flags: --max-events N
    health               Probe the gateway and print its status
    sim                  Run a local simulated gateway
                         Flags: --addr HOST:PORT
    encrypt VALUE        Encrypt a secret for the config file
                         Requires AGENTGW_CONFIG_KEY

FLAGS:
    -h, --help           Show this help message
    --config PATH        Config file path (default: ./agentgw.yaml)

CONFIGURATION:
    Config file: ./agentgw.yaml or $AGENTGW_CONFIG
    Environment: AGENTGW_* variables override config
    Token:       $AGENTGW_GATEWAY_TOKEN or ~/.agentgw/gateway.token

EXAMPLES:
    gatewayctl sim &
    gatewayctl health
    gatewayctl call sessions.list
    gatewayctl call events.publish '{"event":"task.done","payload":{"taskId":"t-1"}}'
    gatewayctl subscribe chat tool.start tool.end`)
}

// fail prints a humanized error and exits.
func fail(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, uxerror.Humanize(err).Render())
	if errors.Is(err, domain.ErrInvalidInput) {
		os.Exit(2)
	}
	os.Exit(1)
}

// cliArgs holds positional arguments and --name value flags.
type cliArgs struct {
	pos   []string
	flags map[string]string
}

func (a cliArgs) flag(name, def string) string {
	if v, ok := a.flags[name]; ok {
		return v
	}
	return def
}

// parseArgs splits args into positionals and flags. Every flag takes a
// value, given as "--name value" or "--name=value"; "--" ends flag parsing.
func parseArgs(args []string) (cliArgs, error) {
	out := cliArgs{flags: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out.pos = append(out.pos, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") || arg == "-" {
			out.pos = append(out.pos, arg)
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok {
			if i+1 >= len(args) {
				return cliArgs{}, fmt.Errorf("%w: flag --%s needs a value", domain.ErrInvalidInput, name)
			}
			i++
			value = args[i]
		}
		out.flags[name] = value
	}
	return out, nil
}

func configPath(args cliArgs) string {
	if p := args.flag("config", ""); p != "" {
		return p
	}
	if p := os.Getenv("AGENTGW_CONFIG"); p != "" {
		return p
	}
	return "agentgw.yaml"
}

// env is the process-wide state shared by the network commands.
type env struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
}

func withEnv(args cliArgs, fn func(context.Context, *env, cliArgs) error) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	return fn(ctx, &env{cfg: cfg, log: log, out: os.Stdout}, args)
}

// clientOptions maps the gateway and reconnect config onto client options.
func clientOptions(cfg *config.Config, log *slog.Logger) []gwclient.Option {
	gw, rc := cfg.Gateway, cfg.Reconnect
	opts := []gwclient.Option{
		gwclient.WithURL(gw.URL),
		gwclient.WithConnectTimeout(gw.ConnectTimeout),
		gwclient.WithWriteTimeout(gw.WriteTimeout),
		gwclient.WithMaxFrameBytes(gw.MaxFrameBytes),
		gwclient.WithPingInterval(gw.PingInterval),
		gwclient.WithHealthMethod(gw.HealthMethod),
		gwclient.WithBackoff(rc.BaseDelay, rc.MaxDelay, rc.Jitter),
		gwclient.WithMaxAttempts(rc.MaxAttempts),
		gwclient.WithCircuitBreaker(rc.BreakerFailures, rc.BreakerCooldown),
		gwclient.WithLogger(logger.Component(log, "gwclient")),
	}
	if gw.Token != "" {
		opts = append(opts, gwclient.WithToken(gw.Token))
	}
	if gw.TokenEnv != "" {
		opts = append(opts, gwclient.WithTokenEnv(gw.TokenEnv))
	}
	if gw.TokenFile != "" {
		opts = append(opts, gwclient.WithTokenFile(gw.TokenFile))
	}
	for _, k := range slices.Sorted(maps.Keys(gw.Headers)) {
		opts = append(opts, gwclient.WithHeader(k, gw.Headers[k]))
	}
	return opts
}
