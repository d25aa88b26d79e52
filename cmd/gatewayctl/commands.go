package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"agentgw/internal/adapter/cli/theme"
	"agentgw/internal/adapter/gatewaysim"
	"agentgw/internal/domain"
	"agentgw/internal/infra/config"
	"agentgw/pkg/gwclient"
)

const defaultCallTimeout = 30 * time.Second

func runCall(ctx context.Context, e *env, args cliArgs) error {
	if len(args.pos) < 1 {
		return fmt.Errorf("%w: usage: gatewayctl call METHOD [JSON]", domain.ErrInvalidInput)
	}
	method := args.pos[0]

	var params map[string]any
	if len(args.pos) > 1 {
		var err error
		if params, err = parseParams(args.pos[1]); err != nil {
			return err
		}
	}
	timeout, err := durationFlag(args, "timeout", defaultCallTimeout)
	if err != nil {
		return err
	}

	client := gwclient.New(clientOptions(e.cfg, e.log)...)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	var opts []gwclient.CallOption
	if key := args.flag("idempotency-key", ""); key != "" {
		opts = append(opts, gwclient.WithIdempotencyKey(key))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := client.Call(callCtx, method, params, opts...)
	if err != nil {
		return err
	}
	return writeJSON(e.out, result)
}

// runSubscribe streams events until interrupted. When the connection drops
// it connects again and resubscribes; events sent meanwhile are lost.
func runSubscribe(ctx context.Context, e *env, args cliArgs) error {
	limit, err := intFlag(args, "max-events", 0)
	if err != nil {
		return err
	}

	client := gwclient.New(clientOptions(e.cfg, e.log)...)
	defer client.Close()

	seen := 0
	for {
		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sub, err := client.Subscribe(args.pos...)
		if err != nil {
			return err
		}

		for ev := range sub.All(ctx) {
			printEvent(e.out, ev)
			seen++
			if limit > 0 && seen >= limit {
				sub.Close()
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintln(os.Stderr, theme.Warning("connection lost, reconnecting"))
	}
}

func runHealth(ctx context.Context, e *env, args cliArgs) error {
	timeout, err := durationFlag(args, "timeout", defaultCallTimeout)
	if err != nil {
		return err
	}

	client := gwclient.New(clientOptions(e.cfg, e.log)...)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status := client.Health(callCtx)

	fmt.Fprintln(e.out, theme.KeyValue("gateway", e.cfg.Gateway.URL))
	fmt.Fprintln(e.out, theme.KeyValue("state", theme.State(status.State)))
	fmt.Fprintln(e.out, theme.KeyValue("latency", status.Latency.Round(time.Microsecond)))
	if !status.Healthy {
		fmt.Fprintln(e.out, theme.Failure(status.Detail))
		return errors.New("gateway unhealthy: " + status.Detail)
	}
	fmt.Fprintln(e.out, theme.Success("healthy"))
	return nil
}

func runSim(ctx context.Context, e *env, args cliArgs) error {
	cfg := e.cfg.Sim
	cfg.Addr = args.flag("addr", cfg.Addr)

	srv := gatewaysim.NewServer(nil, nil, cfg, e.log)
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Fprintln(e.out, theme.Success("simulated gateway listening on "+theme.Bold.Render(srv.URL())))
	return srv.Serve(ctx)
}

func runEncrypt(args cliArgs, out io.Writer) error {
	if len(args.pos) != 1 {
		return fmt.Errorf("%w: usage: gatewayctl encrypt VALUE", domain.ErrInvalidInput)
	}
	passphrase := os.Getenv(config.ConfigKeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%w: %s is not set", domain.ErrInvalidInput, config.ConfigKeyEnv)
	}
	v, err := config.EncryptedToken(args.pos[0], passphrase)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	fmt.Fprintln(out, v)
	return nil
}

func parseParams(s string) (map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("%w: params must be a JSON object: %w", domain.ErrInvalidInput, err)
	}
	return params, nil
}

func durationFlag(args cliArgs, name string, def time.Duration) (time.Duration, error) {
	v, ok := args.flags[name]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: --%s must be a positive duration", domain.ErrInvalidInput, name)
	}
	return d, nil
}

func intFlag(args cliArgs, name string, def int) (int, error) {
	v, ok := args.flags[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: --%s must be a non-negative integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}

func writeJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printEvent(w io.Writer, ev gwclient.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(fmt.Sprint(ev.Payload))
	}
	fmt.Fprintf(w, "%s %s %s\n",
		theme.Timestamp.Render(ev.ReceivedAt.Format(time.TimeOnly)),
		theme.EventName.Render(ev.Name),
		payload)
}
