package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgw/internal/adapter/gatewaysim"
	"agentgw/internal/domain"
	"agentgw/internal/infra/config"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"echo", `{"a":1}`, "--timeout", "5s", "--config=x.yaml", "--", "--literal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", `{"a":1}`, "--literal"}, args.pos)
	assert.Equal(t, "5s", args.flag("timeout", ""))
	assert.Equal(t, "x.yaml", args.flag("config", ""))
	assert.Equal(t, "dflt", args.flag("missing", "dflt"))
}

func TestParseArgsMissingValue(t *testing.T) {
	_, err := parseArgs([]string{"echo", "--timeout"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("AGENTGW_CONFIG", "")
	assert.Equal(t, "agentgw.yaml", configPath(cliArgs{}))

	t.Setenv("AGENTGW_CONFIG", "/etc/agentgw.yaml")
	assert.Equal(t, "/etc/agentgw.yaml", configPath(cliArgs{}))

	args, err := parseArgs([]string{"--config", "local.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "local.yaml", configPath(args))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(`{"event":"x","payload":{"n":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "x", params["event"])

	_, err = parseParams(`[1,2]`)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFlags(t *testing.T) {
	args := cliArgs{flags: map[string]string{"timeout": "2s", "max-events": "3", "bad": "x"}}

	d, err := durationFlag(args, "timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = durationFlag(args, "absent", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = durationFlag(args, "bad", time.Second)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	n, err := intFlag(args, "max-events", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = intFlag(args, "bad", 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv(config.ConfigKeyEnv, "passphrase")

	var out bytes.Buffer
	require.NoError(t, runEncrypt(cliArgs{pos: []string{"s3cret"}}, &out))

	enc := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(enc, "enc:"))
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestRunEncryptNeedsKey(t *testing.T) {
	t.Setenv(config.ConfigKeyEnv, "")
	err := runEncrypt(cliArgs{pos: []string{"s3cret"}}, &bytes.Buffer{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	t.Setenv(config.ConfigKeyEnv, "k")
	err = runEncrypt(cliArgs{}, &bytes.Buffer{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClientOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = "tok"
	cfg.Gateway.Headers = map[string]string{"X-B": "2", "X-A": "1"}
	opts := clientOptions(cfg, slog.Default())
	// ten base options, three token sources, two headers
	assert.Len(t, opts, 15)
}

// startSim runs a simulated gateway and returns an env pointed at it.
func startSim(t *testing.T, tick time.Duration) (*env, *bytes.Buffer) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Sim.Addr = "127.0.0.1:0"
	cfg.Sim.TickInterval = tick

	srv := gatewaysim.NewServer(nil, nil, cfg.Sim, slog.Default())
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	cfg.Gateway.URL = srv.URL()
	out := &bytes.Buffer{}
	return &env{cfg: cfg, log: slog.Default(), out: out}, out
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCall(t *testing.T) {
	e, out := startSim(t, 0)

	err := runCall(testCtx(t), e, cliArgs{
		pos:   []string{"echo", `{"n":1}`},
		flags: map[string]string{"idempotency-key": "k-1"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, float64(1), got["n"])
	assert.Equal(t, "k-1", got["idempotencyKey"])
}

func TestRunCallGatewayError(t *testing.T) {
	e, _ := startSim(t, 0)

	err := runCall(testCtx(t), e, cliArgs{pos: []string{"no.such.method"}})
	var ge *domain.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, domain.RPCCodeMethodNotFound, ge.Code)
}

func TestRunCallUsage(t *testing.T) {
	e, _ := startSim(t, 0)
	err := runCall(testCtx(t), e, cliArgs{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunHealth(t *testing.T) {
	e, out := startSim(t, 0)

	require.NoError(t, runHealth(testCtx(t), e, cliArgs{}))
	assert.Contains(t, out.String(), "connected")
	assert.Contains(t, out.String(), "healthy")
}

func TestRunSubscribe(t *testing.T) {
	e, out := startSim(t, 10*time.Millisecond)

	err := runSubscribe(testCtx(t), e, cliArgs{
		pos:   []string{domain.EventTick},
		flags: map[string]string{"max-events": "2"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, domain.EventTick)
		assert.Contains(t, line, `"ts"`)
	}
}
