//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"agentgw/internal/adapter/gatewaysim"
	"agentgw/internal/domain"
	"agentgw/pkg/gwclient"
)

func TestE2E_LiveGateway(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoGateway(t, cfg)

	ctx := NewTestContext(t, cfg.TestTimeout)

	client := gwclient.New(gwclient.WithURL(cfg.GatewayURL), gwclient.WithToken(cfg.Token))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	status := client.Health(ctx)
	if !status.Healthy {
		t.Fatalf("gateway unhealthy: %s", status.Detail)
	}
	t.Logf("Health round trip: %s", status.Latency)

	if _, err := client.Call(ctx, "sessions.list", nil); err != nil {
		t.Fatalf("sessions.list failed: %v", err)
	}
}

func TestE2E_ReconnectAfterGatewayRestart(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	first := StartSim(t, SimConfig("127.0.0.1:0"))
	addr := first.Addr()
	release := make(chan struct{})
	first.RegisterHandler("slow", func(ctx context.Context, _ *gatewaysim.ClientInfo, _ map[string]any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	defer close(release)

	client := gwclient.New(
		gwclient.WithURL(first.URL()),
		gwclient.WithBackoff(20*time.Millisecond, 200*time.Millisecond, 0.5),
	)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sub, err := client.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	pending := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "slow", nil)
		pending <- err
	}()
	time.Sleep(50 * time.Millisecond)

	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	var de *domain.DisconnectError
	if err := <-pending; !errors.As(err, &de) {
		t.Fatalf("pending call: got %v, want DisconnectError", err)
	}
	if de.Method != "slow" {
		t.Errorf("DisconnectError.Method = %q, want slow", de.Method)
	}
	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("subscription did not end on disconnect")
	}
	if _, err := client.Call(ctx, "echo", nil); err == nil {
		t.Fatal("call on dropped connection succeeded")
	}

	second := StartSim(t, SimConfig(addr))
	if second.URL() != first.URL() {
		t.Fatalf("restarted sim on %s, want %s", second.URL(), first.URL())
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if _, err := client.Call(ctx, "echo", map[string]any{"again": true}); err != nil {
		t.Fatalf("call after reconnect failed: %v", err)
	}
}

func TestE2E_ConnectWaitsForGateway(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := gwclient.New(
		gwclient.WithURL("ws://"+addr+"/ws"),
		gwclient.WithConnectTimeout(time.Second),
		gwclient.WithBackoff(20*time.Millisecond, 100*time.Millisecond, 0.5),
		gwclient.WithCircuitBreaker(1000, time.Second),
	)
	defer client.Close()

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if got := client.State(); got != gwclient.StateConnecting {
		t.Errorf("State() while retrying = %s, want connecting", got)
	}

	StartSim(t, SimConfig(addr))
	if err := <-connected; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := client.State(); got != gwclient.StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
}

func TestE2E_SlowSubscriberDoesNotStallCalls(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	if cfg.SkipSlow {
		t.Skip("SKIP_SLOW_TESTS set")
	}
	ctx := NewTestContext(t, cfg.TestTimeout)

	srv := StartSim(t, SimConfig("127.0.0.1:0"))
	client := gwclient.New(gwclient.WithURL(srv.URL()))
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := srv.WaitForClients(ctx, 1); err != nil {
		t.Fatal(err)
	}

	sub, err := client.Subscribe("load")
	if err != nil {
		t.Fatal(err)
	}

	const n = 200
	for i := range n {
		srv.Publish(ctx, "load", map[string]any{"i": i})
	}
	for i := range 20 {
		if _, err := client.Call(ctx, "echo", map[string]any{"i": i}); err != nil {
			t.Fatalf("call %d while subscriber idle: %v", i, err)
		}
	}

	for i := range n {
		ev, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("stream ended after %d events", i)
		}
		if got := fmt.Sprint(ev.Payload["i"]); got != fmt.Sprint(i) {
			t.Fatalf("event %d out of order: payload i = %s", i, got)
		}
	}
}
