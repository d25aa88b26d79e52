package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"agentgw/internal/domain"
)

// scriptedAttempts returns errs in order, then a fresh Conn.
type scriptedAttempts struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedAttempts) attempt(context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return &Conn{}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return nil, err
}

func newTestSupervisor(cfg SupervisorConfig) (*Supervisor, *[]time.Duration) {
	s := NewSupervisor(cfg, nil)
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return s, &slept
}

func TestSupervisorRetriesTransient(t *testing.T) {
	s, slept := newTestSupervisor(SupervisorConfig{})
	s.backoff.Jitter = 0
	script := &scriptedAttempts{errs: []error{
		domain.ErrConnectTimeout,
		fmt.Errorf("dial: %w", domain.ErrConnectFailed),
		domain.NewDomainError("Conn.Handshake", domain.ErrHandshakeTimeout, ""),
	}}

	conn, err := s.Connect(context.Background(), script.attempt)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 4, script.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
	assert.Equal(t, SupervisorConnected, s.State())

	s.Disconnected()
	assert.Equal(t, SupervisorIdle, s.State())
}

func TestSupervisorRejectionNotRetried(t *testing.T) {
	s, slept := newTestSupervisor(SupervisorConfig{})
	script := &scriptedAttempts{errs: []error{
		domain.NewDomainError("Conn.Handshake", domain.ErrHandshakeRejected, "bad token"),
	}}

	_, err := s.Connect(context.Background(), script.attempt)
	require.ErrorIs(t, err, domain.ErrHandshakeRejected)
	assert.Equal(t, 1, script.calls)
	assert.Empty(t, *slept)
	assert.Equal(t, SupervisorIdle, s.State())
}

func TestSupervisorMaxAttempts(t *testing.T) {
	s, slept := newTestSupervisor(SupervisorConfig{MaxAttempts: 3})
	script := &scriptedAttempts{errs: []error{
		domain.ErrConnectFailed, domain.ErrConnectFailed, domain.ErrConnectFailed, domain.ErrConnectFailed,
	}}

	_, err := s.Connect(context.Background(), script.attempt)
	require.ErrorIs(t, err, domain.ErrConnectFailed)
	assert.Equal(t, 3, script.calls)
	assert.Len(t, *slept, 2)
}

func TestSupervisorContextCancelDuringBackoff(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{BaseDelay: time.Hour}, nil)
	script := &scriptedAttempts{errs: []error{domain.ErrConnectFailed}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := s.Connect(ctx, script.attempt)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, SupervisorIdle, s.State())
}

func TestSupervisorBreakerOpens(t *testing.T) {
	s, _ := newTestSupervisor(SupervisorConfig{MaxAttempts: 1, BreakerFailures: 2, BreakerCooldown: time.Hour})
	failing := func(context.Context) (*Conn, error) { return nil, domain.ErrConnectFailed }

	for range 2 {
		_, err := s.Connect(context.Background(), failing)
		require.ErrorIs(t, err, domain.ErrConnectFailed)
	}

	called := false
	_, err := s.Connect(context.Background(), func(context.Context) (*Conn, error) {
		called = true
		return &Conn{}, nil
	})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called, "open breaker must not attempt a connect")
	assert.Equal(t, domain.CodeCircuitOpen, domain.ErrorCodeOf(err))
}

func TestSupervisorBreakerWrapsLastFailure(t *testing.T) {
	s, _ := newTestSupervisor(SupervisorConfig{MaxAttempts: 1, BreakerFailures: 1, BreakerCooldown: time.Hour})
	_, err := s.Connect(context.Background(), func(context.Context) (*Conn, error) {
		return nil, domain.NewDomainError("Conn.Dial", domain.ErrConnectTimeout, "ws://gw")
	})
	require.ErrorIs(t, err, domain.ErrConnectTimeout)

	_, err = s.Connect(context.Background(), (&scriptedAttempts{}).attempt)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
	assert.Contains(t, err.Error(), "ws://gw")
	assert.Equal(t, domain.CodeCircuitOpen, domain.ErrorCodeOf(err))
	assert.False(t, domain.IsTransient(err))
}

func TestSupervisorRejectionsDoNotTripBreaker(t *testing.T) {
	s, _ := newTestSupervisor(SupervisorConfig{BreakerFailures: 2, BreakerCooldown: time.Hour})
	rejected := func(context.Context) (*Conn, error) {
		return nil, domain.NewDomainError("Conn.Handshake", domain.ErrHandshakeRejected, "bad token")
	}
	for range 5 {
		_, err := s.Connect(context.Background(), rejected)
		require.ErrorIs(t, err, domain.ErrHandshakeRejected)
	}

	// Credentials fixed: the next Connect must really attempt.
	script := &scriptedAttempts{}
	conn, err := s.Connect(context.Background(), script.attempt)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 1, script.calls)
}

func TestSupervisorCancelDoesNotTripBreaker(t *testing.T) {
	s, _ := newTestSupervisor(SupervisorConfig{BreakerFailures: 1, BreakerCooldown: time.Hour})
	canceled := func(context.Context) (*Conn, error) {
		return nil, domain.WrapOp("Conn.Dial", context.Canceled)
	}
	_, err := s.Connect(context.Background(), canceled)
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Connect(context.Background(), (&scriptedAttempts{}).attempt)
	assert.NoError(t, err)
}

func TestSupervisorAgainstLiveResponder(t *testing.T) {
	// The first connection is dropped before the challenge, the second succeeds.
	var mu sync.Mutex
	accepted := 0
	url := startResponder(t, func(ctx context.Context, ws *websocket.Conn) {
		mu.Lock()
		accepted++
		n := accepted
		mu.Unlock()
		if n == 1 {
			ws.CloseNow()
			return
		}
		if _, err := acceptHandshake(ctx, ws, "n"); err != nil {
			return
		}
		serveRequests(ctx, ws, func(Frame) any { return nil })
	})

	s, slept := newTestSupervisor(SupervisorConfig{})
	conn, err := s.Connect(context.Background(), func(ctx context.Context) (*Conn, error) {
		return Dial(ctx, DialConfig{URL: url, ConnectTimeout: 2 * time.Second, Credentials: &TokenResolver{Explicit: "t"}})
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, domain.StateConnected, conn.State())
	assert.Len(t, *slept, 1)
}

func TestSupervisorStateString(t *testing.T) {
	assert.Equal(t, "backoff", SupervisorBackoff.String())
	assert.Equal(t, "unknown", SupervisorState(42).String())
}
