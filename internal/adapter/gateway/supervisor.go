package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentgw/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerFailures uint32        = 5
	defaultBreakerCooldown time.Duration = 30 * time.Second
)

// SupervisorState is the state of the connect-phase supervisor.
type SupervisorState int32

const (
	SupervisorIdle SupervisorState = iota
	SupervisorConnecting
	SupervisorBackoff
	SupervisorConnected
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorIdle:
		return "idle"
	case SupervisorConnecting:
		return "connecting"
	case SupervisorBackoff:
		return "backoff"
	case SupervisorConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures retry and circuit breaking for connects.
type SupervisorConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
	// MaxAttempts bounds attempts per Connect; 0 retries until ctx is done.
	MaxAttempts int
	// BreakerFailures is the number of consecutive failed Connect runs
	// before the breaker opens.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

// AttemptFunc performs one connect attempt.
type AttemptFunc func(ctx context.Context) (*Conn, error)

// Supervisor retries transient connect failures with backoff. It governs
// only the connect phase: once a Conn is returned nothing reconnects it.
type Supervisor struct {
	cfg     SupervisorConfig
	backoff *Backoff
	breaker *gobreaker.CircuitBreaker[*Conn]
	state   atomic.Int32
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	lastErr error // last failed run, wrapped into ErrCircuitOpen
}

// NewSupervisor builds a supervisor. Zero-valued fields use the defaults.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = DefaultJitter
	}

	s := &Supervisor{
		cfg:     cfg,
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		logger:  logger,
		sleep:   sleepCtx,
	}
	maxFailures := cfg.BreakerFailures
	s.breaker = gobreaker.NewCircuitBreaker[*Conn](gobreaker.Settings{
		Name:        "gateway-connect",
		MaxRequests: 1, // one probe while half-open
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only transient failures count. A rejected handshake must not lock
		// out a retry with rotated credentials.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrClosed) || errors.Is(err, domain.ErrHandshakeRejected)
		},
	})
	return s
}

// State returns the supervisor state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Connect runs attempt until it succeeds, fails with a non-transient error,
// exhausts MaxAttempts, or ctx ends.
func (s *Supervisor) Connect(ctx context.Context, attempt AttemptFunc) (*Conn, error) {
	conn, err := s.breaker.Execute(func() (*Conn, error) {
		return s.run(ctx, attempt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.mu.Lock()
		last := s.lastErr
		s.mu.Unlock()
		if last == nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCircuitOpen, err)
		}
		return nil, fmt.Errorf("%w: %w (last error: %w)", domain.ErrCircuitOpen, err, last)
	}
	s.mu.Lock()
	if err != nil && domain.IsTransient(err) {
		s.lastErr = err
	} else if err == nil {
		s.lastErr = nil
	}
	s.mu.Unlock()
	return conn, err
}

func (s *Supervisor) run(ctx context.Context, attempt AttemptFunc) (*Conn, error) {
	s.backoff.Reset()
	defer func() {
		if s.State() != SupervisorConnected {
			s.setState(SupervisorIdle)
		}
	}()

	for n := 1; ; n++ {
		s.setState(SupervisorConnecting)
		conn, err := attempt(ctx)
		if err == nil {
			s.setState(SupervisorConnected)
			if n > 1 {
				s.logger.Info("gateway connect succeeded after retries", "attempt", n)
			}
			return conn, nil
		}
		if !domain.IsTransient(err) {
			return nil, err
		}
		if s.cfg.MaxAttempts > 0 && n >= s.cfg.MaxAttempts {
			return nil, fmt.Errorf("gateway connect gave up after %d attempts: %w", n, err)
		}

		delay := s.backoff.Next()
		s.logger.Warn("gateway connect failed, backing off",
			"attempt", n,
			"delay", delay,
			"error", err,
		)
		s.setState(SupervisorBackoff)
		if serr := s.sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("gateway connect interrupted after %d attempts (last error: %v): %w", n, err, serr)
		}
	}
}

// Disconnected records that the connection obtained from Connect dropped.
func (s *Supervisor) Disconnected() {
	s.state.CompareAndSwap(int32(SupervisorConnected), int32(SupervisorIdle))
}

func (s *Supervisor) setState(st SupervisorState) {
	s.state.Store(int32(st))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
