// Package gwclient is the public client for an agent gateway.
//
// A Client holds one persistent WebSocket connection. Connect performs the
// challenge/auth handshake, retrying transient failures with backoff; after
// that Call correlates requests with responses and Subscribe streams push
// events. Nothing reconnects in the background: when the link drops, pending
// calls fail with a *DisconnectError, subscriptions end, and the caller
// decides whether to Connect again.
//
// Example:
//
//	c := gwclient.New(gwclient.WithURL("ws://127.0.0.1:18789/ws"))
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	sessions, err := c.Call(ctx, "sessions.list", nil)
package gwclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"agentgw/internal/adapter/gateway"
	"agentgw/internal/domain"
	"agentgw/internal/infra/tracer"
)

// DefaultHealthMethod is the RPC issued by Health.
const DefaultHealthMethod = "health"

type (
	Event        = domain.Event
	HealthStatus = domain.HealthStatus
	ConnState    = domain.ConnState
	Subscription = gateway.Subscription
)

const (
	StateDisconnected     = domain.StateDisconnected
	StateConnecting       = domain.StateConnecting
	StateHandshakePending = domain.StateHandshakePending
	StateConnected        = domain.StateConnected
	StateClosed           = domain.StateClosed
)

// Client is a gateway client. All methods are safe for concurrent use.
type Client struct {
	id           string // instance ULID, prefixes every request id
	seq          atomic.Uint64
	dial         gateway.DialConfig
	resolver     *gateway.TokenResolver
	creds        gateway.Credentials
	super        gateway.SupervisorConfig
	supervisor   *gateway.Supervisor
	healthMethod string
	logger       *slog.Logger

	connectMu sync.Mutex // serializes Connect

	mu     sync.Mutex
	conn   *gateway.Conn
	closed bool

	lifetime context.Context // cancelled by Close
	cancel   context.CancelFunc
}

// New creates a Client. It does not connect.
func New(opts ...Option) *Client {
	c := &Client{
		id:           ulid.Make().String(),
		resolver:     gateway.NewTokenResolver(""),
		healthMethod: DefaultHealthMethod,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil {
		c.creds = c.resolver
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("client", c.id)
	c.dial.Credentials = c.creds
	c.dial.Logger = c.logger
	c.supervisor = gateway.NewSupervisor(c.super, c.logger)
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	return c
}

// ID returns the client instance id.
func (c *Client) ID() string { return c.id }

// Connect opens the connection and completes the handshake, retrying
// transient failures with backoff. It is a no-op when already connected.
// Close interrupts a Connect in progress.
func (c *Client) Connect(ctx context.Context) (err error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.isClosed() {
		return domain.WrapOp("Client.Connect", domain.ErrClosed)
	}
	if conn := c.current(); conn != nil && conn.State() == domain.StateConnected {
		return nil
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.connect", tracer.URL(c.dial.URL))
	defer func() { tracer.End(span, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	attempts := 0
	conn, err := c.supervisor.Connect(ctx, func(ctx context.Context) (*gateway.Conn, error) {
		attempts++
		span.SetAttributes(tracer.Attempt(attempts))
		return gateway.Dial(ctx, c.dial)
	})
	if err != nil {
		if c.lifetime.Err() != nil {
			return domain.WrapOp("Client.Connect", domain.ErrClosed)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.WrapOp("Client.Connect", domain.ErrClosed)
	}
	c.conn = conn
	c.mu.Unlock()

	go c.watch(conn)
	c.logger.Info("gateway connected", "url", c.dial.URL, "attempts", attempts)
	return nil
}

// watch returns the supervisor to idle once conn drops.
func (c *Client) watch(conn *gateway.Conn) {
	<-conn.Done()
	c.supervisor.Disconnected()
	if err := conn.Err(); err != nil && !c.isClosed() {
		c.logger.Warn("gateway connection lost", "error", err)
	}
}

// CallOption customizes a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	idempotencyKey string
}

// Call sends method with params and waits for the matching response. ctx
// bounds the wait; the transport applies no per-call timeout. Failures are
// never retried.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (result json.RawMessage, err error) {
	conn := c.current()
	if conn == nil {
		return nil, domain.WrapOp("Client.Call", domain.ErrNotConnected)
	}

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if co.idempotencyKey != "" {
		params = maps.Clone(params)
		if params == nil {
			params = make(map[string]any, 1)
		}
		params[IdempotencyKeyField] = co.idempotencyKey
	}

	id := c.nextID()
	ctx, span := tracer.StartSpan(ctx, "gateway.call", tracer.Method(method), tracer.RequestID(id))
	defer func() { tracer.End(span, err) }()

	return conn.Call(ctx, id, method, params)
}

// CallAs calls method and decodes the result into T. A result that does not
// decode is reported as ErrMalformedResponse.
func CallAs[T any](ctx context.Context, c *Client, method string, params map[string]any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s result: %w", domain.ErrMalformedResponse, method, err)
	}
	return out, nil
}

// Subscribe streams push events whose raw name is in names, or every event
// when names is empty. The stream ends when the connection drops.
func (c *Client) Subscribe(names ...string) (*Subscription, error) {
	conn := c.current()
	if conn == nil {
		return nil, domain.WrapOp("Client.Subscribe", domain.ErrNotConnected)
	}
	return conn.Subscribe(names...)
}

// Health probes the gateway with one round trip. It never returns an error:
// failures are reported as an unhealthy status with a detail.
func (c *Client) Health(ctx context.Context) HealthStatus {
	state := c.State()
	if state != domain.StateConnected {
		return HealthStatus{State: state, Detail: "not connected"}
	}

	start := time.Now()
	_, err := c.Call(ctx, c.healthMethod, nil)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{State: c.State(), Latency: latency, Detail: err.Error()}
	}
	return HealthStatus{Healthy: true, State: domain.StateConnected, Latency: latency}
}

// State reports the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	closed, conn := c.closed, c.conn
	c.mu.Unlock()

	switch {
	case closed:
		return domain.StateClosed
	case conn != nil && conn.State() == domain.StateConnected:
		return domain.StateConnected
	}
	switch c.supervisor.State() {
	case gateway.SupervisorConnecting, gateway.SupervisorBackoff:
		return domain.StateConnecting
	}
	if conn != nil {
		return conn.State()
	}
	return domain.StateDisconnected
}

// Done returns a channel closed when the current connection ends, or nil
// before the first successful Connect.
func (c *Client) Done() <-chan struct{} {
	if conn := c.current(); conn != nil {
		return conn.Done()
	}
	return nil
}

// Close shuts the client down. Pending calls fail with a *DisconnectError
// wrapping ErrClosed and subscriptions end. Close is idempotent and safe
// before Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) current() *gateway.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) nextID() string {
	return fmt.Sprintf("%s-%d", c.id, c.seq.Add(1))
}
