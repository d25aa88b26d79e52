package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgw/internal/domain"
)

// Connection defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxFrameBytes  = 4 << 20
)

// DialConfig configures one connection attempt.
type DialConfig struct {
	URL            string
	ConnectTimeout time.Duration // bounds socket open and handshake together
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
	PingInterval   time.Duration // 0 disables keepalive pings
	Header         http.Header
	Credentials    Credentials
	Logger         *slog.Logger
}

func (cfg DialConfig) withDefaults() DialConfig {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NewTokenResolver("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

type challengeResult struct {
	nonce string
	err   error
}

// Conn is one authenticated WebSocket link to the gateway. It owns the socket
// and exactly one reader goroutine, which is the only consumer of inbound
// frames. A Conn is never reused: after it drops, dial a new one.
type Conn struct {
	cfg      DialConfig
	logger   *slog.Logger
	ws       *websocket.Conn
	state    atomic.Int32
	registry *Registry
	router   *Router

	challenge     chan challengeResult
	handshakeDone atomic.Bool

	cancel    context.CancelFunc
	done      chan struct{}
	cause     error // set by the reader before done is closed
	closeOnce sync.Once
}

// Dial opens the socket and completes the challenge handshake. The whole
// attempt is bounded by cfg.ConnectTimeout.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, domain.NewDomainError("Conn.Dial", domain.ErrInvalidInput, "empty gateway url")
	}

	c := &Conn{
		cfg:       cfg,
		logger:    cfg.Logger.With("url", cfg.URL),
		registry:  NewRegistry(),
		router:    NewRouter(cfg.Logger),
		challenge: make(chan challengeResult, 1),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(domain.StateConnecting))

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(attemptCtx, cfg.URL, &websocket.DialOptions{HTTPHeader: cfg.Header})
	if err != nil {
		return nil, c.dialError(ctx, attemptCtx, resp, err)
	}
	ws.SetReadLimit(cfg.MaxFrameBytes)
	c.ws = ws
	c.state.Store(int32(domain.StateHandshakePending))

	readCtx, readCancel := context.WithCancel(context.Background())
	c.cancel = readCancel
	go c.readLoop(readCtx)

	if err := c.handshake(ctx, attemptCtx); err != nil {
		c.abort()
		return nil, err
	}
	if !c.state.CompareAndSwap(int32(domain.StateHandshakePending), int32(domain.StateConnected)) {
		c.abort()
		return nil, domain.NewDomainError("Conn.Dial", domain.ErrConnectFailed, "socket closed right after handshake")
	}

	if cfg.PingInterval > 0 {
		go c.keepalive(readCtx)
	}
	c.logger.Info("gateway connected")
	return c, nil
}

func (c *Conn) dialError(parent, attemptCtx context.Context, resp *http.Response, err error) error {
	c.state.Store(int32(domain.StateDisconnected))
	switch {
	case parent.Err() != nil:
		return domain.WrapOp("Conn.Dial", parent.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return domain.NewDomainError("Conn.Dial", domain.ErrConnectTimeout, c.cfg.URL)
	case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		return domain.NewDomainError("Conn.Dial", domain.ErrHandshakeRejected, resp.Status)
	default:
		return fmt.Errorf("Conn.Dial: %w: %w", domain.ErrConnectFailed, err)
	}
}

// State returns the current connection state.
func (c *Conn) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

// Done is closed once the reader has exited and cleanup has run.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the reader exited. It is nil until Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// Send writes one frame. The caller's ctx is not passed to the socket: a
// cancelled write would close the shared connection, so writes are bounded
// by WriteTimeout instead.
func (c *Conn) Send(ctx context.Context, frame any) error {
	if c.State() != domain.StateConnected {
		return domain.ErrNotConnected
	}
	return c.write(ctx, frame)
}

func (c *Conn) write(ctx context.Context, frame any) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.ws, frame); err != nil {
		return fmt.Errorf("Conn.Send: %w: %w", domain.ErrSendFailure, err)
	}
	return nil
}

// Call registers id, writes the request and waits for its resolution or for
// ctx to end. The transport applies no timeout of its own.
func (c *Conn) Call(ctx context.Context, id, method string, params map[string]any) (json.RawMessage, error) {
	if c.State() != domain.StateConnected {
		return nil, domain.ErrNotConnected
	}
	if params == nil {
		params = map[string]any{}
	}
	p, err := c.registry.Register(id, method)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, RequestFrame{ID: id, Method: method, Params: params}); err != nil {
		c.registry.Remove(id)
		return nil, err
	}
	c.logger.Debug("gateway request sent", "id", id, "method", method)
	return p.Wait(ctx)
}

// Subscribe attaches a subscriber for the given raw event names; none means
// every event.
func (c *Conn) Subscribe(names ...string) (*Subscription, error) {
	if c.State() != domain.StateConnected {
		return nil, domain.ErrNotConnected
	}
	return c.router.Subscribe(names...)
}

// Pending returns the number of outstanding requests.
func (c *Conn) Pending() int { return c.registry.Len() }

// Close tears the connection down. It is idempotent, safe on a connection
// that is already dropped, and returns once the reader has finished cleanup.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(domain.StateClosed))
		c.shutdown()
		c.logger.Info("gateway connection closed by client")
	})
	return nil
}

// abort tears down a connection that never reached Connected.
func (c *Conn) abort() {
	c.closeOnce.Do(c.shutdown)
}

func (c *Conn) shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.ws != nil {
		c.ws.CloseNow()
		<-c.done
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.cause = err
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			if id, ok := c.failUndecodable(data, err); ok {
				c.logger.Warn("gateway: undecodable response", "id", id, "error", err)
				continue
			}
			c.logger.Warn("gateway: discarding undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		c.route(&f)
	}
}

// failUndecodable resolves the pending request a broken response was meant
// for, as long as its id can still be read.
func (c *Conn) failUndecodable(data []byte, cause error) (FrameID, bool) {
	var head struct {
		ID FrameID `json:"id"`
	}
	if json.Unmarshal(data, &head) != nil || head.ID == "" {
		return "", false
	}
	err := fmt.Errorf("%w: response %s: %w", domain.ErrMalformedResponse, head.ID, cause)
	return head.ID, c.registry.Fail(string(head.ID), err)
}

func (c *Conn) route(f *Frame) {
	switch f.Kind() {
	case KindPush:
		if !c.handshakeDone.Load() && c.routeHandshake(f) {
			return
		}
		c.router.Dispatch(domain.Event{Name: f.Event, Payload: f.Payload, ReceivedAt: time.Now()})
	case KindResponse:
		if c.registry.Resolve(f) {
			return
		}
		if !c.handshakeDone.Load() && f.Error != nil {
			c.offerChallenge(challengeResult{err: domain.NewDomainError("Conn.Handshake",
				domain.ErrHandshakeRejected, f.Error.Message)})
			return
		}
		c.logger.Warn("gateway: dropping response for unknown id", "id", f.ID)
	default:
		c.logger.Warn("gateway: discarding unrecognized frame", "type", f.Type, "id", f.ID)
	}
}

// routeHandshake consumes handshake pushes while the handshake is pending.
func (c *Conn) routeHandshake(f *Frame) bool {
	switch f.Event {
	case domain.EventConnectChallenge:
		nonce, _ := f.Payload["nonce"].(string)
		if nonce == "" {
			c.offerChallenge(challengeResult{err: domain.NewDomainError("Conn.Handshake",
				domain.ErrHandshakeRejected, "challenge without nonce")})
			return true
		}
		c.offerChallenge(challengeResult{nonce: nonce})
		return true
	case domain.EventConnectRejected:
		reason, _ := f.Payload["reason"].(string)
		c.offerChallenge(challengeResult{err: domain.NewDomainError("Conn.Handshake",
			domain.ErrHandshakeRejected, reason)})
		return true
	}
	return false
}

func (c *Conn) offerChallenge(r challengeResult) {
	select {
	case c.challenge <- r:
	default:
		c.logger.Debug("gateway: ignoring duplicate handshake frame")
	}
}

// cleanup runs exactly once, when the reader exits.
func (c *Conn) cleanup() {
	for {
		cur := c.state.Load()
		if domain.ConnState(cur) == domain.StateClosed {
			c.cause = domain.ErrClosed
			break
		}
		if c.state.CompareAndSwap(cur, int32(domain.StateDisconnected)) {
			break
		}
	}
	failed := c.registry.FailAll(c.cause)
	ended := c.router.EndAll()
	if c.handshakeDone.Load() {
		c.logger.Info("gateway disconnected", "error", c.cause, "failed_requests", failed, "ended_streams", ended)
	}
	close(c.done)
}

func (c *Conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("gateway: keepalive ping failed", "error", err)
				}
				c.ws.CloseNow()
				return
			}
		}
	}
}
