package gatewaysim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgw/internal/adapter/gateway"
	"agentgw/internal/domain"
	"agentgw/internal/infra/config"
	"agentgw/internal/infra/middleware"
	"agentgw/internal/usecase/eventbus"
)

// DefaultChallengeTimeout bounds how long a new connection may take to answer
// connect.challenge.
const DefaultChallengeTimeout = 10 * time.Second

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 256
	maxFrameBytes = 4 << 20
	anonymousName = "anonymous"
)

// Handler serves one RPC method. The result is marshaled into the response's
// result field. A *domain.GatewayError is sent back verbatim; other errors
// map to JSON-RPC style codes.
type Handler func(ctx context.Context, client *ClientInfo, params map[string]any) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithoutChallenge makes the server skip connect.challenge entirely, which
// clients observe as a handshake timeout.
func WithoutChallenge() Option {
	return func(s *Server) { s.challenge = false }
}

// WithChallengeTimeout overrides DefaultChallengeTimeout.
func WithChallengeTimeout(d time.Duration) Option {
	return func(s *Server) { s.challengeTimeout = d }
}

// outbound is one queued write. A non-zero closeCode closes the socket after
// everything queued before it has been written.
type outbound struct {
	frame     any
	closeCode websocket.StatusCode
	reason    string
}

type clientConn struct {
	id        string
	ws        *websocket.Conn
	sendCh    chan outbound
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter // nil when unlimited

	mu   sync.RWMutex
	info *ClientInfo // nil until the handshake completes
}

func (cc *clientConn) client() *ClientInfo {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.info
}

func (cc *clientConn) setClient(info *ClientInfo) {
	cc.mu.Lock()
	cc.info = info
	cc.mu.Unlock()
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// enqueue blocks until the frame is queued or the connection is gone.
func (cc *clientConn) enqueue(out outbound) bool {
	select {
	case cc.sendCh <- out:
		return true
	case <-cc.done:
		return false
	}
}

// Server is a simulated gateway speaking the same protocol as the real one:
// challenge/auth handshake, request/response RPC and push events sourced from
// an event bus.
type Server struct {
	bus     domain.EventBus
	ownsBus bool
	auth    Authenticator
	cfg     config.SimConfig
	logger  *slog.Logger

	challenge        bool
	challengeTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	clients sync.Map // connID (string) -> *clientConn

	listener net.Listener
	httpSrv  *http.Server
	unsubAll func()
	stopOnce sync.Once

	recMu    sync.Mutex
	received []gateway.Frame

	started time.Time
	metrics Metrics
}

// NewServer creates a simulated gateway. A nil bus is replaced by an ordered
// eventbus owned by the server; a nil auth checks cfg.Tokens.
func NewServer(bus domain.EventBus, auth Authenticator, cfg config.SimConfig, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:              bus,
		auth:             auth,
		cfg:              cfg,
		logger:           logger.With("component", "gatewaysim"),
		challenge:        true,
		challengeTimeout: DefaultChallengeTimeout,
		handlers:         make(map[string]Handler),
		started:          time.Now(),
	}
	if s.bus == nil {
		s.bus = eventbus.New(s.logger, eventbus.WithOrdered())
		s.ownsBus = true
	}
	if s.auth == nil {
		s.auth = NewStaticTokenAuth(cfg.Tokens)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerBuiltins()
	return s
}

// RegisterHandler adds or replaces the handler for method.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// Listen binds the configured address. Serve calls it when needed.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gatewaysim listen: %w", err)
	}
	s.listener = ln

	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if s.cfg.UpgradesPerMin > 0 {
		upgrade = middleware.NewUpgradeLimiter(middleware.UpgradeLimitConfig{
			PerMinute:      s.cfg.UpgradesPerMin,
			Burst:          s.cfg.UpgradeBurst,
			TrustedProxies: s.cfg.TrustedProxies,
		}).Middleware(upgrade)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", upgrade)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.httpSrv = &http.Server{
		Handler:           middleware.Recover(s.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.unsubAll = s.bus.SubscribeAll(s.broadcast)

	s.logger.Info("simulated gateway listening", "addr", ln.Addr().String(), "require_auth", s.cfg.RequireAuth)
	return nil
}

// Serve accepts connections until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { s.Stop(context.Background()) })
	defer stop()

	if s.cfg.TickInterval > 0 {
		go s.tickLoop(ctx)
	}

	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gatewaysim serve: %w", err)
	}
	return nil
}

// Stop closes every client with StatusGoingAway and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubAll != nil {
			s.unsubAll()
		}

		s.clients.Range(func(key, value any) bool {
			cc := value.(*clientConn)
			cc.shutdown()
			cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.clients.Delete(key)
			return true
		})

		if s.ownsBus {
			s.bus.Close()
		}

		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// Addr returns the bound address. Only valid after Listen.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// URL returns the ws:// endpoint clients should dial.
func (s *Server) URL() string { return "ws://" + s.Addr() + "/ws" }

// Publish pushes an event to every authenticated client.
func (s *Server) Publish(ctx context.Context, name string, payload map[string]any) {
	s.bus.Publish(ctx, domain.Event{Name: name, Payload: payload, ReceivedAt: time.Now()})
}

// DisconnectAll closes every connected client with code once the frames
// already queued for it have been written. It returns the number of clients.
func (s *Server) DisconnectAll(code websocket.StatusCode, reason string) int {
	n := 0
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if cc.client() != nil && cc.enqueue(outbound{closeCode: code, reason: reason}) {
			n++
		}
		return true
	})
	return n
}

// Clients returns the number of clients that completed the handshake.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, value any) bool {
		if value.(*clientConn).client() != nil {
			n++
		}
		return true
	})
	return n
}

// WaitForClients blocks until at least n clients completed the handshake.
func (s *Server) WaitForClients(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.Clients() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d clients: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Received returns a copy of every frame read from any client, in arrival
// order per connection.
func (s *Server) Received() []gateway.Frame {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]gateway.Frame, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) record(f gateway.Frame) {
	s.recMu.Lock()
	s.received = append(s.received, f)
	s.recMu.Unlock()
}

var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	cc := &clientConn{
		id:      ulid.Make().String(),
		ws:      ws,
		sendCh:  make(chan outbound, sendQueueSize),
		done:    make(chan struct{}),
		limiter: s.newLimiter(),
	}
	s.clients.Store(cc.id, cc)
	log := s.logger.With("conn_id", cc.id)

	go s.writeLoop(cc)

	ctx := r.Context()
	if info, ok := s.handshake(ctx, cc, log); ok {
		s.metrics.ConnectionsTotal.Add(1)
		cc.setClient(info)
		log.Info("client connected", "client", info.Name, "authenticated", info.Authenticated)
		s.readLoop(ctx, cc, log)
	}

	cc.shutdown()
	s.clients.Delete(cc.id)
	ws.CloseNow()
	log.Info("client disconnected")
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimitPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), max(s.cfg.Burst, 1))
}

// handshake pushes connect.challenge and verifies the auth reply. A bad or
// missing token admits the client as anonymous; a reply that is not an auth
// frame for this nonce is rejected.
func (s *Server) handshake(ctx context.Context, cc *clientConn, log *slog.Logger) (*ClientInfo, bool) {
	anonymous := &ClientInfo{ConnID: cc.id, Name: anonymousName}
	if !s.challenge {
		return anonymous, true
	}

	nonce := ulid.Make().String()
	cc.enqueue(outbound{frame: gateway.PushFrame{
		Type:    gateway.FrameTypeEvent,
		Event:   domain.EventConnectChallenge,
		Payload: map[string]any{"nonce": nonce, "ts": time.Now().UnixMilli()},
	}})

	readCtx, cancel := context.WithTimeout(ctx, s.challengeTimeout)
	defer cancel()

	var f gateway.Frame
	if err := wsjson.Read(readCtx, cc.ws, &f); err != nil {
		log.Warn("no auth reply", "error", err)
		return nil, false
	}
	s.record(f)

	if f.Kind() != gateway.KindAuth || f.Nonce != nonce {
		log.Warn("invalid auth reply", "type", f.Type)
		s.reject(ctx, cc, "expected auth frame echoing the challenge nonce")
		return nil, false
	}

	info, err := s.auth.Authenticate(f.Token)
	if err != nil {
		log.Debug("admitting unauthenticated client", "error", err)
		return anonymous, true
	}
	info.ConnID = cc.id
	info.Authenticated = true
	return info, true
}

func (s *Server) reject(ctx context.Context, cc *clientConn, reason string) {
	s.metrics.HandshakeRejects.Add(1)
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, cc.ws, gateway.PushFrame{
		Type:    gateway.FrameTypeEvent,
		Event:   domain.EventConnectRejected,
		Payload: map[string]any{"reason": reason},
	})
	cc.ws.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn, log *slog.Logger) {
	for {
		var f gateway.Frame
		if err := wsjson.Read(ctx, cc.ws, &f); err != nil {
			return
		}
		s.record(f)

		if f.Kind() != gateway.KindRequest {
			log.Debug("ignoring non-request frame", "type", f.Type)
			continue
		}
		if cc.limiter != nil && !cc.limiter.Allow() {
			s.metrics.RateLimited.Add(1)
			s.sendResponse(cc, string(f.ID), nil, &domain.GatewayError{
				Code:    domain.RPCCodeRateLimited,
				Message: domain.ErrRateLimit.Error(),
			})
			continue
		}

		go s.dispatchRPC(ctx, cc, f)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case out := <-cc.sendCh:
			if out.closeCode != 0 {
				cc.ws.Close(out.closeCode, out.reason)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, out.frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req gateway.Frame) {
	client := cc.client()

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, string(req.ID), nil, &domain.GatewayError{
			Code:    domain.RPCCodeMethodNotFound,
			Message: fmt.Sprintf("%s: %s", domain.ErrRPCMethodNotFound, req.Method),
		})
		return
	}

	if s.cfg.RequireAuth && !client.Authenticated && req.Method != "health" {
		s.sendResponse(cc, string(req.ID), nil, domain.ErrGatewayAuthFailed)
		return
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	result, err := handler(ctx, client, params)
	s.sendResponse(cc, string(req.ID), result, err)
}

func (s *Server) sendResponse(cc *clientConn, id string, result any, err error) {
	s.metrics.RPCTotal.Add(1)
	resp := gateway.ResponseFrame{ID: id}
	if err != nil {
		s.metrics.RPCErrors.Add(1)
		resp.Error = toGatewayError(err)
	} else if raw, merr := json.Marshal(result); merr != nil {
		resp.Error = &domain.GatewayError{Code: domain.RPCCodeInternal, Message: merr.Error()}
	} else {
		resp.Result = raw
	}
	cc.enqueue(outbound{frame: resp})
}

func toGatewayError(err error) *domain.GatewayError {
	var ge *domain.GatewayError
	switch {
	case errors.As(err, &ge):
		return ge
	case errors.Is(err, domain.ErrRPCInvalidPayload):
		return &domain.GatewayError{Code: domain.RPCCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, domain.ErrGatewayAuthFailed):
		return &domain.GatewayError{Code: domain.RPCCodeUnauthorized, Message: err.Error()}
	default:
		return &domain.GatewayError{Code: domain.RPCCodeInternal, Message: err.Error()}
	}
}

// broadcast forwards a bus event to every authenticated client. Slow clients
// lose events rather than stall the bus.
func (s *Server) broadcast(_ context.Context, ev domain.Event) {
	frame := gateway.NewPush(ev)
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if cc.client() == nil {
			return true
		}
		select {
		case cc.sendCh <- outbound{frame: frame}:
			s.metrics.EventsSent.Add(1)
		default:
			s.metrics.EventsDropped.Add(1)
			s.logger.Warn("dropped event for slow client", "conn_id", cc.id, "event", ev.Name)
		}
		return true
	})
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Publish(ctx, domain.EventTick, map[string]any{"ts": t.UnixMilli()})
		}
	}
}
