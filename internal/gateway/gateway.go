// Package gateway accepts device WebSocket connections over plain TCP or
// mutual TLS, resolves each client's identity from the handshake query and
// dispatches decoded JSON frames to a MessageHandler.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultMaxMessageSize caps a single inbound frame.
const DefaultMaxMessageSize = 100 * 1024 * 1024

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics records connection metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithHost binds to host instead of every interface.
func WithHost(host string) Option {
	return func(g *Gateway) { g.host = host }
}

// WithVerifyClient replaces the strategy's upgrade check.
func WithVerifyClient(fn func(*http.Request) bool) Option {
	return func(g *Gateway) { g.verifyClient = fn }
}

// WithMaxMessageSize caps inbound frames at n bytes.
func WithMaxMessageSize(n int64) Option {
	return func(g *Gateway) { g.maxMessageSize = n }
}

// Gateway is one WebSocket listener. The transport is decided by its
// Strategy.
type Gateway struct {
	strategy       Strategy
	listener       Listener
	handler        MessageHandler
	logger         *zap.Logger
	metrics        *Metrics
	host           string
	verifyClient   func(*http.Request) bool
	maxMessageSize int64
	upgrader       websocket.Upgrader

	// trace observes shutdown phases in tests.
	trace func(phase string)

	mu       sync.Mutex
	started  bool
	stopping bool
	port     int
	srv      *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[*ConnContext]struct{}
	wg       sync.WaitGroup
}

// New returns an unstarted gateway. listener may be nil.
func New(strategy Strategy, listener Listener, handler MessageHandler, opts ...Option) *Gateway {
	if listener == nil {
		listener = NopListener{}
	}
	g := &Gateway{
		strategy:       strategy,
		listener:       listener,
		handler:        handler,
		logger:         zap.NewNop(),
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("transport", strategy.Name()))
	g.upgrader = websocket.Upgrader{
		// Device SDKs are not browsers and send no meaningful Origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

// Name is the strategy name.
func (g *Gateway) Name() string { return g.strategy.Name() }

// Port is the bound port, or 0 when the gateway is not running.
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.port
}

// Start binds port (0 picks a free one), begins accepting connections and
// returns the bound port. A bind failure is a *StartupError.
func (g *Gateway) Start(port int) (int, error) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return 0, ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(g.host, strconv.Itoa(port)))
	if err != nil {
		g.mu.Unlock()
		return 0, &StartupError{Port: port, Err: err}
	}
	bound := ln.Addr().(*net.TCPAddr).Port
	if cfg := g.strategy.TLSConfig(); cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.serveWS)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(g.logger),
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.srv = srv
	g.conns = make(map[*ConnContext]struct{})
	g.port = bound
	g.started = true
	g.stopping = false
	g.mu.Unlock()

	// Listener callbacks run without g.mu so they may call back into g.
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("listener failed", zap.Error(err))
			g.listener.OnError(&ServerRuntimeError{Err: err})
		}
	}()

	g.logger.Info("listening", zap.Int("port", bound))
	g.listener.OnListening(bound)
	return bound, nil
}

// Stop closes every open connection with a going-away frame, waits for
// their handlers to return and then closes the listener. Stopping a
// gateway that is not running is a no-op.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.started || g.stopping {
		g.mu.Unlock()
		return nil
	}
	g.stopping = true
	g.cancel()
	conns := make([]*ConnContext, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	srv := g.srv
	g.mu.Unlock()

	for _, c := range conns {
		c.close(CloseGoingAway, "server shutting down")
	}
	g.wg.Wait()
	g.tracePhase("protocol")

	err := srv.Close()
	g.tracePhase("transport")

	g.mu.Lock()
	g.started = false
	g.stopping = false
	g.port = 0
	g.srv = nil
	g.mu.Unlock()

	g.logger.Info("stopped", zap.Int("closed_connections", len(conns)))
	if err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

func (g *Gateway) tracePhase(phase string) {
	if g.trace != nil {
		g.trace(phase)
	}
}

func (g *Gateway) verify(r *http.Request) bool {
	if g.verifyClient != nil {
		return g.verifyClient(r)
	}
	return g.strategy.VerifyClient(r)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	if !g.verify(r) {
		g.logger.Info("client rejected during upgrade", zap.String("remote", r.RemoteAddr))
		http.Error(w, "client verification failed", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(g.maxMessageSize)

	c := newConnContext(ws, r, g.strategy.Name())
	ctx, ok := g.track(c)
	if !ok {
		c.close(CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(c)

	g.metrics.connOpened(c.Transport)
	defer g.metrics.connClosed(c.Transport)
	g.run(ctx, c)
}

func (g *Gateway) track(c *ConnContext) (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.stopping {
		return nil, false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return g.ctx, true
}

func (g *Gateway) untrack(c *ConnContext) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

// run drives one connection from identity resolution to close.
func (g *Gateway) run(ctx context.Context, c *ConnContext) {
	cq, err := g.strategy.ResolveIdentity(c.Request)
	if err != nil {
		g.fail(c, handshakeError(err))
		return
	}
	if err := c.setIdentity(cq); err != nil {
		g.fail(c, internalError(err))
		return
	}
	g.listener.OnConnectionAttempt(cq)
	c.setState(StateActive)
	g.logger.Info("client connected", c.fields()...)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.close(CloseNormal, "")
			g.logger.Debug("connection closed", append(c.fields(), zap.Error(err))...)
			return
		}
		if cerr := g.dispatch(ctx, c, frame); cerr != nil {
			g.fail(c, cerr)
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *ConnContext, frame []byte) *ConnError {
	if _, ok := c.Identity(); !ok {
		return internalError(ErrIdentityNotResolved)
	}
	msg, err := Deframe(frame)
	if err != nil {
		return messageError(err)
	}
	g.metrics.messageReceived(c.Transport)

	resp, err := g.handler.HandleMessage(ctx, c, msg)
	if err != nil {
		return internalError(err)
	}
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return internalError(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return internalError(err)
	}
	g.metrics.responseSent(c.Transport)
	return nil
}

// fail reports cerr and closes the connection it happened on. Other
// connections are unaffected.
func (g *Gateway) fail(c *ConnContext, cerr *ConnError) {
	g.logger.Error("connection error", append(c.fields(),
		zap.Stringer("kind", cerr.Kind), zap.Error(cerr.Err))...)
	g.metrics.connFailed(c.Transport, cerr.Kind)
	g.listener.OnError(cerr)
	c.close(cerr.Kind.CloseCode(), cerr.Kind.String())
}
