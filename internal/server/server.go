package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"devbridge/internal/certengine"
	"devbridge/internal/exchange"
	"devbridge/internal/gateway"
)

// Server owns the certificate engine and both gateways.
type Server struct {
	config Config
	engine *certengine.Engine
	base   *zap.Logger
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *gateway.Metrics
	handler  gateway.MessageHandler

	insecure *gateway.Gateway
	secure   *gateway.Gateway
	metricsL net.Listener
	ready    chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithSecureHandler routes frames from authenticated devices to h. The
// default only logs them.
func WithSecureHandler(h gateway.MessageHandler) Option {
	return func(s *Server) { s.handler = h }
}

// NewEngine builds the certificate engine described by cfg.
func NewEngine(cfg Config, logger *zap.Logger) (*certengine.Engine, error) {
	tool, err := cfg.NewTooling()
	if err != nil {
		return nil, err
	}
	return certengine.New(certengine.Options{
		Root:         cfg.CertDir,
		Tooling:      tool,
		ExpiryWindow: cfg.ExpiryWindow,
		CAValidity:   cfg.CAValidity,
		CertValidity: cfg.CertValidity,
		Logger:       logger,
	})
}

// New creates a Server. Nothing is written to disk until Run.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize certificate engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := gateway.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &Server{
		config:   cfg,
		engine:   engine,
		base:     logger,
		logger:   logger.Named("server"),
		registry: registry,
		metrics:  metrics,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = logOnlyHandler{logger: logger.Named("secure")}
	}
	return s, nil
}

// Engine returns the certificate engine.
func (s *Server) Engine() *certengine.Engine { return s.engine }

// Ready is closed once both gateways are listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// InsecurePort reports the bound plain port once Ready, or 0 before Run
// has built the gateway.
func (s *Server) InsecurePort() int {
	if s.insecure == nil {
		return 0
	}
	return s.insecure.Port()
}

// SecurePort reports the bound mutual-TLS port once Ready, or 0 before Run
// has built the gateway.
func (s *Server) SecurePort() int {
	if s.secure == nil {
		return 0
	}
	return s.secure.Port()
}

// MetricsAddr reports the bound metrics address once Ready, or "" when
// metrics are disabled.
func (s *Server) MetricsAddr() string {
	if s.metricsL == nil {
		return ""
	}
	return s.metricsL.Addr().String()
}

// Run prepares the certificates, starts both gateways and blocks until ctx
// is cancelled or SIGINT/SIGTERM arrives. The secure gateway is stopped
// before the plain one.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.logger.Info("devbridge starting",
		zap.String("state", s.engine.State().String()),
		zap.String("cert_dir", s.engine.Paths().Root),
		zap.String("tooling", s.config.Tooling),
	)

	tlsConfig, err := s.secureTLSConfig(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("certificates ready", zap.String("state", s.engine.State().String()))

	gwOpts := []gateway.Option{
		gateway.WithLogger(s.base.Named("gateway")),
		gateway.WithMetrics(s.metrics),
		gateway.WithHost(s.config.Host),
	}
	s.insecure = gateway.New(gateway.Plain(), newEventListener(s.logger, "insecure"),
		exchange.NewHandler(s.engine.Issuer(), s.engine.CA(), s.base), gwOpts...)
	s.secure = gateway.New(gateway.MutualTLS(tlsConfig), newEventListener(s.logger, "secure"),
		s.handler, gwOpts...)

	if _, err := s.insecure.Start(s.config.InsecurePort); err != nil {
		return err
	}
	if _, err := s.secure.Start(s.config.SecurePort); err != nil {
		_ = s.insecure.Stop()
		return err
	}

	metricsErr := make(chan error, 1)
	metricsSrv, err := s.startMetrics(metricsErr)
	if err != nil {
		_ = s.stopGateways()
		return err
	}
	close(s.ready)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully...")
	case runErr = <-metricsErr:
		s.logger.Error("metrics server failed", zap.Error(runErr))
	}

	err = s.stopGateways()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
	}
	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info("shutdown complete")
	return runErr
}

func (s *Server) secureTLSConfig(ctx context.Context) (*tls.Config, error) {
	secure, err := s.engine.LoadSecureServerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("certificate setup: %w", err)
	}
	return secure.TLSConfig()
}

func (s *Server) stopGateways() error {
	return errors.Join(s.secure.Stop(), s.insecure.Stop())
}

func (s *Server) startMetrics(errCh chan<- error) (*http.Server, error) {
	if s.config.MetricsAddr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", s.config.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	s.metricsL = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("metrics")),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}
