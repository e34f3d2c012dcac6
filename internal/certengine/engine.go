package certengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/certtool"
)

// State represents how much certificate material exists on disk.
type State int

const (
	// Uninitialized means no CA exists.
	Uninitialized State = iota

	// Initialized means the CA exists but the server certificate does not.
	Initialized

	// Ready means all material for the secure listener is present.
	Ready
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Options configures an Engine. Zero values are replaced with defaults.
type Options struct {
	// Root is the certificate directory. Default: DefaultRoot().
	Root string

	// Tooling performs the certificate operations. Default: certtool.NewNative().
	Tooling certtool.Tooling

	ExpiryWindow time.Duration // default DefaultExpiryWindow
	CAValidity   time.Duration // default DefaultCAValidity
	CertValidity time.Duration // default DefaultCertValidity

	// TempDir holds CSRs while they are being read or signed. Default: os.TempDir().
	TempDir string

	// TestMode disables certificate setup entirely; Setup fails fast.
	TestMode bool

	Logger *zap.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() (Options, error) {
	if o.Root == "" {
		root, err := DefaultRoot()
		if err != nil {
			return o, err
		}
		o.Root = root
	}
	if o.Tooling == nil {
		o.Tooling = certtool.NewNative()
	}
	if o.ExpiryWindow <= 0 {
		o.ExpiryWindow = DefaultExpiryWindow
	}
	if o.CAValidity <= 0 {
		o.CAValidity = DefaultCAValidity
	}
	if o.CertValidity <= 0 {
		o.CertValidity = DefaultCertValidity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

// Engine wires the CA store, server certificate manager and issuer over
// one certificate root and one tooling backend.
type Engine struct {
	paths    Paths
	tool     certtool.Tooling
	testMode bool
	logger   *zap.Logger

	ca     *CAStore
	server *ServerCertManager
	issuer *Issuer
}

// New creates an Engine. It touches nothing on disk.
func New(opts Options) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("certificate engine options: %w", err)
	}

	logger := opts.Logger.Named("certengine")
	paths := Paths{Root: opts.Root}
	checker := &validityChecker{
		tool:   opts.Tooling,
		window: opts.ExpiryWindow,
		now:    opts.Now,
		logger: logger,
	}
	ca := &CAStore{
		paths:    paths,
		tool:     opts.Tooling,
		validity: opts.CAValidity,
		checker:  checker,
		logger:   logger,
	}

	return &Engine{
		paths:    paths,
		tool:     opts.Tooling,
		testMode: opts.TestMode,
		logger:   logger,
		ca:       ca,
		server: &ServerCertManager{
			paths:    paths,
			ca:       ca,
			tool:     opts.Tooling,
			validity: opts.CertValidity,
			checker:  checker,
			logger:   logger,
		},
		issuer: &Issuer{
			paths:    paths,
			tool:     opts.Tooling,
			validity: opts.CertValidity,
			tmpDir:   opts.TempDir,
			logger:   logger,
		},
	}, nil
}

// Setup checks the tooling, then ensures a valid CA and a valid, CA-chained
// server certificate. Any error is fatal: the secure listener must not start.
func (e *Engine) Setup(ctx context.Context) error {
	if e.testMode {
		return ErrTestMode
	}
	if err := e.tool.Check(ctx); err != nil {
		return certErr("check tooling", err)
	}
	return e.server.EnsureValid(ctx)
}

// LoadSecureServerConfig runs Setup and returns the listener material.
func (e *Engine) LoadSecureServerConfig(ctx context.Context) (*SecureServerConfig, error) {
	if err := e.Setup(ctx); err != nil {
		return nil, err
	}
	return e.server.LoadConfig()
}

// State reports which material is present, without validating it.
func (e *Engine) State() State {
	if !fileExists(e.paths.CAKey()) || !fileExists(e.paths.CACert()) {
		return Uninitialized
	}
	if !fileExists(e.paths.ServerKey()) || !fileExists(e.paths.ServerCert()) {
		return Initialized
	}
	return Ready
}

// CA returns the CA store.
func (e *Engine) CA() *CAStore { return e.ca }

// ServerCert returns the server certificate manager.
func (e *Engine) ServerCert() *ServerCertManager { return e.server }

// Issuer returns the client certificate issuer.
func (e *Engine) Issuer() *Issuer { return e.issuer }

// Paths returns the on-disk layout, for direct path queries.
func (e *Engine) Paths() Paths { return e.paths }
