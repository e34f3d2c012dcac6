package certengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/certtool"
)

// ServerCertManager owns the desktop server's TLS leaf certificate.
type ServerCertManager struct {
	paths    Paths
	ca       *CAStore
	tool     certtool.Tooling
	validity time.Duration
	checker  *validityChecker
	logger   *zap.Logger
}

// EnsureValid ensures the CA first, then checks that the server key and
// certificate exist, are outside the expiry window, match each other and
// chain to the current CA. Any failure regenerates the server certificate.
// Nothing is rewritten when everything is valid.
func (m *ServerCertManager) EnsureValid(ctx context.Context) error {
	caRegenerated, err := m.ca.EnsureExists(ctx)
	if err != nil {
		return err
	}

	if err := m.validate(ctx); err != nil {
		if caRegenerated {
			m.logger.Warn("CA was regenerated, creating new server cert")
		} else {
			m.logger.Warn("server cert is not valid, creating a new one", zap.Error(err))
		}
		return m.generate(ctx)
	}
	return nil
}

// LoadConfig reads the validated material for the TLS listener.
func (m *ServerCertManager) LoadConfig() (*SecureServerConfig, error) {
	key, err := os.ReadFile(m.paths.ServerKey())
	if err != nil {
		return nil, fmt.Errorf("read server key: %w", err)
	}
	cert, err := os.ReadFile(m.paths.ServerCert())
	if err != nil {
		return nil, fmt.Errorf("read server cert: %w", err)
	}
	ca, err := os.ReadFile(m.paths.CACert())
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	return &SecureServerConfig{
		Key:                key,
		Cert:               cert,
		CA:                 ca,
		RequestCert:        true,
		RejectUnauthorized: true,
	}, nil
}

func (m *ServerCertManager) validate(ctx context.Context) error {
	for _, p := range []string{m.paths.ServerKey(), m.paths.ServerCert(), m.paths.CACert()} {
		if !fileExists(p) {
			return fmt.Errorf("%s does not exist", p)
		}
	}
	if err := m.checker.check(ctx, m.paths.ServerCert()); err != nil {
		return err
	}
	if err := m.tool.VerifyChain(ctx, m.paths.ServerCert(), m.paths.CACert()); err != nil {
		return fmt.Errorf("current server cert was not issued by current CA: %w", err)
	}
	return validateKeyMatchesCert(m.paths.ServerCert(), m.paths.ServerKey())
}

// generate runs key -> CSR -> sign against the current CA, then validates
// the result once.
func (m *ServerCertManager) generate(ctx context.Context) error {
	m.logger.Info("creating new server cert", zap.String("dir", m.paths.Root))

	if err := m.tool.GenerateKey(ctx, m.paths.ServerKey()); err != nil {
		return certErr("generate server key", err)
	}
	if err := m.tool.CreateCSR(ctx, m.paths.ServerKey(), ServerSubject, m.paths.ServerCSR()); err != nil {
		return certErr("create server CSR", err)
	}
	_, err := m.tool.Sign(ctx, certtool.SignRequest{
		CSRPath:    m.paths.ServerCSR(),
		CACertPath: m.paths.CACert(),
		CAKeyPath:  m.paths.CAKey(),
		SerialPath: m.paths.ServerSerial(),
		Validity:   m.validity,
		OutPath:    m.paths.ServerCert(),
	})
	if err != nil {
		return certErr("sign server cert", err)
	}

	if err := m.validate(ctx); err != nil {
		return certErr("validate new server cert", err)
	}
	return nil
}

// SecureServerConfig is the material the TLS listener is built from.
type SecureServerConfig struct {
	Key  []byte // PEM server private key
	Cert []byte // PEM server certificate
	CA   []byte // PEM CA certificate

	// RequestCert asks clients for a certificate during the handshake.
	RequestCert bool
	// RejectUnauthorized refuses clients whose certificate doesn't
	// verify against CA.
	RejectUnauthorized bool
}

// TLSConfig builds a server tls.Config from the material and flags.
func (c *SecureServerConfig) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CA) {
		return nil, fmt.Errorf("parse CA certificate: invalid PEM data")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	switch {
	case c.RequestCert && c.RejectUnauthorized:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case c.RequestCert:
		cfg.ClientAuth = tls.RequestClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg, nil
}
