package certengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/certtool"
)

// CAStore owns the CA key pair and certificate on disk.
type CAStore struct {
	paths    Paths
	tool     certtool.Tooling
	validity time.Duration
	checker  *validityChecker
	logger   *zap.Logger
}

// EnsureExists makes sure a valid CA key and certificate exist, generating
// a new pair if either is missing, expiring, or the two don't match.
// It reports whether a new CA was generated. Idempotent.
func (s *CAStore) EnsureExists(ctx context.Context) (bool, error) {
	if !fileExists(s.paths.CAKey()) {
		return true, s.generate(ctx)
	}
	if err := s.validate(ctx); err != nil {
		s.logger.Warn("CA is not valid, generating a new one", zap.Error(err))
		return true, s.generate(ctx)
	}
	return false, nil
}

// CertificateBytes returns the PEM CA certificate for distribution to devices.
func (s *CAStore) CertificateBytes() ([]byte, error) {
	data, err := os.ReadFile(s.paths.CACert())
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	return data, nil
}

func (s *CAStore) validate(ctx context.Context) error {
	if err := s.checker.check(ctx, s.paths.CACert()); err != nil {
		return err
	}
	return validateKeyMatchesCert(s.paths.CACert(), s.paths.CAKey())
}

// generate writes a fresh key and self-signed certificate, then validates
// the result once. A CA that is invalid straight after generation is fatal.
func (s *CAStore) generate(ctx context.Context) error {
	if err := s.paths.ensureRoot(); err != nil {
		return certErr("generate CA", err)
	}

	s.logger.Info("generating new CA", zap.String("dir", s.paths.Root))
	if err := s.tool.GenerateKey(ctx, s.paths.CAKey()); err != nil {
		return certErr("generate CA key", err)
	}
	if err := s.tool.SelfSign(ctx, s.paths.CAKey(), CASubject, s.validity, s.paths.CACert()); err != nil {
		return certErr("self-sign CA", err)
	}

	if err := s.validate(ctx); err != nil {
		return certErr("validate new CA", err)
	}
	return nil
}
