package certengine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/certtool"
)

// Issuer validates device CSRs and signs them with the current CA. Issued
// certificates are returned to the caller and never stored, so nothing
// outlives a CA rotation.
type Issuer struct {
	paths    Paths
	tool     certtool.Tooling
	validity time.Duration
	tmpDir   string // "" means os.TempDir()
	logger   *zap.Logger

	mu sync.Mutex // serializes signing, which advances the serial file
}

// ExtractIdentity returns the app name from the CSR's subject CN. Names
// outside [\w.-] are refused.
func (i *Issuer) ExtractIdentity(ctx context.Context, csr string) (string, error) {
	path, cleanup, err := i.writeTemp(csr)
	if err != nil {
		return "", err
	}
	defer cleanup()

	subject, err := i.tool.ReadSubject(ctx, path)
	if err != nil {
		return "", certErr("read CSR subject", err)
	}
	return ParseAppName(subject)
}

// Sign signs the PEM CSR against the current CA and returns the PEM
// certificate. A CSR whose CN fails ParseAppName is refused before
// signing. Signing errors are returned as-is; there is no retry.
func (i *Issuer) Sign(ctx context.Context, csr string) (string, error) {
	i.logger.Debug("creating new client cert")

	path, cleanup, err := i.writeTemp(csr)
	if err != nil {
		return "", err
	}
	defer cleanup()

	subject, err := i.tool.ReadSubject(ctx, path)
	if err != nil {
		return "", certErr("read CSR subject", err)
	}
	if _, err := ParseAppName(subject); err != nil {
		return "", err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	cert, err := i.tool.Sign(ctx, certtool.SignRequest{
		CSRPath:    path,
		CACertPath: i.paths.CACert(),
		CAKeyPath:  i.paths.CAKey(),
		SerialPath: i.paths.ServerSerial(),
		Validity:   i.validity,
	})
	if err != nil {
		return "", certErr("sign client cert", err)
	}
	return string(cert), nil
}

// ParseAppName extracts and validates the CN from a one-line subject such
// as "subject=CN=MyApp,O=Org" or "subject= CN=MyApp".
func ParseAppName(subject string) (string, error) {
	m := subjectCNRegex.FindStringSubmatch(strings.TrimSpace(subject))
	if len(m) < 2 {
		return "", fmt.Errorf("%w %q", ErrNoCommonName, subject)
	}
	name := strings.TrimSpace(m[1])
	if !allowedAppNameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q, only alphanumeric characters, '_', '.' and '-' allowed",
			ErrDisallowedAppName, name)
	}
	return name, nil
}

// writeTemp writes content to a fresh temp file. The returned cleanup
// removes it and must be called on every path.
func (i *Issuer) writeTemp(content string) (string, func(), error) {
	f, err := os.CreateTemp(i.tmpDir, "csr-*.pem")
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
