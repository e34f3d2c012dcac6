package certengine

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
)

// On-disk layout within the certificate root:
//
//   <root>/
//     ca.key        (0600)
//     ca.crt        (0644)
//     server.key    (0600)
//     server.csr    (0644)
//     server.srl    (0644)  serial counter shared by every cert the CA signs
//     server.crt    (0644)

const (
	caKeyFile        = "ca.key"
	caCertFile       = "ca.crt"
	serverKeyFile    = "server.key"
	serverCSRFile    = "server.csr"
	serverSerialFile = "server.srl"
	serverCertFile   = "server.crt"

	dirPerms = 0700
)

// Device-side artifact names used during certificate exchange.
const (
	CSRFileName          = "app.csr"
	DeviceCACertFile     = "sonarCA.crt"
	DeviceClientCertFile = "device.crt"
)

// Paths resolves the fixed file layout under a certificate root.
type Paths struct {
	Root string
}

// DefaultRoot returns the historical certificate root, ~/.flipper/certs.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".flipper", "certs"), nil
}

func (p Paths) CAKey() string        { return filepath.Join(p.Root, caKeyFile) }
func (p Paths) CACert() string       { return filepath.Join(p.Root, caCertFile) }
func (p Paths) ServerKey() string    { return filepath.Join(p.Root, serverKeyFile) }
func (p Paths) ServerCSR() string    { return filepath.Join(p.Root, serverCSRFile) }
func (p Paths) ServerSerial() string { return filepath.Join(p.Root, serverSerialFile) }
func (p Paths) ServerCert() string   { return filepath.Join(p.Root, serverCertFile) }

// ensureRoot creates the certificate root if it doesn't exist.
func (p Paths) ensureRoot() error {
	if err := os.MkdirAll(p.Root, dirPerms); err != nil {
		return fmt.Errorf("create certificate directory %s: %w", p.Root, err)
	}
	return nil
}

// validateKeyMatchesCert loads the pair the way the TLS stack will, which
// fails if the private key does not belong to the certificate.
func validateKeyMatchesCert(certPath, keyPath string) error {
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return fmt.Errorf("key/cert mismatch for %s: %w", certPath, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
