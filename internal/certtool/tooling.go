// Package certtool defines the low-level certificate operations the
// certificate engine is built on, and the backends that perform them.
//
// Every operation works on files: keys, requests and certificates are PEM
// files on disk, addressed by path. This keeps the lifecycle logic identical
// whether the work is done in-process or by an external openssl binary.
package certtool

import (
	"context"
	"crypto/x509/pkix"
	"strings"
	"time"
)

// Tooling is the certificate tooling capability.
type Tooling interface {
	// Check reports whether the backend can run at all (e.g. the openssl
	// binary is installed).
	Check(ctx context.Context) error

	// GenerateKey writes a new RSA private key to keyPath.
	GenerateKey(ctx context.Context, keyPath string) error

	// CreateCSR writes a certificate signing request for the key at
	// keyPath with the given subject to csrPath.
	CreateCSR(ctx context.Context, keyPath string, subject pkix.Name, csrPath string) error

	// SelfSign writes a self-signed CA certificate for the key at keyPath.
	SelfSign(ctx context.Context, keyPath string, subject pkix.Name, validity time.Duration, certPath string) error

	// Sign signs the request at req.CSRPath with the CA and returns the PEM
	// certificate. The serial is taken from and advanced in req.SerialPath,
	// which is created if it does not exist. If req.OutPath is set the
	// certificate is also written there.
	Sign(ctx context.Context, req SignRequest) ([]byte, error)

	// ReadSubject returns the one-line subject of the request at csrPath,
	// in the form "subject=CN=...,O=...".
	ReadSubject(ctx context.Context, csrPath string) (string, error)

	// ReadExpiry returns the NotAfter time of the certificate at certPath.
	ReadExpiry(ctx context.Context, certPath string) (time.Time, error)

	// VerifyChain returns nil if the certificate at certPath was issued by
	// the CA certificate at caPath.
	VerifyChain(ctx context.Context, certPath, caPath string) error
}

// SignRequest describes a CSR signing operation.
type SignRequest struct {
	CSRPath    string
	CACertPath string
	CAKeyPath  string
	SerialPath string
	Validity   time.Duration
	OutPath    string // optional
}

// RSAKeyBits is the size of every generated key.
const RSAKeyBits = 2048

// FormatSubject renders a subject in the slash-separated form accepted by
// openssl's -subj flag, e.g. "/C=US/ST=CA/O=Sonar/CN=SonarCA".
func FormatSubject(name pkix.Name) string {
	var b strings.Builder
	add := func(key string, values []string) {
		for _, v := range values {
			b.WriteString("/")
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(strings.ReplaceAll(v, "/", `\/`))
		}
	}
	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	if name.CommonName != "" {
		add("CN", []string{name.CommonName})
	}
	return b.String()
}
