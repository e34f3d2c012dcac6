// Package certengine manages the private certificate authority that secures
// device connections: the CA itself, the desktop server's TLS certificate,
// and per-device certificates issued from CSRs during certificate exchange.
// It has no transport concerns.
package certengine

import (
	"crypto/x509/pkix"
	"regexp"
	"time"
)

// Fixed subjects. Devices identify the CA and the server by these names, so
// they never change between regenerations.
var (
	CASubject = pkix.Name{
		Country:      []string{"US"},
		Province:     []string{"CA"},
		Locality:     []string{"Menlo Park"},
		Organization: []string{"Sonar"},
		CommonName:   "SonarCA",
	}
	ServerSubject = pkix.Name{
		Country:      []string{"US"},
		Province:     []string{"CA"},
		Locality:     []string{"Menlo Park"},
		Organization: []string{"Sonar"},
		CommonName:   "localhost",
	}
)

const (
	// DefaultExpiryWindow is how far ahead of NotAfter a certificate is
	// already considered expired.
	DefaultExpiryWindow = 24 * time.Hour

	// DefaultCAValidity and DefaultCertValidity match what openssl issues
	// when no -days flag is given.
	DefaultCAValidity   = 30 * 24 * time.Hour
	DefaultCertValidity = 30 * 24 * time.Hour
)

var (
	// subjectCNRegex extracts the CN from a one-line subject. Tooling
	// versions format the line differently ("subject=X" vs "subject= X"),
	// so anything after '=' or ',' is accepted before the CN.
	subjectCNRegex = regexp.MustCompile(`[=,]\s*CN=([^,]*)(,.*)?$`)

	// allowedAppNameRegex is the allow-list for app names in device CSRs.
	allowedAppNameRegex = regexp.MustCompile(`^[\w.-]+$`)
)
