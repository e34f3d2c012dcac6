package certengine

import (
	"errors"
	"fmt"
)

var (
	// ErrTestMode is returned by Engine.Setup when certificate setup is
	// disabled. Trust material is never fabricated in that mode.
	ErrTestMode = errors.New("server certificates not available in test mode")

	// ErrNoCommonName means a CSR subject carried no extractable CN.
	ErrNoCommonName = errors.New("cannot extract CN from subject")

	// ErrDisallowedAppName means the CN failed the app name allow-list.
	ErrDisallowedAppName = errors.New("disallowed app name in CSR")
)

// CertificateError reports a failed certificate operation: missing tooling,
// an invalid chain, or a signing failure.
type CertificateError struct {
	Op  string
	Err error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate %s: %v", e.Op, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

func certErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CertificateError{Op: op, Err: err}
}
