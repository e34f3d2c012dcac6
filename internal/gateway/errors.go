package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a running gateway.
	ErrAlreadyStarted = errors.New("gateway already started")

	// ErrIdentityNotResolved means a frame reached dispatch before the
	// connection's identity was set. It indicates a bug, not a bad client.
	ErrIdentityNotResolved = errors.New("message dispatched before client identity was resolved")

	// ErrIdentityAlreadySet means identity resolution ran twice.
	ErrIdentityAlreadySet = errors.New("client identity already set")
)

// ErrorKind tags a connection-scoped failure.
type ErrorKind int

const (
	// KindHandshake is a malformed or ineligible handshake query.
	KindHandshake ErrorKind = iota
	// KindMessage is a frame that is not a JSON object.
	KindMessage
	// KindInternal is any other failure while serving the connection,
	// including message handler errors.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindMessage:
		return "message"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// CloseCode maps the kind to the code used to close the socket. Every
// protocol and deserialization failure uses the internal error code.
func (k ErrorKind) CloseCode() CloseCode {
	return CloseInternalError
}

// ConnError is the result of failed handshake or frame processing. It
// closes only the connection it happened on.
type ConnError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func handshakeError(err error) *ConnError { return &ConnError{Kind: KindHandshake, Err: err} }
func messageError(err error) *ConnError   { return &ConnError{Kind: KindMessage, Err: err} }
func internalError(err error) *ConnError  { return &ConnError{Kind: KindInternal, Err: err} }

// StartupError is a bind or listen failure. The gateway is left unstarted.
type StartupError struct {
	Port int
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("unable to start server at port %d: %v", e.Port, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ServerRuntimeError is a listener failure after a successful start. It is
// reported to the Listener and never terminates the process.
type ServerRuntimeError struct {
	Err error
}

func (e *ServerRuntimeError) Error() string {
	return fmt.Sprintf("server error: %v", e.Err)
}

func (e *ServerRuntimeError) Unwrap() error { return e.Err }
