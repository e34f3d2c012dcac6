package gateway

import (
	"crypto/tls"
	"errors"
	"net/http"
)

// Strategy is the part of a gateway that differs between the plain and
// the mutual-TLS transports. It is chosen when the gateway is constructed.
type Strategy interface {
	// Name labels logs and metrics ("insecure" or "secure").
	Name() string

	// TLSConfig returns the listener TLS configuration, or nil for plain TCP.
	TLSConfig() *tls.Config

	// VerifyClient runs during the upgrade handshake. Returning false
	// refuses the upgrade.
	VerifyClient(r *http.Request) bool

	// ResolveIdentity derives the client identity from the handshake.
	ResolveIdentity(r *http.Request) (ClientQuery, error)
}

// Plain returns the strategy for the unauthenticated listener used for
// certificate exchange. Only platforms in CertExchangeOS are accepted.
func Plain() Strategy { return plainStrategy{} }

type plainStrategy struct{}

func (plainStrategy) Name() string           { return "insecure" }
func (plainStrategy) TLSConfig() *tls.Config { return nil }

// VerifyClient allows everyone: trust comes from the certificate exchange.
func (plainStrategy) VerifyClient(*http.Request) bool { return true }

func (plainStrategy) ResolveIdentity(r *http.Request) (ClientQuery, error) {
	cq, err := ParseClientQuery(r.URL.Query())
	if err != nil {
		return ClientQuery{}, err
	}
	if err := VerifyCertExchangeOS(cq); err != nil {
		return ClientQuery{}, err
	}
	return cq, nil
}

// MutualTLS returns the strategy for the secure listener. Client
// certificates are verified by cfg at the TLS layer; the identity is still
// taken from the handshake query.
func MutualTLS(cfg *tls.Config) Strategy { return mutualTLSStrategy{cfg: cfg} }

type mutualTLSStrategy struct {
	cfg *tls.Config
}

func (s mutualTLSStrategy) Name() string           { return "secure" }
func (s mutualTLSStrategy) TLSConfig() *tls.Config { return s.cfg }

// VerifyClient allows everyone: the client already presented a
// certificate signed by our CA.
func (mutualTLSStrategy) VerifyClient(*http.Request) bool { return true }

func (mutualTLSStrategy) ResolveIdentity(r *http.Request) (ClientQuery, error) {
	if r.TLS == nil {
		return ClientQuery{}, errors.New("secure connection without TLS state")
	}
	return ParseSecureClientQuery(r.URL.Query())
}
