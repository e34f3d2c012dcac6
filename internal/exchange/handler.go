// Package exchange serves the certificate-exchange bootstrap on the plain
// gateway: a device sends its CSR and receives a client certificate signed
// by the desktop CA, plus the CA certificate to trust the secure listener.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"devbridge/internal/certengine"
	"devbridge/internal/gateway"
)

// MethodSignCertificate is the only method the handler answers.
const MethodSignCertificate = "signCertificate"

// Issuer signs device CSRs. *certengine.Issuer satisfies it.
type Issuer interface {
	ExtractIdentity(ctx context.Context, csr string) (string, error)
	Sign(ctx context.Context, csr string) (string, error)
}

// CASource provides the CA certificate distributed to devices.
// *certengine.CAStore satisfies it.
type CASource interface {
	CertificateBytes() ([]byte, error)
}

// Request is the signCertificate message.
type Request struct {
	Method      string         `json:"method"`
	CSR         string         `json:"csr"`
	Destination string         `json:"destination"`
	Medium      gateway.Medium `json:"medium,omitempty"`
}

// Response carries the files a device needs to connect securely, keyed
// by their on-device file names.
type Response struct {
	DeviceID    string            `json:"deviceId"`
	App         string            `json:"app"`
	Destination string            `json:"destination"`
	Files       map[string]string `json:"files"`
}

// Handler is a gateway.MessageHandler for certificate exchange.
type Handler struct {
	issuer Issuer
	ca     CASource
	logger *zap.Logger
}

// NewHandler returns a handler signing with issuer and distributing ca.
func NewHandler(issuer Issuer, ca CASource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{issuer: issuer, ca: ca, logger: logger.Named("exchange")}
}

// HandleMessage answers signCertificate and ignores every other method.
func (h *Handler) HandleMessage(ctx context.Context, conn *gateway.ConnContext, msg gateway.Message) (any, error) {
	method := msg.Method()
	if method != MethodSignCertificate {
		h.logger.Debug("ignoring message", zap.String("conn_id", conn.ID), zap.String("method", method))
		return nil, nil
	}

	client, ok := conn.Identity()
	if !ok {
		return nil, gateway.ErrIdentityNotResolved
	}

	var req Request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	csr := req.CSR
	if csr == "" {
		// Secure-capable SDKs may send the CSR in the handshake query.
		csr = client.CSR
	}
	if csr == "" {
		return nil, errors.New("signCertificate without csr")
	}
	if req.Destination == "" {
		req.Destination = client.CSRPath
	}

	log := h.logger.With(
		zap.String("conn_id", conn.ID),
		zap.String("device_id", client.DeviceID),
		zap.String("os", client.OS),
	)

	app, err := h.issuer.ExtractIdentity(ctx, csr)
	if err != nil {
		return nil, fmt.Errorf("extract app name: %w", err)
	}
	if app != client.App {
		log.Warn("CSR common name differs from handshake app",
			zap.String("csr_app", app), zap.String("query_app", client.App))
	}

	cert, err := h.issuer.Sign(ctx, csr)
	if err != nil {
		return nil, err
	}
	caPEM, err := h.ca.CertificateBytes()
	if err != nil {
		return nil, err
	}

	log.Info("issued client certificate", zap.String("app", app), zap.String("destination", req.Destination))
	return &Response{
		DeviceID:    client.DeviceID,
		App:         app,
		Destination: req.Destination,
		Files: map[string]string{
			certengine.CSRFileName:          csr,
			certengine.DeviceCACertFile:     string(caPEM),
			certengine.DeviceClientCertFile: cert,
		},
	}, nil
}
