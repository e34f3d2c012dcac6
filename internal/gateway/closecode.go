package gateway

// CloseCode is a WebSocket close status code (RFC 6455 §7.4.1). Only the
// codes the gateway sends are defined.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
	CloseInternalError CloseCode = 1011
)
