package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateAccepted State = iota
	StateIdentityResolved
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateIdentityResolved:
		return "identity_resolved"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const closeWriteTimeout = time.Second

// ConnContext is the per-connection context passed to the message handler.
type ConnContext struct {
	ID        string
	Transport string
	Request   *http.Request

	conn      *websocket.Conn
	closeOnce sync.Once

	mu       sync.Mutex
	identity *ClientQuery
	state    State
}

func newConnContext(conn *websocket.Conn, r *http.Request, transport string) *ConnContext {
	return &ConnContext{
		ID:        uuid.NewString(),
		Transport: transport,
		Request:   r,
		conn:      conn,
		state:     StateAccepted,
	}
}

// Identity returns the resolved client identity. ok is false until the
// handshake query has been accepted.
func (c *ConnContext) Identity() (cq ClientQuery, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ClientQuery{}, false
	}
	return *c.identity, true
}

// State returns the connection's current state.
func (c *ConnContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnContext) setIdentity(cq ClientQuery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return ErrIdentityAlreadySet
	}
	c.identity = &cq
	c.state = StateIdentityResolved
	return nil
}

func (c *ConnContext) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

// close sends a close frame with code and reason, then drops the socket.
// Only the first call has an effect.
func (c *ConnContext) close(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(int(code), reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		_ = c.conn.Close()
		c.setState(StateClosed)
	})
}

func (c *ConnContext) fields() []zap.Field {
	fields := []zap.Field{zap.String("conn_id", c.ID)}
	if cq, ok := c.Identity(); ok {
		fields = append(fields,
			zap.String("app", cq.App),
			zap.String("device_id", cq.DeviceID),
			zap.String("os", cq.OS),
		)
	}
	return fields
}
