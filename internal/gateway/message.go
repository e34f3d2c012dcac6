package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one decoded frame. It is always a JSON object.
type Message json.RawMessage

// Deframe decodes a text frame into a Message. Anything that is not a
// JSON object is rejected.
func Deframe(frame []byte) (Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("frame is not a JSON object")
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("frame is not valid JSON")
	}
	return Message(trimmed), nil
}

// Method returns the "method" field, or "" when it is absent or not a
// string.
func (m Message) Method() string {
	var env struct {
		Method any `json:"method"`
	}
	if err := json.Unmarshal(m, &env); err != nil {
		return ""
	}
	s, _ := env.Method.(string)
	return s
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return m, nil
}

// MessageHandler receives each frame of an active connection. A non-nil
// response is JSON-encoded and written back; a nil response writes
// nothing. An error closes the connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *ConnContext, msg Message) (any, error)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, conn *ConnContext, msg Message) (any, error)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, conn *ConnContext, msg Message) (any, error) {
	return f(ctx, conn, msg)
}

// Listener observes gateway lifecycle events. Implementations must be safe
// for concurrent use: connection events arrive from many goroutines.
type Listener interface {
	// OnListening reports the bound port after a successful Start.
	OnListening(port int)

	// OnConnectionAttempt reports a client whose identity was resolved.
	OnConnectionAttempt(client ClientQuery)

	// OnError reports connection failures (*ConnError) and listener
	// failures (*ServerRuntimeError).
	OnError(err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnListening(int)                 {}
func (NopListener) OnConnectionAttempt(ClientQuery) {}
func (NopListener) OnError(error)                   {}
