package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"devbridge/internal/gateway"
)

// eventListener logs gateway lifecycle events.
type eventListener struct {
	logger *zap.Logger
}

func newEventListener(logger *zap.Logger, transport string) *eventListener {
	return &eventListener{logger: logger.With(zap.String("transport", transport))}
}

func (l *eventListener) OnListening(port int) {
	l.logger.Info("gateway listening", zap.Int("port", port))
}

func (l *eventListener) OnConnectionAttempt(client gateway.ClientQuery) {
	l.logger.Info("connection attempt",
		zap.String("app", client.App),
		zap.String("device", client.Device),
		zap.String("device_id", client.DeviceID),
		zap.String("os", client.OS),
		zap.Stringer("medium", client.Medium),
	)
}

func (l *eventListener) OnError(err error) {
	var runtimeErr *gateway.ServerRuntimeError
	if errors.As(err, &runtimeErr) {
		l.logger.Error("gateway runtime error", zap.Error(err))
		return
	}
	// Connection errors are already logged by the gateway with full context.
	l.logger.Debug("connection closed with error", zap.Error(err))
}

// logOnlyHandler records frames from authenticated devices and sends no
// response.
type logOnlyHandler struct {
	logger *zap.Logger
}

func (h logOnlyHandler) HandleMessage(_ context.Context, conn *gateway.ConnContext, msg gateway.Message) (any, error) {
	client, _ := conn.Identity()
	h.logger.Debug("message received",
		zap.String("conn_id", conn.ID),
		zap.String("app", client.App),
		zap.String("method", msg.Method()),
	)
	return nil, nil
}
