package handlers

import (
	"context"
	"log/slog"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// LogHandler forwards a plugin's Log requests to an slog.Logger.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler builds a LogHandler. A nil logger means slog.Default().
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// Handle records the log message at the mapped level and acknowledges it.
func (h *LogHandler) Handle(ctx context.Context, req *messages.Message) (any, error) {
	payload, err := messages.DecodePayload[messages.LogRequest](req)
	if err != nil {
		return nil, err
	}
	h.logger.Log(ctx, slogLevel(payload.LogLevel), payload.Message, "origin", "plugin")
	return &messages.LogResponse{ResponseCode: messages.ResponseSuccess}, nil
}

// slogLevel collapses the protocol's six log levels onto slog's four.
func slogLevel(l messages.LogLevel) slog.Level {
	switch l {
	case messages.LogDebug, messages.LogVerbose:
		return slog.LevelDebug
	case messages.LogWarning:
		return slog.LevelWarn
	case messages.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
