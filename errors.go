package showsound

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotRunning is returned by engine calls made before Start or after Close.
	ErrNotRunning = errors.New("engine not running")
)

// ErrorHandler receives failures from asynchronous engine work, such as
// queued operations that have no caller waiting on them.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors at error level.
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Error("engine error", "error", err)
}

// LoggingErrorHandler wraps another handler and reports each error to a callback first.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error. Useful in tests that must not see one.
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler by panicking.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}
