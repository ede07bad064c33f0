package seqindex

import (
	"errors"
	"log/slog"
	"time"
)

// ErrorHandler receives structural faults. It is a one-way sink: faults are
// reported and then swallowed by the index.
//
// Readers may call OnError from any goroutine.
type ErrorHandler interface {
	OnError(err error)
}

// ErrorHandlerFunc adapts a function to [ErrorHandler].
type ErrorHandlerFunc func(err error)

// OnError calls f(err).
func (f ErrorHandlerFunc) OnError(err error) { f(err) }

var discardHandler ErrorHandler = ErrorHandlerFunc(func(error) {})

// LogHandler logs every fault at warn level.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler returns a handler logging to logger. A nil logger uses
// [slog.Default].
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogHandler{logger: logger}
}

// OnError logs err with the fault's kind and byte range as attributes.
func (h *LogHandler) OnError(err error) {
	attrs := []any{slog.String("kind", FaultKind(err))}

	var f *Fault
	if errors.As(err, &f) {
		if f.Path != "" {
			attrs = append(attrs, slog.String("path", f.Path))
		}

		if f.Length > 0 {
			attrs = append(attrs, slog.Int64("offset", f.Offset), slog.Int64("length", f.Length))
		}
	}

	attrs = append(attrs, slog.Any("error", err))

	h.logger.Warn("sequence index fault", attrs...)
}

// FaultKind returns a short stable name for the sentinel err wraps, suitable
// as a metric label.
func FaultKind(err error) string {
	switch {
	case errors.Is(err, ErrHeaderCorrupt):
		return "header_corrupt"
	case errors.Is(err, ErrSectorCorrupt):
		return "sector_corrupt"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "other"
	}
}

// Clock supplies the time used to throttle flushes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
