package helpers

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// watermillLogger forwards watermill's internal logging onto a zerolog
// logger. Watermill reports routine router activity at INFO, which would
// bury the application's own logs, so INFO is demoted to DEBUG.
type watermillLogger struct {
	logger zerolog.Logger
}

// NewWatermill wraps logger as a watermill.LoggerAdapter.
func NewWatermill(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

// emit sits one frame between the adapter methods and zerolog, hence
// Caller(2) to report the watermill call site.
func (w *watermillLogger) emit(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	ev.Fields(map[string]interface{}(fields)).Caller(2).Msg(msg)
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.emit(w.logger.Error().Err(err), msg, fields)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.emit(w.logger.Debug(), msg, fields)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.emit(w.logger.Debug(), msg, fields)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.emit(w.logger.Trace(), msg, fields)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(map[string]interface{}(fields)).Logger()
	return &watermillLogger{logger: l}
}
