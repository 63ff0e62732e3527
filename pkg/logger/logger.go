// Package logger wraps zerolog with the fields every orchestrator component logs.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Logger is a structured logger bound to a service name.
type Logger struct {
	logger zerolog.Logger
}

// New creates a logger writing JSON lines to w (stdout when nil).
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Infof logs at info level with structured fields.
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	event := l.logger.Info()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Warnf logs at warn level with structured fields.
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	event := l.logger.Warn()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Errorf logs at error level with structured fields.
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	event := l.logger.Error()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField returns a logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithSaga returns a logger carrying the saga identifier.
func (l *Logger) WithSaga(sagaID string) *Logger {
	return &Logger{logger: l.logger.With().Str("sagaId", sagaID).Logger()}
}

// WithStep returns a logger carrying saga and step identifiers.
func (l *Logger) WithStep(sagaID, stepID string) *Logger {
	return &Logger{logger: l.logger.With().
		Str("sagaId", sagaID).
		Str("stepId", stepID).
		Logger()}
}
