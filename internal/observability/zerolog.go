package observability

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface. It is the
// production implementation wired by the escrowd daemon.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a structured logger writing to w at the given level.
func NewZerologLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &ZerologLogger{logger: logger}
}

// Debug logs at debug level with structured fields.
func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	attach(z.logger.Debug(), fields).Msg(msg)
}

// Info logs at info level with structured fields.
func (z *ZerologLogger) Info(msg string, fields ...Field) {
	attach(z.logger.Info(), fields).Msg(msg)
}

// Warn logs at warn level with structured fields.
func (z *ZerologLogger) Warn(msg string, fields ...Field) {
	attach(z.logger.Warn(), fields).Msg(msg)
}

// Error logs at error level with structured fields.
func (z *ZerologLogger) Error(msg string, fields ...Field) {
	attach(z.logger.Error(), fields).Msg(msg)
}

func attach(evt *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		evt = evt.Interface(f.Key, f.Value)
	}
	return evt
}
