package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/esiwatch/internal/config"
)

// OTELHook adds trace and span IDs to every log entry carrying a context
// with a recording span.
type OTELHook struct{}

// Run implements zerolog.Hook.
func (OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	span := trace.SpanFromContext(e.GetCtx())
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	if level >= zerolog.ErrorLevel && level <= zerolog.PanicLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// NewLogger builds the process logger from cfg, writing to w.
func NewLogger(cfg config.LogConfig, service string, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{}), nil
}
