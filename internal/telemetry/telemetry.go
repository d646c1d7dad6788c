// Package telemetry builds the zap logger and the OpenTelemetry tracer used
// across MemLiner.
//
// No tracer provider is installed here: spans go to whatever provider the
// embedding program registered with otel.SetTracerProvider, and are dropped
// by the global no-op provider otherwise.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mahaoran1997/MemLiner/internal/config"
)

// TracerName is the instrumentation scope of every MemLiner span.
const TracerName = "github.com/mahaoran1997/MemLiner"

// Tracer returns the MemLiner tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

// NewLogger builds a logger for cfg: JSON production encoding by default,
// console encoding when cfg.Development is set.
func NewLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build logger: %w", err)
	}
	return l.Named("memliner"), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
