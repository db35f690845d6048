package logging

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

type correlationKey struct{}

// Init builds the process logger. Production uses JSON with ISO-8601
// timestamps, anything else the colored development encoder.
func Init(env, level string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(l)
	return nil
}

func SetLogger(l *zap.Logger) { logger.Store(l) }

func L() *zap.Logger { return logger.Load() }

func Sync() { _ = L().Sync() }

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	L().Info(msg, withContext(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	L().Warn(msg, withContext(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	L().Debug(msg, withContext(ctx, fields)...)
}

func Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	L().Error(msg, withContext(ctx, fields)...)
}

// withContext appends trace and correlation identifiers carried by ctx.
func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if id := CorrelationID(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		fields = append(fields, zap.String("span_id", sc.SpanID().String()))
	}
	return fields
}
