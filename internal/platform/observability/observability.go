package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config toggles instrumentation. All hooks are no-ops while disabled.
type Config struct {
	Enabled bool
}

// ShutdownFunc tears down any exporters installed by Setup.
type ShutdownFunc func(context.Context) error

type hooks struct {
	logger  *slog.Logger
	enabled bool
}

var active atomic.Pointer[hooks]

func current() *hooks {
	if h := active.Load(); h != nil {
		return h
	}
	return &hooks{}
}

// Setup installs the slog-backed span and metric hooks. The returned shutdown
// function uninstalls them.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	active.Store(&hooks{logger: logger, enabled: cfg.Enabled})

	if logger != nil {
		if cfg.Enabled {
			logger.InfoContext(ctx, "observability hooks enabled")
		} else {
			logger.InfoContext(ctx, "observability hooks disabled")
		}
	}
	return func(context.Context) error {
		active.Store(&hooks{})
		return nil
	}, nil
}

// StartSpan marks the start of an operation and returns a finish function
// that records its duration and outcome. Spans log at debug level, errors at
// error level; there is no trace propagation beyond the context.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	h := current()
	if !h.enabled || h.logger == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	h.logger.LogAttrs(ctx, slog.LevelDebug, "span start",
		slog.String("component", component),
		slog.String("operation", operation),
	)

	return ctx, func(err error) {
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			level = slog.LevelError
			attrs = append(attrs, slog.Any("error", err))
		}
		h.logger.LogAttrs(ctx, level, "span end", attrs...)
	}
}

// RecordMetric emits one datapoint through the configured logger. Values are
// best-effort; a nil logger drops them silently.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	h := current()
	if !h.enabled || h.logger == nil {
		return
	}

	attrs := make([]slog.Attr, 0, len(labels)+2)
	attrs = append(attrs,
		slog.String("metric", name),
		slog.Float64("value", value),
	)
	for k, v := range labels {
		attrs = append(attrs, slog.String(k, v))
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "metric", attrs...)
}
