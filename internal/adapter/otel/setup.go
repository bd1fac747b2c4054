// Package otel provides a stub for OpenTelemetry tracing setup. Metric
// instruments are created against the global meter provider; without an
// exporter configured they are no-ops.
package otel

import (
	"context"
	"log/slog"
)

// ShutdownFunc is called to flush and shut down the trace provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer returns a no-op shutdown function. An OTLP exporter and
// TracerProvider can be wired here without touching call sites.
func InitTracer(serviceName string) ShutdownFunc {
	slog.Info("otel stub: InitTracer called", "service", serviceName)
	return func(_ context.Context) error {
		return nil
	}
}
