// Package telemetry wires the ambient logging/metrics/tracing stack
// shared by every component (spec §9 ambient concerns, carried
// regardless of feature Non-goals). Grounded on the teacher's
// project-wide internal/observability convention: one component logger
// per package, a shared Prometheus registry, and an OTel tracer provider.
package telemetry

import (
	"log/slog"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logging/metrics/tracing handles a component
// constructor takes, so call sites pass one value instead of three.
type Telemetry struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Tracer   trace.Tracer
}

// New builds a Telemetry bundle with a default Prometheus registry and
// the globally configured OTel tracer provider.
func New(component string) Telemetry {
	return Telemetry{
		Logger:   slog.Default().With("component", component),
		Registry: prometheus.NewRegistry(),
		Tracer:   otel.Tracer("github.com/qaforge/orchestrator-core/" + component),
	}
}

// Counter is a small helper around a prometheus.CounterVec used by the
// router and analysis worker for named, labeled counters (spec §4.5
// "Maintain routing counters").
type Counter struct {
	vec *prometheus.CounterVec
}

// NewCounter registers and returns a labeled counter on reg.
func NewCounter(reg *prometheus.Registry, name, help string, labels ...string) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labels)
	reg.MustRegister(vec)
	return Counter{vec: vec}
}

// IsSet reports whether the counter was actually registered. The zero
// Counter (telemetry disabled) is not set.
func (c Counter) IsSet() bool {
	return c.vec != nil
}

// Inc increments the counter for the given label values. A no-op on the
// zero Counter, so components can use telemetry.Counter fields without a
// nil check at every call site when telemetry is disabled.
func (c Counter) Inc(labelValues ...string) {
	if c.vec == nil {
		return
	}
	c.vec.WithLabelValues(labelValues...).Inc()
}

// Value returns the current value for the given label values (for tests
// and diagnostics; not part of the Prometheus scrape path).
func (c Counter) Value(labelValues ...string) float64 {
	metric, err := c.vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
