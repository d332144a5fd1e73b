// Package telemetry provides thin counter/histogram/gauge helpers over
// go.opentelemetry.io/otel/metric. It deliberately stops at the
// instrumentation-point API: no SDK, no OTLP exporter is wired here, since
// this CORE's Non-goals exclude dashboards/alerting. A host process that
// wants the data can install its own MeterProvider via otel.SetMeterProvider;
// absent that, the global no-op provider makes every call a cheap no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/chiqo-ke/algoforge"

var meter = otel.Meter(meterName)

// Counter increments a named counter by one, tagged with the given
// attribute key/value pairs (must be an even-length list of strings).
func Counter(name string, kv ...string) {
	c, err := meter.Int64Counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs(kv)...))
}

// Histogram records a value (e.g. latency in milliseconds) against a named
// histogram instrument.
func Histogram(name string, value float64, kv ...string) {
	h, err := meter.Float64Histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs(kv)...))
}

// Gauge records an instantaneous value against a named synchronous gauge
// instrument; each call records the value itself, not a delta.
func Gauge(name string, value float64, kv ...string) {
	g, err := meter.Float64Gauge(name)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrs(kv)...))
}

func attrs(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}
