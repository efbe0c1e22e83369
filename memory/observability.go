package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/biem/memory"

// observability carries the OTel tracer and instruments for the two hot
// pipelines. Instruments are created against the global providers, so all
// of this is noop until telemetry.Init registers real ones. A nil
// *observability is valid and records nothing.
type observability struct {
	tracer trace.Tracer

	ingestTotal    metric.Int64Counter
	recallTotal    metric.Int64Counter
	signalTotal    metric.Int64Counter
	activeOps      metric.Int64UpDownCounter
	ingestDuration metric.Float64Histogram
	recallDuration metric.Float64Histogram
}

func newObservability() (*observability, error) {
	meter := otel.Meter(instrumentationName)
	o := &observability{tracer: otel.Tracer(instrumentationName)}

	var err error
	o.ingestTotal, err = meter.Int64Counter("biem.memory.ingest.total",
		metric.WithDescription("Fragments ingested"),
		metric.WithUnit("{fragment}"))
	if err != nil {
		return nil, err
	}
	o.recallTotal, err = meter.Int64Counter("biem.memory.recall.total",
		metric.WithDescription("Recall queries served"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	o.signalTotal, err = meter.Int64Counter("biem.memory.dissonance.total",
		metric.WithDescription("Dissonance signals raised during ingest"),
		metric.WithUnit("{signal}"))
	if err != nil {
		return nil, err
	}
	o.activeOps, err = meter.Int64UpDownCounter("biem.memory.ops.active",
		metric.WithDescription("Pipeline operations in flight"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, err
	}
	o.ingestDuration, err = meter.Float64Histogram("biem.memory.ingest.duration",
		metric.WithDescription("Ingest pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		return nil, err
	}
	o.recallDuration, err = meter.Float64Histogram("biem.memory.recall.duration",
		metric.WithDescription("Recall pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// startSpan opens a pipeline span tagged with the scope. On a nil receiver
// it returns the context untouched with its current (possibly noop) span.
func (o *observability) startSpan(ctx context.Context, name, scope string) (context.Context, trace.Span) {
	if o == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("biem.scope", scope)))
	o.activeOps.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", name)))
	return ctx, span
}

func (o *observability) endIngest(ctx context.Context, span trace.Span, scope, status string, signals int, d time.Duration) {
	if o == nil {
		return
	}
	defer span.End()
	span.SetAttributes(
		attribute.String("biem.status", status),
		attribute.Int("biem.signals", signals),
	)
	attrs := metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("status", status),
	)
	o.activeOps.Add(ctx, -1, metric.WithAttributes(attribute.String("operation", "memory.ingest")))
	o.ingestTotal.Add(ctx, 1, attrs)
	o.ingestDuration.Record(ctx, d.Seconds(), attrs)
	if signals > 0 {
		o.signalTotal.Add(ctx, int64(signals), metric.WithAttributes(attribute.String("scope", scope)))
	}
}

func (o *observability) endRecall(ctx context.Context, span trace.Span, scope, status string, results int, d time.Duration) {
	if o == nil {
		return
	}
	defer span.End()
	span.SetAttributes(
		attribute.String("biem.status", status),
		attribute.Int("biem.results", results),
	)
	attrs := metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("status", status),
	)
	o.activeOps.Add(ctx, -1, metric.WithAttributes(attribute.String("operation", "memory.recall")))
	o.recallTotal.Add(ctx, 1, attrs)
	o.recallDuration.Record(ctx, d.Seconds(), attrs)
}
