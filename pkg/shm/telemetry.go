package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmptr/pkg/shm"

type telemetry struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	destroys metric.Int64Counter
}

func newTelemetry(o Options) *telemetry {
	t := &telemetry{tracer: o.Tracer}
	if t.tracer == nil {
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := o.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	var err error
	if t.ops, err = meter.Int64Counter("shmptr.operations",
		metric.WithDescription("Pointer lifecycle operations by op and result.")); err != nil {
		internalLogger.warnf("otel counter shmptr.operations: %v", err)
		t.ops, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("shmptr.operations")
	}
	if t.destroys, err = meter.Int64Counter("shmptr.payload.destroyed",
		metric.WithDescription("Shared payloads destructed by this process.")); err != nil {
		internalLogger.warnf("otel counter shmptr.payload.destroyed: %v", err)
		t.destroys, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("shmptr.payload.destroyed")
	}
	return t
}

func (t *telemetry) start(ctx context.Context, op, key string, policy Policy) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shmptr."+op, trace.WithAttributes(
		attribute.String("shmptr.key", key),
		attribute.String("shmptr.policy", policy.String()),
	))
}

// finish records the outcome of op on span, the otel counter and the
// process-wide prometheus counter.
func (t *telemetry) finish(ctx context.Context, span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = CodeOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
	operationsTotal.WithLabelValues(op, result).Inc()
	span.End()
}

func (t *telemetry) destroyed(ctx context.Context, key string) {
	t.destroys.Add(ctx, 1, metric.WithAttributes(attribute.String("shmptr.key", key)))
	payloadsDestroyed.Inc()
}
