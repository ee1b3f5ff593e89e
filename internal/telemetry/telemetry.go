// Package telemetry wires OpenTelemetry tracing and metrics across the
// coordinator's state transitions and external calls. With no OTLP
// endpoint configured it runs with the SDK's no-op-adjacent default
// exporters (spans/metrics are still recorded in-process, just not
// shipped anywhere) so instrumentation code paths are always exercised.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/partyvault/coordinator"

// Telemetry bundles the tracer and the coordinator's named counters.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	VotesCast          metric.Int64Counter
	RequestsCompleted  metric.Int64Counter
	RequestsFailed     metric.Int64Counter
	RequestsRejected   metric.Int64Counter
	OracleRetries      metric.Int64Counter
	KDFRetries         metric.Int64Counter

	shutdown func(context.Context) error
}

// Setup configures global tracer/meter providers. If otlpEndpoint is
// empty, spans and metrics are recorded by the SDK but never exported —
// useful for tests and for deployments that only want local counters.
func Setup(ctx context.Context, serviceName, otlpEndpoint string) (*Telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	var mp *sdkmetric.MeterProvider
	var shutdowns []func(context.Context) error

	if otlpEndpoint != "" {
		traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(otlpEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
		shutdowns = append(shutdowns, tp.Shutdown)

		metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(otlpEndpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
		shutdowns = append(shutdowns, mp.Shutdown)
	} else {
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		shutdowns = append(shutdowns, tp.Shutdown, mp.Shutdown)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(instrumentationName)

	t := &Telemetry{
		Tracer: tp.Tracer(instrumentationName),
		Meter:  meter,
		shutdown: func(ctx context.Context) error {
			var firstErr error
			for _, fn := range shutdowns {
				if err := fn(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}

	if t.VotesCast, err = meter.Int64Counter("coordinator.votes_cast"); err != nil {
		return nil, err
	}
	if t.RequestsCompleted, err = meter.Int64Counter("coordinator.requests_completed"); err != nil {
		return nil, err
	}
	if t.RequestsFailed, err = meter.Int64Counter("coordinator.requests_failed"); err != nil {
		return nil, err
	}
	if t.RequestsRejected, err = meter.Int64Counter("coordinator.requests_rejected"); err != nil {
		return nil, err
	}
	if t.OracleRetries, err = meter.Int64Counter("coordinator.oracle_retries"); err != nil {
		return nil, err
	}
	if t.KDFRetries, err = meter.Int64Counter("coordinator.kdf_retries"); err != nil {
		return nil, err
	}

	return t, nil
}

// StartSpan opens a span named name, scoped to the coordinator's
// instrumentation tracer. Callers defer the returned end func
// unconditionally; a nil *Telemetry yields a no-op span and an
// unmodified context, so call sites don't need a nil check.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	if t == nil || t.Tracer == nil {
		return ctx, func() {}
	}
	ctx, span := t.Tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Shutdown flushes and closes the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
