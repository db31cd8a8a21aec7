// Package observer provides OTEL-based observability for meander workflow
// executions.
//
// It implements meander.Observer and meander.Tracer on OpenTelemetry,
// emitting traces, metrics, and logs for node dispatch, agent calls,
// checkpoints, planner runs, and lifecycle events. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/meander/observer"

// Instruments holds all OTEL instruments used by the workflow observer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	NodeExecutions  metric.Int64Counter
	AgentCalls      metric.Int64Counter
	Checkpoints     metric.Int64Counter
	Backtracks      metric.Int64Counter
	PlannerRuns     metric.Int64Counter
	PlanSteps       metric.Int64Counter
	ExecutionsEnded metric.Int64Counter

	// Histograms
	NodeDuration  metric.Float64Histogram
	AgentDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("meander")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	nodeExecutions, err := meter.Int64Counter("workflow.node.executions",
		metric.WithDescription("Node execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	agentCalls, err := meter.Int64Counter("workflow.agent.calls",
		metric.WithDescription("Agent call count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter("workflow.checkpoints",
		metric.WithDescription("Snapshot checkpoints written"),
		metric.WithUnit("{checkpoint}"))
	if err != nil {
		return nil, err
	}

	backtracks, err := meter.Int64Counter("workflow.backtracks",
		metric.WithDescription("Backtrack events (rubric, review, retry exhaustion)"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	plannerRuns, err := meter.Int64Counter("workflow.planner.runs",
		metric.WithDescription("Planner run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	planSteps, err := meter.Int64Counter("workflow.plan.steps",
		metric.WithDescription("Executed plan step count"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	executionsEnded, err := meter.Int64Counter("workflow.executions.ended",
		metric.WithDescription("Executions reaching a terminal outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Node dispatch duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	agentDuration, err := meter.Float64Histogram("workflow.agent.duration",
		metric.WithDescription("Agent call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		NodeExecutions:  nodeExecutions,
		AgentCalls:      agentCalls,
		Checkpoints:     checkpoints,
		Backtracks:      backtracks,
		PlannerRuns:     plannerRuns,
		PlanSteps:       planSteps,
		ExecutionsEnded: executionsEnded,
		NodeDuration:    nodeDuration,
		AgentDuration:   agentDuration,
	}, nil
}
