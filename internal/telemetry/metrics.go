package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/deniskropp/t170/orchestrator"

// Dispatch outcomes recorded by RecordDispatch.
const (
	OutcomeAssigned    = "assigned"
	OutcomeBlocked     = "blocked"
	OutcomeUnassigned  = "unassigned"
	OutcomeNoAgent     = "no_agent"
	OutcomeStoreError  = "store_error"
	OutcomeSynthesized = "synthesized"
)

// Metrics holds the dispatcher's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	dispatches  metric.Int64Counter
	completions metric.Int64Counter
	syntheses   metric.Int64Counter
	busFailures metric.Int64Counter
	cycleTime   metric.Float64Histogram
}

// NewMetrics creates instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates instruments on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	dispatches, err := meter.Int64Counter(
		"multipersona.dispatch.results",
		metric.WithDescription("Dispatch results by outcome and role"),
	)
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter(
		"multipersona.task.completions",
		metric.WithDescription("Tasks leaving in-progress by status"),
	)
	if err != nil {
		return nil, err
	}

	syntheses, err := meter.Int64Counter(
		"multipersona.role.syntheses",
		metric.WithDescription("Role synthesis attempts, split by fallback use"),
	)
	if err != nil {
		return nil, err
	}

	busFailures, err := meter.Int64Counter(
		"multipersona.bus.failures",
		metric.WithDescription("Failed subscriber or consumer invocations by queue"),
	)
	if err != nil {
		return nil, err
	}

	cycleTime, err := meter.Float64Histogram(
		"multipersona.dispatch.cycle.duration",
		metric.WithDescription("Duration of one dispatch batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		dispatches:  dispatches,
		completions: completions,
		syntheses:   syntheses,
		busFailures: busFailures,
		cycleTime:   cycleTime,
	}, nil
}

// RecordDispatch counts one per-task dispatch result.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome, role string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("role", role),
	))
}

// RecordCompletion counts a task reaching completed or failed.
func (m *Metrics) RecordCompletion(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSynthesis counts a role synthesis.
func (m *Metrics) RecordSynthesis(ctx context.Context, fallback bool) {
	if m == nil {
		return
	}
	m.syntheses.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fallback", fallback)))
}

// RecordBusFailure counts a failed message handler.
func (m *Metrics) RecordBusFailure(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.busFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordCycle records the duration of one dispatch batch in seconds.
func (m *Metrics) RecordCycle(ctx context.Context, seconds float64, results int) {
	if m == nil {
		return
	}
	m.cycleTime.Record(ctx, seconds, metric.WithAttributes(attribute.Int("results", results)))
}
