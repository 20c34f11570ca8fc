package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/property-exchange/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of settlement metrics
const MeterName = "github.com/property-exchange/settlement"

// Metrics records settlement outcomes
type Metrics struct {
	settlements       metric.Int64Counter
	settlementLatency metric.Float64Histogram
	ledgerCalls       metric.Int64Counter
	reconciliations   metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName))
}

// NewMetricsWithMeter creates instruments on the given meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	settlements, err := meter.Int64Counter(
		"settlements_total",
		metric.WithDescription("Settlement attempts by final state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlements_total counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"settlement_duration_seconds",
		metric.WithDescription("Time from validation to final state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement_duration_seconds histogram: %w", err)
	}

	ledgerCalls, err := meter.Int64Counter(
		"ledger_calls_total",
		metric.WithDescription("Ledger calls by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger_calls_total counter: %w", err)
	}

	reconciliations, err := meter.Int64Counter(
		"reconciliations_total",
		metric.WithDescription("Unresolved attempts processed by reconciliation, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliations_total counter: %w", err)
	}

	return &Metrics{
		settlements:       settlements,
		settlementLatency: latency,
		ledgerCalls:       ledgerCalls,
		reconciliations:   reconciliations,
	}, nil
}

// RecordSettlement counts one attempt and its duration
func (m *Metrics) RecordSettlement(ctx context.Context, side types.TradeSide, state types.SettlementState, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("side", string(side)),
		attribute.String("state", string(state)),
	)
	m.settlements.Add(ctx, 1, attrs)
	m.settlementLatency.Record(ctx, duration.Seconds(), attrs)
}

// RecordLedgerCall counts a ledger call. outcome is ok, rejected, ambiguous or unavailable.
func (m *Metrics) RecordLedgerCall(ctx context.Context, op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordReconciliation counts one reconciled attempt
func (m *Metrics) RecordReconciliation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
