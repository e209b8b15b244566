package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// EscrowMetrics bundles the instruments recorded by the escrow runtime.
type EscrowMetrics struct {
	escrowsCreated metric.Int64Counter
	deposits       metric.Int64Counter
	fills          metric.Int64Counter
	fillDstAmount  metric.Int64Histogram
	rejections     metric.Int64Counter
	legs           metric.Int64Counter
	legsInFlight   metric.Int64UpDownCounter
	lostAmount     metric.Int64UpDownCounter
	closes         metric.Int64Counter
	sweeps         metric.Int64Counter
	cleanups       metric.Int64Counter
}

// NewEscrowMetrics creates the escrow instrument set on the given meter.
func NewEscrowMetrics(meter metric.Meter) (*EscrowMetrics, error) {
	m := &EscrowMetrics{}
	var err error

	if m.escrowsCreated, err = meter.Int64Counter("escrowd_escrows_created_total",
		metric.WithDescription("Escrow instances created"),
		metric.WithUnit("{escrow}")); err != nil {
		return nil, err
	}
	if m.deposits, err = meter.Int64Counter("escrowd_deposits_total",
		metric.WithDescription("Accepted maker deposits"),
		metric.WithUnit("{deposit}")); err != nil {
		return nil, err
	}
	if m.fills, err = meter.Int64Counter("escrowd_fills_total",
		metric.WithDescription("Settled taker fills"),
		metric.WithUnit("{fill}")); err != nil {
		return nil, err
	}
	if m.fillDstAmount, err = meter.Int64Histogram("escrowd_fill_dst_amount",
		metric.WithDescription("Destination amount consumed per fill, in base units"),
		metric.WithUnit("{unit}")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("escrowd_rejections_total",
		metric.WithDescription("Entry-point calls rejected by code"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.legs, err = meter.Int64Counter("escrowd_transfer_legs_total",
		metric.WithDescription("Transfer legs resolved, by kind and result"),
		metric.WithUnit("{leg}")); err != nil {
		return nil, err
	}
	if m.legsInFlight, err = meter.Int64UpDownCounter("escrowd_transfer_legs_in_flight",
		metric.WithDescription("Outstanding asynchronous transfer legs"),
		metric.WithUnit("{leg}")); err != nil {
		return nil, err
	}
	if m.lostAmount, err = meter.Int64UpDownCounter("escrowd_lost_amount",
		metric.WithDescription("Maker-side amounts awaiting lost-and-found retry, in base units"),
		metric.WithUnit("{unit}")); err != nil {
		return nil, err
	}
	if m.closes, err = meter.Int64Counter("escrowd_closes_total",
		metric.WithDescription("Escrow close transitions, by reason"),
		metric.WithUnit("{close}")); err != nil {
		return nil, err
	}
	if m.sweeps, err = meter.Int64Counter("escrowd_sweeps_total",
		metric.WithDescription("Sweep operations dispatched"),
		metric.WithUnit("{sweep}")); err != nil {
		return nil, err
	}
	if m.cleanups, err = meter.Int64Counter("escrowd_cleanups_total",
		metric.WithDescription("Escrow instances irreversibly torn down"),
		metric.WithUnit("{escrow}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCreated counts a new escrow instance.
func (m *EscrowMetrics) RecordCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.escrowsCreated.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// RecordDeposit counts an accepted maker deposit.
func (m *EscrowMetrics) RecordDeposit(ctx context.Context, asset string) {
	if m == nil {
		return
	}
	m.deposits.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrAsset.String(asset),
	))
}

// RecordFill counts a settled fill and its consumed destination amount.
func (m *EscrowMetrics) RecordFill(ctx context.Context, srcAsset, dstAsset string, dstUsed uint64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FillAttributes(Environment(), srcAsset, dstAsset)...)
	m.fills.Add(ctx, 1, attrs)
	m.fillDstAmount.Record(ctx, clampInt64(dstUsed), attrs)
}

// RecordRejection counts a rejected entry-point call.
func (m *EscrowMetrics) RecordRejection(ctx context.Context, operation, code string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(RejectionAttributes(Environment(), operation, code)...))
}

// RecordLegIssued tracks a newly dispatched transfer leg.
func (m *EscrowMetrics) RecordLegIssued(ctx context.Context, legKind string) {
	if m == nil {
		return
	}
	m.legsInFlight.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrLegKind.String(legKind),
	))
}

// RecordLegResolved tracks a resolved transfer leg and its outcome.
func (m *EscrowMetrics) RecordLegResolved(ctx context.Context, legKind, result string) {
	if m == nil {
		return
	}
	m.legsInFlight.Add(ctx, -1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrLegKind.String(legKind),
	))
	m.legs.Add(ctx, 1, metric.WithAttributes(LegAttributes(Environment(), legKind, result)...))
}

// RecordLost adjusts the outstanding lost-and-found balance.
func (m *EscrowMetrics) RecordLost(ctx context.Context, side string, delta int64) {
	if m == nil {
		return
	}
	m.lostAmount.Add(ctx, delta, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrAssetSide.String(side),
	))
}

// RecordClose counts a close transition.
func (m *EscrowMetrics) RecordClose(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.closes.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrCloseReason.String(reason),
	))
}

// RecordSweep counts a sweep dispatch.
func (m *EscrowMetrics) RecordSweep(ctx context.Context) {
	if m == nil {
		return
	}
	m.sweeps.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// RecordCleanup counts an irreversible teardown.
func (m *EscrowMetrics) RecordCleanup(ctx context.Context) {
	if m == nil {
		return
	}
	m.cleanups.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
