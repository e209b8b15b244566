// Package eventsink adapts escrow event consumers to the dispatcher fan-out.
package eventsink

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/tidemark/escrowd/core/dispatcher"
	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/internal/domain/eventlog"
	"github.com/tidemark/escrowd/internal/telemetry"
)

// StoreSink persists every event into the append-only event log.
func StoreSink(store eventlog.Store) dispatcher.Subscriber {
	return dispatcher.Subscriber{
		ID: "eventlog",
		Deliver: func(ctx context.Context, evt events.Event) error {
			_, err := store.Append(ctx, eventlog.Entry{
				EscrowID:  evt.EscrowID,
				Kind:      string(evt.Kind),
				Payload:   evt.Payload,
				EmittedAt: evt.EmittedAt,
			})
			if err != nil {
				return fmt.Errorf("append event: %w", err)
			}
			return nil
		},
	}
}

// MetricsSink translates lifecycle events into instrument recordings.
func MetricsSink(metrics *telemetry.EscrowMetrics) dispatcher.Subscriber {
	return dispatcher.Subscriber{
		ID: "metrics",
		Deliver: func(ctx context.Context, evt events.Event) error {
			recordEventMetrics(ctx, metrics, evt)
			return nil
		},
	}
}

func recordEventMetrics(ctx context.Context, metrics *telemetry.EscrowMetrics, evt events.Event) {
	switch evt.Kind {
	case events.KindCreated:
		metrics.RecordCreated(ctx)
	case events.KindFunded:
		var payload events.Funded
		if json.Unmarshal(evt.Payload, &payload) == nil {
			metrics.RecordDeposit(ctx, payload.SrcAsset)
		}
	case events.KindFilled:
		var payload events.Filled
		if json.Unmarshal(evt.Payload, &payload) == nil {
			metrics.RecordFill(ctx, payload.SrcAsset, payload.DstAsset, payload.TakerDstUsed)
		}
	case events.KindMakerLost:
		var payload events.MakerLost
		if json.Unmarshal(evt.Payload, &payload) == nil && !payload.Retry {
			// A failed retry leaves the amount where the original loss
			// already put it on the gauge.
			metrics.RecordLost(ctx, payload.Side, clampDelta(payload.Amount))
		}
	case events.KindMakerRecovered:
		var payload events.MakerRecovered
		if json.Unmarshal(evt.Payload, &payload) == nil {
			metrics.RecordLost(ctx, payload.Side, -clampDelta(payload.Amount))
		}
	case events.KindClosed:
		var payload events.Closed
		if json.Unmarshal(evt.Payload, &payload) == nil {
			metrics.RecordClose(ctx, string(payload.Reason))
		}
	case events.KindCleanup:
		metrics.RecordCleanup(ctx)
	}
}

func clampDelta(amount uint64) int64 {
	if amount > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(amount)
}
