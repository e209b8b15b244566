package eventsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/internal/domain/eventlog"
	"github.com/tidemark/escrowd/internal/telemetry"
)

type memoryEventLog struct {
	entries []eventlog.Entry
	fail    error
	nextID  int64
}

func (m *memoryEventLog) Append(_ context.Context, entry eventlog.Entry) (eventlog.Record, error) {
	if m.fail != nil {
		return eventlog.Record{}, m.fail
	}
	m.entries = append(m.entries, entry)
	m.nextID++
	return eventlog.Record{
		ID:        m.nextID,
		EscrowID:  entry.EscrowID,
		Kind:      entry.Kind,
		Payload:   entry.Payload,
		EmittedAt: entry.EmittedAt,
	}, nil
}

func (m *memoryEventLog) ListByEscrow(context.Context, string, int) ([]eventlog.Record, error) {
	return nil, nil
}

func (m *memoryEventLog) ListSince(context.Context, int64, int) ([]eventlog.Record, error) {
	return nil, nil
}

func testEvent(kind events.Kind, payload any) events.Event {
	return events.New("escrow-abc", kind, payload, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestStoreSinkAppends(t *testing.T) {
	store := &memoryEventLog{}
	sink := StoreSink(store)
	if sink.ID != "eventlog" {
		t.Fatalf("sink id = %q", sink.ID)
	}

	evt := testEvent(events.KindFunded, events.Funded{Maker: "maker.alice", SrcAdded: 1000})
	if err := sink.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.EscrowID != "escrow-abc" || entry.Kind != "funded" || len(entry.Payload) == 0 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestStoreSinkPropagatesFailure(t *testing.T) {
	store := &memoryEventLog{fail: errors.New("connection reset")}
	sink := StoreSink(store)
	if err := sink.Deliver(context.Background(), testEvent(events.KindCreated, nil)); err == nil {
		t.Fatal("append failure must propagate")
	}
}

func TestMetricsSinkHandlesAllKinds(t *testing.T) {
	metrics, err := telemetry.NewEscrowMetrics(otel.Meter("eventsink.test"))
	if err != nil {
		t.Fatalf("NewEscrowMetrics: %v", err)
	}
	sink := MetricsSink(metrics)

	cases := []events.Event{
		testEvent(events.KindCreated, nil),
		testEvent(events.KindFunded, events.Funded{SrcAsset: "asset.usdc", SrcAdded: 1000}),
		testEvent(events.KindFilled, events.Filled{SrcAsset: "asset.usdc", DstAsset: "asset.weth", TakerDstUsed: 2000}),
		testEvent(events.KindMakerLost, events.MakerLost{Side: "dst", Asset: "asset.weth", Amount: 100}),
		testEvent(events.KindMakerRecovered, events.MakerRecovered{Side: "dst", Asset: "asset.weth", Amount: 100}),
		testEvent(events.KindClosed, events.Closed{Reason: events.ReasonByMaker}),
		testEvent(events.KindCleanup, nil),
	}
	for _, evt := range cases {
		if err := sink.Deliver(context.Background(), evt); err != nil {
			t.Fatalf("Deliver(%s): %v", evt.Kind, err)
		}
	}
}

// The lost-amount gauge must mirror the lost-and-found ledger: a failed retry
// does not grow it, a recovered amount shrinks it back to zero.
func TestMetricsSinkLostGaugeTracksRecovery(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := telemetry.NewEscrowMetrics(provider.Meter("eventsink.test"))
	if err != nil {
		t.Fatalf("NewEscrowMetrics: %v", err)
	}
	sink := MetricsSink(metrics)

	deliver := func(evt events.Event) {
		t.Helper()
		if err := sink.Deliver(context.Background(), evt); err != nil {
			t.Fatalf("Deliver(%s): %v", evt.Kind, err)
		}
	}

	deliver(testEvent(events.KindMakerLost, events.MakerLost{Side: "dst", Asset: "asset.weth", Amount: 2000}))
	if got := lostGaugeValue(t, reader); got != 2000 {
		t.Fatalf("lost gauge after loss = %d, want 2000", got)
	}

	deliver(testEvent(events.KindMakerLost, events.MakerLost{Side: "dst", Asset: "asset.weth", Amount: 2000, Retry: true}))
	if got := lostGaugeValue(t, reader); got != 2000 {
		t.Fatalf("lost gauge after failed retry = %d, want 2000", got)
	}

	deliver(testEvent(events.KindMakerRecovered, events.MakerRecovered{Side: "dst", Asset: "asset.weth", Amount: 2000}))
	if got := lostGaugeValue(t, reader); got != 0 {
		t.Fatalf("lost gauge after recovery = %d, want 0", got)
	}
}

func lostGaugeValue(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "escrowd_lost_amount" {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetricsSinkToleratesNilMetrics(t *testing.T) {
	sink := MetricsSink(nil)
	if err := sink.Deliver(context.Background(), testEvent(events.KindCreated, nil)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}
