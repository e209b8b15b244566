package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/errs"
)

type capturedEvents struct {
	events []events.Event
}

func (c *capturedEvents) Emit(_ context.Context, evt events.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func (c *capturedEvents) kinds() []events.Kind {
	kinds := make([]events.Kind, 0, len(c.events))
	for _, evt := range c.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func (c *capturedEvents) count(kind events.Kind) int {
	n := 0
	for _, evt := range c.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	inst    *Instance
	params  *Params
	tr      *recordingTransferor
	emitted *capturedEvents
	cleaned []string
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	params := baseParams()
	params.PartialFillsAllowed = true
	if mutate != nil {
		mutate(params)
	}

	h := &harness{
		params:  params,
		tr:      &recordingTransferor{},
		emitted: &capturedEvents{},
	}
	inst, err := New(params, h.tr, h.emitted,
		WithClock(func() time.Time { return fillNow }),
		WithCleanupHook(func(id string) { h.cleaned = append(h.cleaned, id) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.inst = inst
	return h
}

func (h *harness) deposit(t *testing.T, amount uint64) {
	t.Helper()
	accepted, err := h.inst.OnDeposit(context.Background(), h.params.Maker, h.params.SrcAsset, amount, h.params)
	if err != nil {
		t.Fatalf("OnDeposit: %v", err)
	}
	if accepted != amount {
		t.Fatalf("OnDeposit accepted %d, want %d", accepted, amount)
	}
}

// resolveAll delivers one outcome per recorded dispatch, draining the queue.
func (h *harness) resolveAll(t *testing.T, result TransferResult) bool {
	t.Helper()
	pending := h.tr.requests
	h.tr.requests = nil
	outcomes := make([]TransferOutcome, 0, len(pending))
	for _, req := range pending {
		outcomes = append(outcomes, TransferOutcome{
			LegID:  req.LegID,
			Asset:  req.Asset,
			Amount: req.Amount,
			Result: result,
		})
	}
	cleaned, err := h.inst.ResolveTransfers(context.Background(), outcomes)
	if err != nil {
		t.Fatalf("ResolveTransfers: %v", err)
	}
	return cleaned
}

func TestInstanceRejectsExpiredTerms(t *testing.T) {
	params := baseParams()
	params.Deadline = fillNow.Add(-time.Hour)
	_, err := New(params, &recordingTransferor{}, nil, WithClock(func() time.Time { return fillNow }))
	if !errs.IsCode(err, errs.CodeDeadlineExpired) {
		t.Fatalf("New = %v, want deadline_expired", err)
	}
}

func TestInstanceDepositValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.inst.OnDeposit(ctx, "intruder", h.params.SrcAsset, 100, h.params); !errs.IsCode(err, errs.CodeWrongSender) {
		t.Fatalf("wrong sender = %v", err)
	}
	if _, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.DstAsset, 100, h.params); !errs.IsCode(err, errs.CodeWrongAsset) {
		t.Fatalf("wrong asset = %v", err)
	}
	if _, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.SrcAsset, 0, h.params); !errs.IsCode(err, errs.CodeInsufficientAmount) {
		t.Fatalf("zero deposit = %v", err)
	}

	forged := *h.params
	forged.Price = MustPrice("1")
	if _, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.SrcAsset, 100, &forged); !errs.IsCode(err, errs.CodeMismatchedParams) {
		t.Fatalf("forged terms = %v", err)
	}

	h.deposit(t, 1000)
	if h.emitted.count(events.KindFunded) != 1 {
		t.Fatalf("kinds = %v, want one funded", h.emitted.kinds())
	}
}

func TestInstanceFillSettles(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.ProtocolFees = &ProtocolFees{Fee: 5000, Collector: "fees.protocol"}
	})
	h.deposit(t, 1000)

	unused, err := h.inst.OnIncomingAsset(context.Background(), "taker.bob", h.params.DstAsset, 2100, h.params,
		FillRequest{TakerPrice: MustPrice("2")})
	if err != nil {
		t.Fatalf("OnIncomingAsset: %v", err)
	}
	if unused != 100 {
		t.Fatalf("unused = %d, want 100", unused)
	}

	// maker payout, taker payout, fee payout
	if len(h.tr.requests) != 3 {
		t.Fatalf("dispatched %d legs, want 3", len(h.tr.requests))
	}
	byDest := map[Identity]uint64{}
	for _, req := range h.tr.requests {
		byDest[req.Destination] = req.Amount
	}
	if byDest["maker.alice"] != 1990 {
		t.Fatalf("maker payout = %d, want 1990", byDest["maker.alice"])
	}
	if byDest["taker.bob"] != 1000 {
		t.Fatalf("taker payout = %d, want 1000", byDest["taker.bob"])
	}
	if byDest["fees.protocol"] != 10 {
		t.Fatalf("fee payout = %d, want 10", byDest["fees.protocol"])
	}

	snap, err := h.inst.ViewState(nil)
	if err != nil {
		t.Fatalf("ViewState: %v", err)
	}
	if snap.SrcRemaining != 0 || snap.InFlight != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if cleaned := h.resolveAll(t, ResultSuccess); cleaned {
		t.Fatal("instance must not clean up while open")
	}
	if h.emitted.count(events.KindFilled) != 1 {
		t.Fatalf("kinds = %v, want one filled", h.emitted.kinds())
	}
}

func TestInstanceWrongAssetFill(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(t, 1000)
	_, err := h.inst.OnIncomingAsset(context.Background(), "taker.bob", "asset.other", 2000, h.params,
		FillRequest{TakerPrice: MustPrice("2")})
	if !errs.IsCode(err, errs.CodeWrongAsset) {
		t.Fatalf("error = %v, want wrong_asset", err)
	}
}

func TestInstanceCloseAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("maker cannot close with inventory before deadline", func(t *testing.T) {
		h := newHarness(t, nil)
		h.deposit(t, 1000)
		if err := h.inst.Close(ctx, h.params.Maker, h.params); !errs.IsCode(err, errs.CodeUnauthorized) {
			t.Fatalf("Close = %v, want unauthorized", err)
		}
	})

	t.Run("maker closes once inventory exhausted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.deposit(t, 1000)
		if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 2000, h.params,
			FillRequest{TakerPrice: MustPrice("2")}); err != nil {
			t.Fatalf("fill: %v", err)
		}
		if err := h.inst.Close(ctx, h.params.Maker, h.params); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if h.emitted.count(events.KindClosed) != 1 {
			t.Fatalf("kinds = %v, want one closed", h.emitted.kinds())
		}
	})

	t.Run("sole whitelisted taker force-closes", func(t *testing.T) {
		h := newHarness(t, func(p *Params) { p.TakerWhitelist = []Identity{"taker.bob"} })
		h.deposit(t, 1000)
		if err := h.inst.Close(ctx, "taker.bob", h.params); err != nil {
			t.Fatalf("Close: %v", err)
		}
		// The refund sweep fires immediately.
		if len(h.tr.requests) != 1 || h.tr.requests[0].Amount != 1000 {
			t.Fatalf("refund legs = %+v", h.tr.requests)
		}
	})

	t.Run("stranger cannot close before deadline", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.inst.Close(ctx, "stranger", h.params); !errs.IsCode(err, errs.CodeUnauthorized) {
			t.Fatalf("Close = %v, want unauthorized", err)
		}
	})

	t.Run("anyone closes after deadline", func(t *testing.T) {
		params := baseParams()
		h := &harness{params: params, tr: &recordingTransferor{}, emitted: &capturedEvents{}}
		clock := fillNow
		inst, err := New(params, h.tr, h.emitted, WithClock(func() time.Time { return clock }))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		clock = params.Deadline.Add(time.Second)
		if err := inst.Close(ctx, "stranger", params); err != nil {
			t.Fatalf("Close after deadline: %v", err)
		}
	})

	t.Run("double close rejected", func(t *testing.T) {
		h := newHarness(t, func(p *Params) { p.TakerWhitelist = []Identity{"taker.bob"} })
		if err := h.inst.Close(ctx, "taker.bob", h.params); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := h.inst.Close(ctx, "taker.bob", h.params); !errs.IsCode(err, errs.CodeClosed) {
			t.Fatalf("second Close = %v, want escrow_closed", err)
		}
	})
}

// A maker payout leg fails, the amount lands in lost-and-found, and a later
// sweep with a successful outcome clears it and completes teardown.
func TestInstanceLostAndFoundRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deposit(t, 1000)

	if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 2000, h.params,
		FillRequest{TakerPrice: MustPrice("2")}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Both payout legs fail; only the maker's is tracked.
	if cleaned := h.resolveAll(t, ResultFailure); cleaned {
		t.Fatal("must not clean up with lost funds")
	}
	snap, _ := h.inst.ViewState(nil)
	if snap.DstLost != 2000 || snap.SrcLost != 0 {
		t.Fatalf("snapshot = %+v, want dstLost 2000 only", snap)
	}
	if h.emitted.count(events.KindMakerLost) != 1 {
		t.Fatalf("kinds = %v, want one maker_lost", h.emitted.kinds())
	}

	if err := h.inst.Close(ctx, h.params.Maker, h.params); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close swept: one retry leg for the lost dst amount.
	if len(h.tr.requests) != 1 || h.tr.requests[0].Amount != 2000 {
		t.Fatalf("retry legs = %+v", h.tr.requests)
	}

	// A second sweep while the retry is in flight is a no-op.
	if err := h.inst.Sweep(ctx, h.params); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(h.tr.requests) != 1 {
		t.Fatalf("sweep while retry in flight dispatched %d extra legs", len(h.tr.requests)-1)
	}

	// The retry fails once more; the balance stays put and another sweep
	// re-issues it.
	if cleaned := h.resolveAll(t, ResultFailure); cleaned {
		t.Fatal("must not clean up with lost funds")
	}
	if err := h.inst.Sweep(ctx, h.params); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(h.tr.requests) != 1 || h.tr.requests[0].Amount != 2000 {
		t.Fatalf("re-issued retry legs = %+v", h.tr.requests)
	}

	// Finally the retry lands: lost balance clears and teardown completes.
	if cleaned := h.resolveAll(t, ResultSuccess); !cleaned {
		t.Fatal("expected cleanup once every obligation settled")
	}
	if !h.inst.Cleaned() {
		t.Fatal("instance should report cleaned")
	}
	if len(h.cleaned) != 1 || h.cleaned[0] != h.inst.ID() {
		t.Fatalf("cleanup hook calls = %v", h.cleaned)
	}
	if h.emitted.count(events.KindCleanup) != 1 {
		t.Fatalf("kinds = %v, want one cleanup", h.emitted.kinds())
	}
	// The landed retry announces the recovery; the earlier failed retry only
	// re-reported the loss.
	if h.emitted.count(events.KindMakerRecovered) != 1 {
		t.Fatalf("kinds = %v, want one maker_recovered", h.emitted.kinds())
	}

	// A torn-down instance rejects everything.
	if _, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.SrcAsset, 1, h.params); !errs.IsCode(err, errs.CodeCleanupInProgress) {
		t.Fatalf("deposit after cleanup = %v", err)
	}
	if _, err := h.inst.ViewState(nil); !errs.IsCode(err, errs.CodeCleanupInProgress) {
		t.Fatalf("view after cleanup = %v", err)
	}
}

func TestInstanceRefundFailureBecomesSrcLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Params) { p.TakerWhitelist = []Identity{"taker.bob"} })
	h.deposit(t, 750)

	if err := h.inst.Close(ctx, "taker.bob", h.params); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if cleaned := h.resolveAll(t, ResultFailure); cleaned {
		t.Fatal("must not clean up with lost refund")
	}
	snap, _ := h.inst.ViewState(nil)
	if snap.SrcRemaining != 0 || snap.SrcLost != 750 {
		t.Fatalf("snapshot = %+v, want srcLost 750", snap)
	}

	if err := h.inst.Sweep(ctx, h.params); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(h.tr.requests) != 1 || h.tr.requests[0].Asset != h.params.SrcAsset {
		t.Fatalf("retry legs = %+v", h.tr.requests)
	}
	if cleaned := h.resolveAll(t, ResultSuccess); !cleaned {
		t.Fatal("expected cleanup after refund recovered")
	}
}

func TestInstanceCleanupRequiresAllConditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Params) { p.TakerWhitelist = []Identity{"taker.bob"} })
	h.deposit(t, 1000)

	// Fill half, leave payouts unresolved, then close.
	if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 1000, h.params,
		FillRequest{TakerPrice: MustPrice("2")}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	fillLegs := h.tr.requests
	h.tr.requests = nil

	if err := h.inst.Close(ctx, "taker.bob", h.params); err != nil {
		t.Fatalf("Close: %v", err)
	}
	refundLegs := h.tr.requests
	h.tr.requests = nil
	if len(refundLegs) != 1 || refundLegs[0].Amount != 500 {
		t.Fatalf("refund legs = %+v", refundLegs)
	}

	// Resolve the refund first: still two fill legs in flight, no cleanup.
	cleaned, err := h.inst.ResolveTransfers(ctx, []TransferOutcome{{
		LegID: refundLegs[0].LegID, Asset: refundLegs[0].Asset, Amount: refundLegs[0].Amount, Result: ResultSuccess,
	}})
	if err != nil {
		t.Fatalf("ResolveTransfers: %v", err)
	}
	if cleaned {
		t.Fatal("cleanup with fill legs in flight")
	}

	// Resolve fill legs out of order; cleanup happens exactly on the last one.
	for idx := len(fillLegs) - 1; idx >= 0; idx-- {
		req := fillLegs[idx]
		cleaned, err = h.inst.ResolveTransfers(ctx, []TransferOutcome{{
			LegID: req.LegID, Asset: req.Asset, Amount: req.Amount, Result: ResultSuccess,
		}})
		if err != nil {
			t.Fatalf("ResolveTransfers: %v", err)
		}
		if idx > 0 && cleaned {
			t.Fatal("cleanup before the last leg resolved")
		}
	}
	if !cleaned {
		t.Fatal("expected cleanup on the final resolution")
	}
}

func TestInstanceDepositAfterClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Params) { p.TakerWhitelist = []Identity{"taker.bob"} })
	if err := h.inst.Close(ctx, "taker.bob", h.params); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.SrcAsset, 100, h.params); !errs.IsCode(err, errs.CodeClosed) {
		t.Fatalf("deposit after close = %v, want escrow_closed", err)
	}
	if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 100, h.params,
		FillRequest{TakerPrice: MustPrice("2")}); !errs.IsCode(err, errs.CodeClosed) {
		t.Fatalf("fill after close = %v, want escrow_closed", err)
	}
}

func TestInstancePartialFillSequence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deposit(t, 1000)

	for i := 0; i < 4; i++ {
		if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 500, h.params,
			FillRequest{TakerPrice: MustPrice("2")}); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		h.resolveAll(t, ResultSuccess)
	}

	snap, err := h.inst.ViewState(h.params)
	if err != nil {
		t.Fatalf("ViewState: %v", err)
	}
	if snap.SrcRemaining != 0 {
		t.Fatalf("SrcRemaining = %d after four quarter fills", snap.SrcRemaining)
	}
	if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 500, h.params,
		FillRequest{TakerPrice: MustPrice("2")}); !errs.IsCode(err, errs.CodeInsufficientAmount) {
		t.Fatalf("fill on empty inventory = %v", err)
	}
}

func TestInstanceTakerPayoutRedirect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deposit(t, 1000)

	if _, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, 2000, h.params, FillRequest{
		TakerPrice:   MustPrice("2"),
		ReceiveSrcTo: OverrideSend{Receiver: "vault.bob", Memo: "swap"},
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	var takerLeg *TransferRequest
	for idx := range h.tr.requests {
		if h.tr.requests[idx].Asset == h.params.SrcAsset {
			takerLeg = &h.tr.requests[idx]
		}
	}
	if takerLeg == nil {
		t.Fatal("no src-asset leg dispatched")
	}
	if takerLeg.Destination != "vault.bob" || takerLeg.Memo != "swap" {
		t.Fatalf("taker leg = %+v", takerLeg)
	}
}
