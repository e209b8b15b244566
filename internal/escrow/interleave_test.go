package escrow

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/tidemark/escrowd/errs"
)

// Randomized interleavings of deposit, fill, close, sweep and outcome
// resolution. The walk tolerates every documented rejection; what it checks is
// that the ledger never lies about in-flight legs, that teardown happens only
// with every obligation settled, and that value is conserved end to end.
func TestInstanceRandomizedInterleavings(t *testing.T) {
	for seed := int64(0); seed < 32; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			runInterleaving(t, rand.New(rand.NewSource(seed)))
		})
	}
}

func runInterleaving(t *testing.T, rng *rand.Rand) {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t, func(p *Params) {
		// A sole whitelisted taker makes close available at any point.
		p.TakerWhitelist = []Identity{"taker.bob"}
	})

	var (
		pending      []TransferRequest
		deposited    uint64
		dstUsed      uint64
		srcDelivered uint64 // successful src legs, any destination
		srcDropped   uint64 // failed taker payouts, permanently lost
		dstDelivered uint64
	)

	allowed := func(err error, codes ...errs.Code) {
		t.Helper()
		if err == nil {
			return
		}
		for _, code := range codes {
			if errs.IsCode(err, code) {
				return
			}
		}
		t.Fatalf("unexpected error: %v", err)
	}

	drain := func() {
		pending = append(pending, h.tr.requests...)
		h.tr.requests = nil
	}

	resolveOne := func(idx int, result TransferResult) {
		req := pending[idx]
		pending = append(pending[:idx], pending[idx+1:]...)
		_, err := h.inst.ResolveTransfers(ctx, []TransferOutcome{{
			LegID: req.LegID, Asset: req.Asset, Amount: req.Amount, Result: result,
		}})
		if err != nil {
			t.Fatalf("ResolveTransfers: %v", err)
		}
		if result == ResultSuccess {
			if req.Asset == h.params.SrcAsset {
				srcDelivered += req.Amount
			} else {
				dstDelivered += req.Amount
			}
		} else if req.Asset == h.params.SrcAsset && req.Destination == "taker.bob" {
			// Taker-side losses are not tracked by the engine.
			srcDropped += req.Amount
		}
	}

	for step := 0; step < 60 && !h.inst.Cleaned(); step++ {
		switch rng.Intn(5) {
		case 0:
			amount := uint64(rng.Intn(900) + 100)
			accepted, err := h.inst.OnDeposit(ctx, h.params.Maker, h.params.SrcAsset, amount, h.params)
			allowed(err, errs.CodeClosed, errs.CodeCleanupInProgress)
			deposited += accepted
		case 1:
			dstIn := uint64(rng.Intn(2000) + 1)
			unused, err := h.inst.OnIncomingAsset(ctx, "taker.bob", h.params.DstAsset, dstIn, h.params,
				FillRequest{TakerPrice: MustPrice("2")})
			allowed(err, errs.CodeClosed, errs.CodeInsufficientAmount, errs.CodeCleanupInProgress)
			if err == nil {
				dstUsed += dstIn - unused
			}
		case 2:
			allowed(h.inst.Close(ctx, "taker.bob", h.params), errs.CodeClosed, errs.CodeCleanupInProgress)
		case 3:
			allowed(h.inst.Sweep(ctx, h.params), errs.CodeCleanupInProgress)
		case 4:
			drain()
			if len(pending) > 0 {
				result := ResultSuccess
				if rng.Intn(3) == 0 {
					result = ResultFailure
				}
				resolveOne(rng.Intn(len(pending)), result)
			}
		}
		drain()

		if h.inst.Cleaned() {
			if len(pending) != 0 {
				t.Fatalf("cleaned up with %d legs still pending", len(pending))
			}
			break
		}
		snap, err := h.inst.ViewState(nil)
		if err != nil {
			t.Fatalf("ViewState: %v", err)
		}
		if int(snap.InFlight) != len(pending) {
			t.Fatalf("InFlight = %d, pending = %d", snap.InFlight, len(pending))
		}
	}

	// Drive to quiescence: close, then settle everything successfully.
	if !h.inst.Cleaned() {
		allowed(h.inst.Close(ctx, "taker.bob", h.params), errs.CodeClosed)
		drain()
		for round := 0; round < 100 && !h.inst.Cleaned(); round++ {
			for len(pending) > 0 {
				resolveOne(0, ResultSuccess)
				drain()
			}
			if h.inst.Cleaned() {
				break
			}
			if err := h.inst.Sweep(ctx, h.params); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			drain()
		}
	}
	if !h.inst.Cleaned() {
		snap, _ := h.inst.ViewState(nil)
		t.Fatalf("never reached cleanup; state %+v, pending %d", snap, len(pending))
	}

	// Every deposited source unit either reached a recipient or was
	// permanently dropped on a failed taker payout; every destination unit a
	// taker paid reached the maker.
	if srcDelivered+srcDropped != deposited {
		t.Fatalf("src conservation: delivered %d + dropped %d != deposited %d",
			srcDelivered, srcDropped, deposited)
	}
	if dstDelivered != dstUsed {
		t.Fatalf("dst conservation: delivered %d != used %d", dstDelivered, dstUsed)
	}
}
