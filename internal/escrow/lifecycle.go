package escrow

import (
	"context"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/errs"
	"github.com/tidemark/escrowd/internal/observability"
)

// Close transitions the escrow to its terminal phase. Authorization depends
// on who asks and when: anyone may close an expired escrow, the maker may
// close once the inventory is exhausted, and a sole whitelisted taker may
// force-close at any time.
//
// Closing immediately sweeps the remaining inventory back to the maker's
// refund receiver.
func (i *Instance) Close(ctx context.Context, sender Identity, params *Params) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.verify(params); err != nil {
		return err
	}
	if i.ledger.Closed() {
		return errs.New(i.id, errs.CodeClosed)
	}

	reason, err := i.closeReason(sender, params)
	if err != nil {
		return err
	}

	i.ledger.TryClose()
	i.emit(ctx, events.KindClosed, events.Closed{Reason: reason})

	i.sweepLocked(ctx, params)
	return nil
}

func (i *Instance) closeReason(sender Identity, params *Params) (events.CloseReason, error) {
	if !i.now().Before(params.Deadline) {
		return events.ReasonDeadlineExpired, nil
	}
	if sender == params.Maker && i.ledger.SrcRemaining() == 0 {
		return events.ReasonByMaker, nil
	}
	if taker, ok := params.SingleWhitelistedTaker(); ok && sender == taker {
		return events.ReasonBySingleTaker, nil
	}
	return "", errs.New(i.id, errs.CodeUnauthorized,
		errs.WithMessage("close not permitted before deadline"),
		errs.WithField("sender", string(sender)))
}

// Sweep retries delivery of every recoverable balance: the unfilled inventory
// refund once closed, plus any lost-and-found amounts from earlier failed
// legs. It is permissionless and idempotent: a sweep while a retry is still
// in flight is a no-op for that side.
func (i *Instance) Sweep(ctx context.Context, params *Params) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.verify(params); err != nil {
		return err
	}
	i.sweepLocked(ctx, params)
	return nil
}

// sweepLocked issues the recovery legs. The inventory refund debits the
// ledger at issue time, so repeated sweeps cannot refund twice; retry legs
// are serialised per asset side by the orchestrator's in-flight flags.
func (i *Instance) sweepLocked(ctx context.Context, params *Params) {
	if i.ledger.Closed() && i.ledger.SrcRemaining() > 0 {
		amount := i.ledger.SrcRemaining()
		if err := i.ledger.DebitSrc(amount); err != nil {
			logError(i.id, err)
		} else {
			i.issueAndRecord(ctx, Leg{
				Kind:         LegMakerRefund,
				Asset:        params.SrcAsset,
				Side:         SideSrc,
				Amount:       amount,
				Destination:  params.RefundReceiver(),
				Memo:         params.RefundSrcTo.Memo,
				Message:      params.RefundSrcTo.Message,
				MinFeeBudget: params.RefundSrcTo.MinFeeBudget,
			})
		}
	}

	if lost := i.ledger.Lost(SideDst); lost > 0 && !i.orch.RetryInFlight(SideDst) {
		i.issueAndRecord(ctx, Leg{
			Kind:         LegRetry,
			Asset:        params.DstAsset,
			Side:         SideDst,
			Amount:       lost,
			Destination:  params.PayoutReceiver(),
			Memo:         params.ReceiveDstTo.Memo,
			Message:      params.ReceiveDstTo.Message,
			MinFeeBudget: params.ReceiveDstTo.MinFeeBudget,
		})
	}
	if lost := i.ledger.Lost(SideSrc); lost > 0 && !i.orch.RetryInFlight(SideSrc) {
		i.issueAndRecord(ctx, Leg{
			Kind:         LegRetry,
			Asset:        params.SrcAsset,
			Side:         SideSrc,
			Amount:       lost,
			Destination:  params.RefundReceiver(),
			Memo:         params.RefundSrcTo.Memo,
			Message:      params.RefundSrcTo.Message,
			MinFeeBudget: params.RefundSrcTo.MinFeeBudget,
		})
	}

	i.tryCleanup(ctx)
}

// tryCleanup tears the instance down once every obligation is settled:
// closed, no inventory, nothing lost, nothing in flight. The transition is
// irreversible and fires the cleanup hook exactly once.
func (i *Instance) tryCleanup(ctx context.Context) {
	if i.cleaned || !i.ledger.CleanupEligible() {
		return
	}
	i.cleaned = true
	i.emit(ctx, events.KindCleanup, nil)
	if i.onCleanup != nil {
		i.onCleanup(i.id)
	}
}

func logError(escrowID string, err error) {
	observability.Log().Error("escrow accounting fault",
		observability.Field{Key: "escrow_id", Value: escrowID},
		observability.Field{Key: "error", Value: err.Error()},
	)
}
