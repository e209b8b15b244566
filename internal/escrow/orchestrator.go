package escrow

import (
	"context"

	"github.com/google/uuid"

	"github.com/tidemark/escrowd/errs"
)

// Orchestrator issues outbound transfer legs, tracks them by correlation id,
// and reconciles their asynchronous outcomes against the ledger. Outcomes may
// arrive in any order; the in-flight counter is the only ordering-free
// resource guarding cleanup.
type Orchestrator struct {
	escrowID   string
	ledger     *Ledger
	transferor Transferor

	pending map[uuid.UUID]Leg
	// retryInFlight keeps sweep idempotent: at most one lost-and-found
	// retry per asset side may be outstanding.
	retryInFlight [2]bool
}

// NewOrchestrator wires the orchestrator to its ledger and transfer capability.
func NewOrchestrator(escrowID string, ledger *Ledger, transferor Transferor) *Orchestrator {
	return &Orchestrator{
		escrowID:   escrowID,
		ledger:     ledger,
		transferor: transferor,
		pending:    make(map[uuid.UUID]Leg),
	}
}

// PendingCount returns the number of unresolved legs.
func (o *Orchestrator) PendingCount() int {
	return len(o.pending)
}

// RetryInFlight reports whether a lost-and-found retry is outstanding for the side.
func (o *Orchestrator) RetryInFlight(side AssetSide) bool {
	return o.retryInFlight[side]
}

// Resolution describes what reconciling one outcome did to the ledger.
type Resolution struct {
	Leg    Leg
	Result TransferResult
	// Lost is set when a maker-side amount was (or remains) unrecoverable
	// by this leg and sits in the lost-and-found ledger.
	Lost bool
	// Cleared is set when a retried lost-and-found amount settled.
	Cleared bool
}

// Issue dispatches one leg. A synchronous dispatch failure is reconciled
// immediately as a failed outcome: downstream transfer failures degrade to
// the lost-and-found ledger, they never abort the triggering call.
func (o *Orchestrator) Issue(ctx context.Context, leg Leg) (Resolution, error) {
	if leg.ID == uuid.Nil {
		leg.ID = uuid.New()
	}
	if err := o.ledger.LegIssued(); err != nil {
		return Resolution{}, err
	}
	o.pending[leg.ID] = leg
	if leg.Kind == LegRetry {
		o.retryInFlight[leg.Side] = true
	}

	err := o.transferor.RequestTransfer(ctx, TransferRequest{
		LegID:        leg.ID,
		Kind:         leg.Kind,
		Asset:        leg.Asset,
		Amount:       leg.Amount,
		Destination:  leg.Destination,
		Memo:         leg.Memo,
		Message:      leg.Message,
		MinFeeBudget: leg.MinFeeBudget,
	})
	if err != nil {
		return o.Resolve(TransferOutcome{
			LegID:  leg.ID,
			Asset:  leg.Asset,
			Amount: leg.Amount,
			Result: ResultFailure,
		})
	}
	return Resolution{Leg: leg}, nil
}

// Resolve reconciles one asynchronous outcome. Unknown outcomes are handled
// like failures for maker-side legs so the funds stay recoverable; the
// correlation entry is removed either way, so a duplicate delivery for the
// same leg is rejected rather than double-counted.
func (o *Orchestrator) Resolve(outcome TransferOutcome) (Resolution, error) {
	leg, ok := o.pending[outcome.LegID]
	if !ok {
		return Resolution{}, errs.New(o.escrowID, errs.CodeConflict,
			errs.WithMessage("outcome for unknown transfer leg"),
			errs.WithField("leg_id", outcome.LegID.String()))
	}
	delete(o.pending, outcome.LegID)
	if err := o.ledger.LegResolved(); err != nil {
		return Resolution{}, err
	}
	if leg.Kind == LegRetry {
		o.retryInFlight[leg.Side] = false
	}

	res := Resolution{Leg: leg, Result: outcome.Result}
	switch outcome.Result {
	case ResultSuccess:
		if leg.Kind == LegRetry {
			if err := o.ledger.ClearLost(leg.Side, leg.Amount); err != nil {
				return res, err
			}
			res.Cleared = true
		}
	case ResultFailure, ResultUnknown:
		if !leg.makerSide() {
			// Taker and fee-collector payouts are not tracked: the
			// recipient bears the risk of an unreachable destination.
			break
		}
		if leg.Kind == LegRetry {
			// The amount is already recorded as lost; it stays there
			// for the next sweep.
			res.Lost = true
			break
		}
		if err := o.ledger.MarkLost(leg.Side, leg.Amount); err != nil {
			return res, err
		}
		res.Lost = true
	}
	return res, nil
}
