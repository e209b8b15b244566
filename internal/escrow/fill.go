package escrow

import (
	"sort"
	"strconv"
	"time"

	"github.com/tidemark/escrowd/errs"
)

func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

// FillRequest is the taker's ephemeral instruction for a single fill call.
type FillRequest struct {
	// TakerPrice is the rate the taker is willing to pay; must be at least
	// the maker's minimum price.
	TakerPrice Price `json:"price"`
	// ReceiveSrcTo optionally redirects the taker's source payout.
	ReceiveSrcTo OverrideSend `json:"receive_src_to,omitempty"`
}

// IntegratorFeeAmount is one integrator's computed cut of a fill.
type IntegratorFeeAmount struct {
	Collector Identity
	Amount    uint64
}

// FillPlan is the exact accounting of one fill. Every amount is derived from
// widened integer arithmetic; the plan satisfies
// MakerPayout + ProtocolFee + sum(IntegratorFees) == DstRequired.
type FillPlan struct {
	// SrcFillable is the source inventory consumed by this fill.
	SrcFillable uint64
	// DstRequired is the destination amount the taker pays, ceil-rounded in
	// the maker's favour.
	DstRequired uint64
	// DstUnused is returned to the taker via the host refund path.
	DstUnused uint64
	// DstWanted is the maker's minimum ask for SrcFillable.
	DstWanted uint64
	// Surplus is the price improvement over the maker's minimum ask.
	Surplus uint64

	ProtocolFee        uint64
	ProtocolFeeBase    uint64
	ProtocolFeeSurplus uint64
	IntegratorFees     []IntegratorFeeAmount

	// MakerPayout is DstRequired net of all fees.
	MakerPayout uint64
}

// TotalFees sums the protocol and integrator cuts.
func (p FillPlan) TotalFees() uint64 {
	total := p.ProtocolFee
	for _, fee := range p.IntegratorFees {
		total += fee.Amount
	}
	return total
}

// ComputeFill runs the fill arithmetic for a taker delivering dstIn units of
// the destination asset. It mutates nothing; the caller applies the returned
// plan to the ledger and issues the outbound legs.
func ComputeFill(params *Params, sender Identity, now time.Time, closed bool, srcRemaining, dstIn uint64, req FillRequest) (FillPlan, error) {
	var plan FillPlan

	if closed {
		return plan, errs.New("", errs.CodeClosed)
	}
	if !now.Before(params.Deadline) {
		return plan, errs.New("", errs.CodeDeadlineExpired)
	}
	if !params.WhitelistContains(sender) {
		return plan, errs.New("", errs.CodeUnauthorized, errs.WithField("taker", string(sender)))
	}
	if req.TakerPrice.Cmp(params.Price) < 0 {
		return plan, errs.New("", errs.CodePriceTooLow,
			errs.WithField("taker_price", req.TakerPrice.String()),
			errs.WithField("maker_price", params.Price.String()))
	}

	takerWantSrc, err := req.TakerPrice.SrcFloor(dstIn)
	if err != nil {
		return plan, errs.New("", errs.CodeOverflow, errs.WithCause(err))
	}
	plan.SrcFillable = takerWantSrc
	if plan.SrcFillable > srcRemaining {
		plan.SrcFillable = srcRemaining
	}
	if plan.SrcFillable == 0 {
		return plan, errs.New("", errs.CodeInsufficientAmount)
	}
	if !params.PartialFillsAllowed && plan.SrcFillable < srcRemaining {
		return plan, errs.New("", errs.CodePartialFillsNotAllowed,
			errs.WithField("src_remaining", utoa(srcRemaining)),
			errs.WithField("src_fillable", utoa(plan.SrcFillable)))
	}

	// Ceiling here prevents value leaking to takers over many small fills.
	plan.DstRequired, err = req.TakerPrice.DstCeil(plan.SrcFillable)
	if err != nil {
		return plan, errs.New("", errs.CodeOverflow, errs.WithCause(err))
	}
	// srcFillable = floor(dstIn/price) guarantees dstRequired <= dstIn.
	plan.DstUnused = dstIn - plan.DstRequired

	plan.DstWanted, err = params.Price.DstCeil(plan.SrcFillable)
	if err != nil {
		return plan, errs.New("", errs.CodeOverflow, errs.WithCause(err))
	}
	if plan.DstRequired > plan.DstWanted {
		plan.Surplus = plan.DstRequired - plan.DstWanted
	}

	if params.ProtocolFees != nil {
		plan.ProtocolFeeBase = params.ProtocolFees.Fee.Fee(plan.DstRequired)
		plan.ProtocolFeeSurplus = params.ProtocolFees.Surplus.Fee(plan.Surplus)
		plan.ProtocolFee = plan.ProtocolFeeBase + plan.ProtocolFeeSurplus
	}
	for collector, rate := range params.IntegratorFees {
		if rate.IsZero() {
			continue
		}
		plan.IntegratorFees = append(plan.IntegratorFees, IntegratorFeeAmount{
			Collector: collector,
			Amount:    rate.Fee(plan.DstRequired),
		})
	}
	sort.Slice(plan.IntegratorFees, func(i, j int) bool {
		return plan.IntegratorFees[i].Collector < plan.IntegratorFees[j].Collector
	})

	// Params caps the aggregate rate, but floor rounding is re-checked here
	// so fees can never exceed what the taker paid.
	totalFees := plan.TotalFees()
	if totalFees > plan.DstRequired {
		return plan, errs.New("", errs.CodeExcessiveFees,
			errs.WithField("total_fees", utoa(totalFees)),
			errs.WithField("dst_required", utoa(plan.DstRequired)))
	}
	plan.MakerPayout = plan.DstRequired - totalFees

	return plan, nil
}
