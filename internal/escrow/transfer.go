package escrow

import (
	"context"

	"github.com/google/uuid"
)

// TransferResult is the asynchronous outcome of one outbound transfer leg.
type TransferResult int

const (
	// ResultSuccess means the receiving ledger accepted the full amount.
	ResultSuccess TransferResult = iota
	// ResultFailure means the transfer was refused, e.g. missing registration.
	ResultFailure
	// ResultUnknown means the outcome is ambiguous (timeout, partial data).
	// Maker-side legs treat it like a failure so funds stay recoverable.
	ResultUnknown
)

func (r TransferResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// LegKind identifies the purpose of an outbound transfer leg.
type LegKind int

const (
	// LegMakerPayout delivers fill proceeds to the maker.
	LegMakerPayout LegKind = iota
	// LegTakerPayout delivers the filled source amount to the taker.
	LegTakerPayout
	// LegFeePayout delivers a protocol or integrator fee to its collector.
	LegFeePayout
	// LegMakerRefund returns unfilled inventory to the maker after close.
	LegMakerRefund
	// LegRetry re-attempts a previously lost maker-side amount.
	LegRetry
)

func (k LegKind) String() string {
	switch k {
	case LegMakerPayout:
		return "maker_payout"
	case LegTakerPayout:
		return "taker_payout"
	case LegFeePayout:
		return "fee_payout"
	case LegMakerRefund:
		return "maker_refund"
	default:
		return "retry"
	}
}

// Leg describes a single outbound transfer obligation.
type Leg struct {
	ID           uuid.UUID
	Kind         LegKind
	Asset        AssetID
	Side         AssetSide
	Amount       uint64
	Destination  Identity
	Memo         string
	Message      string
	MinFeeBudget uint64
}

// makerSide reports whether a failed leg must be recorded as lost.
// Taker payouts and fee payouts are not tracked: those parties bear the risk
// of an unreachable destination.
func (l Leg) makerSide() bool {
	switch l.Kind {
	case LegMakerPayout, LegMakerRefund, LegRetry:
		return true
	default:
		return false
	}
}

// TransferRequest is handed to the transfer capability for dispatch.
type TransferRequest struct {
	LegID        uuid.UUID
	Kind         LegKind
	Asset        AssetID
	Amount       uint64
	Destination  Identity
	Memo         string
	Message      string
	MinFeeBudget uint64
}

// TransferOutcome is delivered asynchronously, once per issued leg, in no
// guaranteed order.
type TransferOutcome struct {
	LegID  uuid.UUID      `json:"leg_id"`
	Asset  AssetID        `json:"asset"`
	Amount uint64         `json:"amount"`
	Result TransferResult `json:"result"`
}

// Transferor is the abstract asset-transfer capability the engine consumes.
// RequestTransfer returns as soon as the leg is dispatched; the outcome
// arrives later through the instance's ResolveTransfers callback.
type Transferor interface {
	RequestTransfer(ctx context.Context, req TransferRequest) error
}

// TransferorFunc adapts a function to the Transferor interface.
type TransferorFunc func(ctx context.Context, req TransferRequest) error

// RequestTransfer dispatches the leg via the wrapped function.
func (f TransferorFunc) RequestTransfer(ctx context.Context, req TransferRequest) error {
	return f(ctx, req)
}
