package escrow

import (
	"math"

	"github.com/tidemark/escrowd/errs"
)

// AssetSide distinguishes which side of the trade a lost amount belongs to.
type AssetSide int

const (
	// SideSrc is the maker's deposited asset.
	SideSrc AssetSide = iota
	// SideDst is the asset takers deliver.
	SideDst
)

func (s AssetSide) String() string {
	if s == SideSrc {
		return "src"
	}
	return "dst"
}

// Ledger holds the mutable escrow state. All mutation happens inside entry
// point or callback invocations; the owning Instance serialises access.
type Ledger struct {
	// srcRemaining is the unfilled maker inventory.
	srcRemaining uint64
	// dstLost and srcLost record maker-side amounts whose outbound transfer
	// failed and is pending an out-of-band retry.
	dstLost uint64
	srcLost uint64
	// closed transitions false -> true exactly once.
	closed bool
	// inFlight counts outstanding asynchronous transfer legs. Cleanup is
	// forbidden while any leg is unresolved.
	inFlight uint32
}

// Snapshot is a read-only copy of the ledger state.
type Snapshot struct {
	SrcRemaining uint64 `json:"src_remaining"`
	DstLost      uint64 `json:"dst_lost,omitempty"`
	SrcLost      uint64 `json:"src_lost,omitempty"`
	Closed       bool   `json:"closed,omitempty"`
	InFlight     uint32 `json:"in_flight,omitempty"`
}

// Snapshot copies the current state.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		SrcRemaining: l.srcRemaining,
		DstLost:      l.dstLost,
		SrcLost:      l.srcLost,
		Closed:       l.closed,
		InFlight:     l.inFlight,
	}
}

// Restore rebuilds a ledger from a persisted snapshot.
func Restore(s Snapshot) *Ledger {
	return &Ledger{
		srcRemaining: s.SrcRemaining,
		dstLost:      s.DstLost,
		srcLost:      s.SrcLost,
		closed:       s.Closed,
		inFlight:     s.InFlight,
	}
}

// SrcRemaining returns the unfilled maker inventory.
func (l *Ledger) SrcRemaining() uint64 { return l.srcRemaining }

// Lost returns the lost-and-found balance for the given side.
func (l *Ledger) Lost(side AssetSide) uint64 {
	if side == SideSrc {
		return l.srcLost
	}
	return l.dstLost
}

// Closed reports whether the escrow has been closed.
func (l *Ledger) Closed() bool { return l.closed }

// InFlight returns the number of unresolved transfer legs.
func (l *Ledger) InFlight() uint32 { return l.inFlight }

// CreditSrc records a successful maker deposit.
func (l *Ledger) CreditSrc(amount uint64) error {
	if amount > math.MaxUint64-l.srcRemaining {
		return errs.New("", errs.CodeOverflow, errs.WithMessage("src inventory overflow"))
	}
	l.srcRemaining += amount
	return nil
}

// DebitSrc removes filled inventory before the taker payout leg is issued.
func (l *Ledger) DebitSrc(amount uint64) error {
	if amount > l.srcRemaining {
		return errs.New("", errs.CodeInsufficientAmount, errs.WithMessage("insufficient src inventory"))
	}
	l.srcRemaining -= amount
	return nil
}

// MarkLost moves a failed maker-side leg amount into the lost-and-found ledger.
func (l *Ledger) MarkLost(side AssetSide, amount uint64) error {
	lost := &l.dstLost
	if side == SideSrc {
		lost = &l.srcLost
	}
	if amount > math.MaxUint64-*lost {
		return errs.New("", errs.CodeOverflow, errs.WithMessage("lost-and-found overflow"))
	}
	*lost += amount
	return nil
}

// ClearLost settles a retried lost-and-found amount after a successful resend.
func (l *Ledger) ClearLost(side AssetSide, amount uint64) error {
	lost := &l.dstLost
	if side == SideSrc {
		lost = &l.srcLost
	}
	if amount > *lost {
		return errs.New("", errs.CodeConflict, errs.WithMessage("clearing more than recorded as lost"))
	}
	*lost -= amount
	return nil
}

// TryClose transitions the ledger to closed, reporting whether the transition
// happened on this call. Idempotent.
func (l *Ledger) TryClose() bool {
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

// LegIssued registers one more in-flight transfer leg.
func (l *Ledger) LegIssued() error {
	if l.inFlight == math.MaxUint32 {
		return errs.New("", errs.CodeOverflow, errs.WithMessage("too many legs in flight"))
	}
	l.inFlight++
	return nil
}

// LegResolved registers the completion of an in-flight transfer leg.
func (l *Ledger) LegResolved() error {
	if l.inFlight == 0 {
		return errs.New("", errs.CodeConflict, errs.WithMessage("resolve without issued leg"))
	}
	l.inFlight--
	return nil
}

// CleanupEligible reports whether every obligation is settled and the
// instance may be irreversibly torn down.
func (l *Ledger) CleanupEligible() bool {
	return l.closed &&
		l.srcRemaining == 0 &&
		l.dstLost == 0 &&
		l.srcLost == 0 &&
		l.inFlight == 0
}
