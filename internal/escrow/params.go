package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidemark/escrowd/errs"
)

// Identity names a party on the settlement ledger.
type Identity string

// AssetID identifies a transferable asset.
type AssetID string

// Fingerprint is the canonical hash of immutable escrow terms.
type Fingerprint [sha256.Size]byte

// Hex renders the fingerprint as lowercase hex.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// OverrideSend customises the destination of an outbound transfer leg.
// The zero value means "use the default recipient with no memo or message".
type OverrideSend struct {
	Receiver Identity `json:"receiver_id,omitempty"`
	Memo     string   `json:"memo,omitempty"`
	// Message turns the leg into a transfer-and-call on the receiving ledger.
	// Such legs are not refunded by the transfer primitive when the call fails.
	Message string `json:"msg,omitempty"`
	// MinFeeBudget reserves execution budget for the leg on the target ledger.
	MinFeeBudget uint64 `json:"min_fee_budget,omitempty"`
}

// IsZero reports whether the override carries no customisation.
func (o OverrideSend) IsZero() bool {
	return o == OverrideSend{}
}

// ProtocolFees configures the protocol's cut of every fill.
type ProtocolFees struct {
	// Fee applies to the destination amount consumed by a fill.
	Fee Pips `json:"fee,omitempty"`
	// Surplus applies to the price improvement over the maker's minimum ask.
	Surplus Pips `json:"surplus,omitempty"`

	Collector Identity `json:"collector"`
}

// Params holds the immutable settlement terms agreed at creation. They are
// never stored by the engine; every entry point receives them from the caller
// and verifies them against the stored fingerprint.
type Params struct {
	Maker Identity `json:"maker"`

	SrcAsset AssetID `json:"src_asset"`
	DstAsset AssetID `json:"dst_asset"`

	// Price is the minimum destination-per-source rate the maker accepts.
	Price Price `json:"price"`

	Deadline time.Time `json:"deadline"`

	PartialFillsAllowed bool `json:"partial_fills_allowed,omitempty"`

	// RefundSrcTo overrides where unfilled source inventory is returned
	// after close; defaults to the maker.
	RefundSrcTo OverrideSend `json:"refund_src_to,omitempty"`
	// ReceiveDstTo overrides where fill proceeds are paid out; defaults to
	// the maker.
	ReceiveDstTo OverrideSend `json:"receive_dst_to,omitempty"`

	// TakerWhitelist restricts who may fill. Empty means permissionless.
	// A single entry additionally grants that taker the right to force-close.
	TakerWhitelist []Identity `json:"taker_whitelist,omitempty"`

	ProtocolFees *ProtocolFees `json:"protocol_fees,omitempty"`

	// IntegratorFees are additive with protocol fees and are paid per fill.
	IntegratorFees map[Identity]Pips `json:"integrator_fees,omitempty"`

	// Salt is deployment-owned entropy folded into the fingerprint so that
	// identical terms still derive distinct instances.
	Salt string `json:"salt"`
}

// Execution-budget accounting for a single fill, in abstract budget units.
// A fill dispatches at most: one maker payout, one taker payout, and one leg
// per non-zero fee collector.
const (
	fillOverheadBudget    uint64 = 10
	defaultLegBudget      uint64 = 15
	transferCallLegBudget uint64 = 50
	maxFillBudget         uint64 = 260
)

// TotalFee sums protocol, surplus and integrator rates, reporting overflow.
func (p *Params) TotalFee() (Pips, bool) {
	total := Pips(0)
	ok := true
	if p.ProtocolFees != nil {
		if total, ok = p.ProtocolFees.Fee.CheckedAdd(p.ProtocolFees.Surplus); !ok {
			return 0, false
		}
	}
	for _, fee := range p.IntegratorFees {
		if total, ok = total.CheckedAdd(fee); !ok {
			return 0, false
		}
	}
	return total, true
}

// Validate checks the structural invariants of the terms. The deadline is
// deliberately not checked here: expiry only gates Init, not later calls that
// replay the same Params for fingerprint verification.
func (p *Params) Validate() error {
	if p.Maker == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("maker is required"))
	}
	if p.SrcAsset == "" || p.DstAsset == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("src and dst assets are required"))
	}
	if p.SrcAsset == p.DstAsset {
		return errs.New("", errs.CodeSameAsset)
	}
	if p.Price.IsZero() {
		return errs.New("", errs.CodePriceTooLow, errs.WithMessage("price must be positive"))
	}
	if total, ok := p.TotalFee(); !ok || total > MaxTotalFee {
		return errs.New("", errs.CodeExcessiveFees)
	}
	if err := p.validateBudgets(); err != nil {
		return err
	}
	return nil
}

// validateBudgets rejects terms whose configured per-leg fee budgets could
// make a single fill unpayable, which would let a maker grief takers with
// legs that can never settle.
func (p *Params) validateBudgets() error {
	total := fillOverheadBudget
	total += legBudget(p.ReceiveDstTo)
	total += legBudget(p.RefundSrcTo)

	feeLegs := uint64(0)
	if p.ProtocolFees != nil && (!p.ProtocolFees.Fee.IsZero() || !p.ProtocolFees.Surplus.IsZero()) {
		feeLegs++
	}
	for _, fee := range p.IntegratorFees {
		if !fee.IsZero() {
			feeLegs++
		}
	}
	total += defaultLegBudget * feeLegs

	if total > maxFillBudget {
		return errs.New("", errs.CodeExcessiveBudget)
	}
	return nil
}

func legBudget(o OverrideSend) uint64 {
	budget := defaultLegBudget
	if o.Message != "" {
		budget = transferCallLegBudget
	}
	if o.MinFeeBudget > budget {
		budget = o.MinFeeBudget
	}
	return budget
}

// WhitelistContains reports whether id may fill this escrow.
func (p *Params) WhitelistContains(id Identity) bool {
	if len(p.TakerWhitelist) == 0 {
		return true
	}
	for _, taker := range p.TakerWhitelist {
		if taker == id {
			return true
		}
	}
	return false
}

// SingleWhitelistedTaker returns the sole whitelisted taker, if any.
func (p *Params) SingleWhitelistedTaker() (Identity, bool) {
	if len(p.TakerWhitelist) != 1 {
		return "", false
	}
	return p.TakerWhitelist[0], true
}

// canonicalParams is the deterministic serialization shape used for hashing:
// fixed field order, sorted whitelist, sorted fee pairs, nanosecond deadline.
type canonicalParams struct {
	Maker               Identity           `json:"maker"`
	SrcAsset            AssetID            `json:"src_asset"`
	DstAsset            AssetID            `json:"dst_asset"`
	Price               string             `json:"price"`
	DeadlineNanos       int64              `json:"deadline_ns"`
	PartialFillsAllowed bool               `json:"partial_fills_allowed"`
	RefundSrcTo         OverrideSend       `json:"refund_src_to"`
	ReceiveDstTo        OverrideSend       `json:"receive_dst_to"`
	TakerWhitelist      []Identity         `json:"taker_whitelist"`
	ProtocolFees        *ProtocolFees      `json:"protocol_fees"`
	IntegratorFees      []canonicalFeePair `json:"integrator_fees"`
	Salt                string             `json:"salt"`
}

type canonicalFeePair struct {
	Collector Identity `json:"collector"`
	Fee       Pips     `json:"fee"`
}

// Hash computes the canonical fingerprint of the terms.
func (p *Params) Hash() Fingerprint {
	whitelist := append([]Identity(nil), p.TakerWhitelist...)
	sort.Slice(whitelist, func(i, j int) bool { return whitelist[i] < whitelist[j] })

	fees := make([]canonicalFeePair, 0, len(p.IntegratorFees))
	for collector, fee := range p.IntegratorFees {
		fees = append(fees, canonicalFeePair{Collector: collector, Fee: fee})
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].Collector < fees[j].Collector })

	canonical := canonicalParams{
		Maker:               p.Maker,
		SrcAsset:            p.SrcAsset,
		DstAsset:            p.DstAsset,
		Price:               p.Price.String(),
		DeadlineNanos:       p.Deadline.UnixNano(),
		PartialFillsAllowed: p.PartialFillsAllowed,
		RefundSrcTo:         p.RefundSrcTo,
		ReceiveDstTo:        p.ReceiveDstTo,
		TakerWhitelist:      whitelist,
		ProtocolFees:        p.ProtocolFees,
		IntegratorFees:      fees,
		Salt:                p.Salt,
	}

	serialized, err := json.Marshal(canonical)
	if err != nil {
		// canonicalParams contains only marshalable fields
		panic(err)
	}
	return sha256.Sum256(serialized)
}

// InstanceID derives the deterministic instance identifier from the terms.
func (p *Params) InstanceID() string {
	return InstanceIDFromFingerprint(p.Hash())
}

// InstanceIDFromFingerprint renders an instance identifier from a fingerprint.
func InstanceIDFromFingerprint(fp Fingerprint) string {
	const prefix = "escrow-"
	return prefix + hex.EncodeToString(fp[sha256.Size-10:])
}

// RefundReceiver resolves where unfilled source inventory goes after close.
func (p *Params) RefundReceiver() Identity {
	if p.RefundSrcTo.Receiver != "" {
		return p.RefundSrcTo.Receiver
	}
	return p.Maker
}

// PayoutReceiver resolves where fill proceeds are delivered.
func (p *Params) PayoutReceiver() Identity {
	if p.ReceiveDstTo.Receiver != "" {
		return p.ReceiveDstTo.Receiver
	}
	return p.Maker
}
