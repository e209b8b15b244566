// Package events defines the canonical escrow event log records.
package events

import (
	"time"

	json "github.com/goccy/go-json"
)

// Kind classifies an escrow lifecycle event.
type Kind string

const (
	// KindCreated records the validated terms of a new escrow instance.
	KindCreated Kind = "created"
	// KindFunded records an accepted maker deposit.
	KindFunded Kind = "funded"
	// KindFilled records a settled fill with its full accounting breakdown.
	KindFilled Kind = "filled"
	// KindMakerLost records a failed maker-side transfer leg.
	KindMakerLost Kind = "maker_lost"
	// KindMakerRecovered records a retried lost amount that finally settled.
	KindMakerRecovered Kind = "maker_recovered"
	// KindClosed records the close transition and its reason.
	KindClosed Kind = "closed"
	// KindCleanup records the irreversible teardown of an instance.
	KindCleanup Kind = "cleanup"
)

// CloseReason explains who or what closed the escrow.
type CloseReason string

const (
	// ReasonDeadlineExpired: anyone may close an expired escrow.
	ReasonDeadlineExpired CloseReason = "deadline_expired"
	// ReasonByMaker: the maker closed after the inventory was exhausted.
	ReasonByMaker CloseReason = "by_maker"
	// ReasonBySingleTaker: the sole whitelisted taker force-closed.
	ReasonBySingleTaker CloseReason = "by_single_taker"
)

// Event is one immutable, append-only log record. It is emitted to
// subscribers and persisted as-is; it is never a queryable state.
type Event struct {
	EscrowID  string          `json:"escrow_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// New builds an event, marshalling the payload. A payload that cannot be
// marshalled is a programming error and panics.
func New(escrowID string, kind Kind, payload any, at time.Time) Event {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	return Event{
		EscrowID:  escrowID,
		Kind:      kind,
		Payload:   raw,
		EmittedAt: at,
	}
}

// Funded is the payload of a KindFunded event.
type Funded struct {
	Maker        string `json:"maker"`
	SrcAsset     string `json:"src_asset"`
	DstAsset     string `json:"dst_asset"`
	MakerPrice   string `json:"maker_price"`
	SrcAdded     uint64 `json:"src_added"`
	SrcRemaining uint64 `json:"src_remaining"`
}

// Filled is the payload of a KindFilled event.
type Filled struct {
	Maker    string `json:"maker"`
	Taker    string `json:"taker"`
	SrcAsset string `json:"src_asset"`
	DstAsset string `json:"dst_asset"`

	TakerPrice string `json:"taker_price"`
	MakerPrice string `json:"maker_price"`

	TakerDstIn   uint64 `json:"taker_dst_in"`
	TakerDstUsed uint64 `json:"taker_dst_used"`
	TakerSrcOut  uint64 `json:"taker_src_out"`
	MakerDstOut  uint64 `json:"maker_dst_out"`
	SrcRemaining uint64 `json:"src_remaining"`

	TakerReceiveSrcTo string `json:"taker_receive_src_to,omitempty"`
	MakerReceiveDstTo string `json:"maker_receive_dst_to,omitempty"`

	ProtocolFees   *ProtocolFeesCollected `json:"protocol_fees,omitempty"`
	IntegratorFees []IntegratorFee        `json:"integrator_fees,omitempty"`
}

// ProtocolFeesCollected itemises the protocol's cut of one fill.
type ProtocolFeesCollected struct {
	Fee       uint64 `json:"fee"`
	Surplus   uint64 `json:"surplus"`
	Collector string `json:"collector"`
}

// IntegratorFee itemises one integrator's cut of one fill.
type IntegratorFee struct {
	Collector string `json:"collector"`
	Fee       uint64 `json:"fee"`
}

// MakerLost is the payload of a KindMakerLost event.
type MakerLost struct {
	Side   string `json:"side"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
	// Retry marks a re-attempted delivery that failed again.
	Retry bool `json:"retry,omitempty"`
}

// MakerRecovered is the payload of a KindMakerRecovered event.
type MakerRecovered struct {
	Side   string `json:"side"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// Closed is the payload of a KindClosed event.
type Closed struct {
	Reason CloseReason `json:"reason"`
}
