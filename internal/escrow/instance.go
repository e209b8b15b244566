package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/errs"
)

// Emitter receives every escrow lifecycle event. Implementations must treat
// events as immutable, append-only records.
type Emitter interface {
	Emit(ctx context.Context, evt events.Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, evt events.Event) error

// Emit delivers the event via the wrapped function.
func (f EmitterFunc) Emit(ctx context.Context, evt events.Event) error {
	return f(ctx, evt)
}

// CleanupFunc is invoked exactly once when an instance tears itself down.
type CleanupFunc func(escrowID string)

// Instance is one live escrow settlement engine. It stores only the terms
// fingerprint, never the terms themselves: every entry point receives Params
// from the caller and verifies them before touching state.
//
// Entry points and outcome callbacks are serialised by the mutex, mirroring a
// host runtime that never interleaves invocations for the same escrow.
type Instance struct {
	mu sync.Mutex

	id          string
	fingerprint Fingerprint

	ledger *Ledger
	orch   *Orchestrator

	emitter   Emitter
	onCleanup CleanupFunc
	now       func() time.Time

	cleaned bool
}

// Option customises an Instance at construction.
type Option func(*Instance)

// WithClock overrides the time source, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(i *Instance) {
		if clock != nil {
			i.now = clock
		}
	}
}

// WithCleanupHook registers a callback fired on irreversible teardown.
func WithCleanupHook(hook CleanupFunc) Option {
	return func(i *Instance) {
		i.onCleanup = hook
	}
}

// New validates the terms and creates a live escrow instance. It fails with
// DeadlineExpired when the deadline is already past: an escrow that can never
// be filled must not come into existence.
func New(params *Params, transferor Transferor, emitter Emitter, opts ...Option) (*Instance, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	inst := &Instance{
		ledger:  &Ledger{},
		emitter: emitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inst)
		}
	}

	if !inst.now().Before(params.Deadline) {
		return nil, errs.New("", errs.CodeDeadlineExpired)
	}

	inst.fingerprint = params.Hash()
	inst.id = InstanceIDFromFingerprint(inst.fingerprint)
	inst.orch = NewOrchestrator(inst.id, inst.ledger, transferor)

	inst.emit(context.Background(), events.KindCreated, params)
	return inst, nil
}

// Reattach rebuilds an instance from a persisted ledger snapshot after a host
// restart. Correlation state for legs that were in flight at the crash is
// gone: their late outcomes are rejected as conflicts and the in-flight count
// restarts at zero so the ledger can still reach cleanup.
func Reattach(fingerprint Fingerprint, snap Snapshot, transferor Transferor, emitter Emitter, opts ...Option) *Instance {
	snap.InFlight = 0
	inst := &Instance{
		fingerprint: fingerprint,
		id:          InstanceIDFromFingerprint(fingerprint),
		ledger:      Restore(snap),
		emitter:     emitter,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inst)
		}
	}
	inst.orch = NewOrchestrator(inst.id, inst.ledger, transferor)
	return inst
}

// ID returns the deterministic instance identifier.
func (i *Instance) ID() string { return i.id }

// Fingerprint returns the stored terms fingerprint.
func (i *Instance) Fingerprint() Fingerprint { return i.fingerprint }

// verify rejects calls from a torn-down instance or with substituted terms.
func (i *Instance) verify(params *Params) error {
	if i.cleaned {
		return errs.New(i.id, errs.CodeCleanupInProgress)
	}
	if params.Hash() != i.fingerprint {
		return errs.New(i.id, errs.CodeMismatchedParams)
	}
	return nil
}

// OnDeposit accepts maker inventory. It returns the amount accepted; a
// rejected deposit returns zero with the error so the host can refund the
// inbound transfer in full.
func (i *Instance) OnDeposit(ctx context.Context, sender Identity, asset AssetID, amount uint64, params *Params) (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.verify(params); err != nil {
		return 0, err
	}
	if i.ledger.Closed() {
		return 0, errs.New(i.id, errs.CodeClosed)
	}
	if !i.now().Before(params.Deadline) {
		return 0, errs.New(i.id, errs.CodeDeadlineExpired)
	}
	if sender != params.Maker {
		return 0, errs.New(i.id, errs.CodeWrongSender, errs.WithField("sender", string(sender)))
	}
	if asset != params.SrcAsset {
		return 0, errs.New(i.id, errs.CodeWrongAsset, errs.WithField("asset", string(asset)))
	}
	if amount == 0 {
		return 0, errs.New(i.id, errs.CodeInsufficientAmount)
	}
	if err := i.ledger.CreditSrc(amount); err != nil {
		return 0, err
	}

	i.emit(ctx, events.KindFunded, events.Funded{
		Maker:        string(params.Maker),
		SrcAsset:     string(params.SrcAsset),
		DstAsset:     string(params.DstAsset),
		MakerPrice:   params.Price.String(),
		SrcAdded:     amount,
		SrcRemaining: i.ledger.SrcRemaining(),
	})
	return amount, nil
}

// OnIncomingAsset settles a taker fill. The returned amount is the unused
// portion of the inbound destination transfer, refunded by the host through
// the transfer primitive's built-in return path.
func (i *Instance) OnIncomingAsset(ctx context.Context, sender Identity, asset AssetID, amount uint64, params *Params, req FillRequest) (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.verify(params); err != nil {
		return 0, err
	}
	if asset != params.DstAsset {
		return 0, errs.New(i.id, errs.CodeWrongAsset, errs.WithField("asset", string(asset)))
	}

	plan, err := ComputeFill(params, sender, i.now(), i.ledger.Closed(), i.ledger.SrcRemaining(), amount, req)
	if err != nil {
		return 0, i.scoped(err)
	}
	if err := i.ledger.DebitSrc(plan.SrcFillable); err != nil {
		return 0, err
	}

	i.emit(ctx, events.KindFilled, fillEventPayload(params, sender, amount, req, i.ledger.SrcRemaining(), plan))

	i.issueFillLegs(ctx, params, sender, req, plan)
	i.tryCleanup(ctx)
	return plan.DstUnused, nil
}

// issueFillLegs hands the planned payouts to the orchestrator. Legs with a
// zero amount are skipped. Failures degrade into the lost-and-found ledger
// inside Issue; a single unpayable recipient never blocks the other legs.
func (i *Instance) issueFillLegs(ctx context.Context, params *Params, taker Identity, req FillRequest, plan FillPlan) {
	if plan.MakerPayout > 0 {
		i.issueAndRecord(ctx, Leg{
			Kind:         LegMakerPayout,
			Asset:        params.DstAsset,
			Side:         SideDst,
			Amount:       plan.MakerPayout,
			Destination:  params.PayoutReceiver(),
			Memo:         params.ReceiveDstTo.Memo,
			Message:      params.ReceiveDstTo.Message,
			MinFeeBudget: params.ReceiveDstTo.MinFeeBudget,
		})
	}
	if plan.SrcFillable > 0 {
		takerReceiver := req.ReceiveSrcTo.Receiver
		if takerReceiver == "" {
			takerReceiver = taker
		}
		i.issueAndRecord(ctx, Leg{
			Kind:         LegTakerPayout,
			Asset:        params.SrcAsset,
			Side:         SideSrc,
			Amount:       plan.SrcFillable,
			Destination:  takerReceiver,
			Memo:         req.ReceiveSrcTo.Memo,
			Message:      req.ReceiveSrcTo.Message,
			MinFeeBudget: req.ReceiveSrcTo.MinFeeBudget,
		})
	}
	if params.ProtocolFees != nil && plan.ProtocolFee > 0 {
		i.issueAndRecord(ctx, Leg{
			Kind:        LegFeePayout,
			Asset:       params.DstAsset,
			Side:        SideDst,
			Amount:      plan.ProtocolFee,
			Destination: params.ProtocolFees.Collector,
			Memo:        "fee",
		})
	}
	for _, fee := range plan.IntegratorFees {
		if fee.Amount == 0 {
			continue
		}
		i.issueAndRecord(ctx, Leg{
			Kind:        LegFeePayout,
			Asset:       params.DstAsset,
			Side:        SideDst,
			Amount:      fee.Amount,
			Destination: fee.Collector,
			Memo:        "fee",
		})
	}
}

// issueAndRecord issues one leg and emits MakerLost if the dispatch itself
// already failed.
func (i *Instance) issueAndRecord(ctx context.Context, leg Leg) {
	res, err := i.orch.Issue(ctx, leg)
	if err != nil {
		i.emitResolutionError(err)
		return
	}
	i.emitResolution(ctx, res)
}

// ResolveTransfers is the host-invoked callback reconciling settled legs.
// It is not externally callable and deliberately skips Params verification:
// outcomes correlate by leg id, which only ever existed for verified calls.
func (i *Instance) ResolveTransfers(ctx context.Context, outcomes []TransferOutcome) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cleaned {
		return true, errs.New(i.id, errs.CodeCleanupInProgress)
	}

	var errsSeen []error
	for _, outcome := range outcomes {
		res, err := i.orch.Resolve(outcome)
		if err != nil {
			errsSeen = append(errsSeen, err)
			continue
		}
		i.emitResolution(ctx, res)
	}

	i.tryCleanup(ctx)
	if len(errsSeen) > 0 {
		return i.cleaned, errsSeen[0]
	}
	return i.cleaned, nil
}

// ViewState returns a read-only ledger snapshot. Params are optional for
// reads; when supplied they are still verified.
func (i *Instance) ViewState(params *Params) (Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if params != nil {
		if err := i.verify(params); err != nil {
			return Snapshot{}, err
		}
	} else if i.cleaned {
		return Snapshot{}, errs.New(i.id, errs.CodeCleanupInProgress)
	}
	return i.ledger.Snapshot(), nil
}

// Cleaned reports whether the instance has been irreversibly torn down.
func (i *Instance) Cleaned() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cleaned
}

func (i *Instance) emitResolution(ctx context.Context, res Resolution) {
	if res.Cleared {
		i.emit(ctx, events.KindMakerRecovered, events.MakerRecovered{
			Side:   res.Leg.Side.String(),
			Asset:  string(res.Leg.Asset),
			Amount: res.Leg.Amount,
		})
		return
	}
	if !res.Lost {
		return
	}
	i.emit(ctx, events.KindMakerLost, events.MakerLost{
		Side:   res.Leg.Side.String(),
		Asset:  string(res.Leg.Asset),
		Amount: res.Leg.Amount,
		Retry:  res.Leg.Kind == LegRetry,
	})
}

func (i *Instance) emitResolutionError(err error) {
	// Accounting faults during reconciliation are recorded, never fatal.
	logError(i.id, err)
}

func (i *Instance) emit(ctx context.Context, kind events.Kind, payload any) {
	if i.emitter == nil {
		return
	}
	evt := events.New(i.id, kind, payload, i.now())
	if err := i.emitter.Emit(ctx, evt); err != nil {
		logError(i.id, err)
	}
}

// scoped stamps the instance id onto engine errors built before the id was known.
func (i *Instance) scoped(err error) error {
	if envelope, ok := err.(*errs.E); ok && envelope.Escrow == "" {
		envelope.Escrow = i.id
	}
	return err
}

func fillEventPayload(params *Params, taker Identity, dstIn uint64, req FillRequest, srcRemaining uint64, plan FillPlan) events.Filled {
	payload := events.Filled{
		Maker:             string(params.Maker),
		Taker:             string(taker),
		SrcAsset:          string(params.SrcAsset),
		DstAsset:          string(params.DstAsset),
		TakerPrice:        req.TakerPrice.String(),
		MakerPrice:        params.Price.String(),
		TakerDstIn:        dstIn,
		TakerDstUsed:      plan.DstRequired,
		TakerSrcOut:       plan.SrcFillable,
		MakerDstOut:       plan.MakerPayout,
		SrcRemaining:      srcRemaining,
		TakerReceiveSrcTo: string(req.ReceiveSrcTo.Receiver),
		MakerReceiveDstTo: string(params.ReceiveDstTo.Receiver),
	}
	if params.ProtocolFees != nil && plan.ProtocolFee > 0 {
		payload.ProtocolFees = &events.ProtocolFeesCollected{
			Fee:       plan.ProtocolFeeBase,
			Surplus:   plan.ProtocolFeeSurplus,
			Collector: string(params.ProtocolFees.Collector),
		}
	}
	for _, fee := range plan.IntegratorFees {
		payload.IntegratorFees = append(payload.IntegratorFees, events.IntegratorFee{
			Collector: string(fee.Collector),
			Fee:       fee.Amount,
		})
	}
	return payload
}
