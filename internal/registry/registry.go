// Package registry hosts live escrow instances keyed by their derived
// identifier and keeps their durable snapshots current.
package registry

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidemark/escrowd/errs"
	"github.com/tidemark/escrowd/internal/domain/escrowstore"
	"github.com/tidemark/escrowd/internal/escrow"
	"github.com/tidemark/escrowd/internal/observability"
	"github.com/tidemark/escrowd/internal/telemetry"
)

// entry pairs a live instance with the terms the host has seen for it. The
// engine never stores terms; the cached copy exists so the background sweeper
// can drive recovery without a caller present.
type entry struct {
	inst   *escrow.Instance
	params *escrow.Params
}

// legRoute attributes one dispatched transfer leg to its escrow.
type legRoute struct {
	escrowID string
	kind     escrow.LegKind
}

// Registry owns the live escrow instances of one host process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// legIndex routes asynchronous transfer outcomes back to their escrow.
	// Requests carry only a leg identifier on the wire. Guarded by its own
	// mutex: legs are recorded while instance locks are held.
	legMu    sync.Mutex
	legIndex map[uuid.UUID]legRoute

	transferor  escrow.Transferor
	emitter     escrow.Emitter
	snapshots   escrowstore.Store
	metrics     *telemetry.EscrowMetrics
	salt        string
	maxDeadline time.Duration
	clock       func() time.Time
}

// RegistryOption customises a Registry at construction.
type RegistryOption func(*Registry)

// WithClock overrides the registry time source, primarily for testing.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithSnapshotStore enables durable ledger snapshots. A nil store keeps the
// registry memory-only.
func WithSnapshotStore(store escrowstore.Store) RegistryOption {
	return func(r *Registry) {
		r.snapshots = store
	}
}

// WithMetrics records entry-point rejections and transfer-leg traffic on the
// given instrument set. A nil set disables recording.
func WithMetrics(m *telemetry.EscrowMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithMaxDeadline caps how far in the future a new escrow's deadline may lie.
// Zero disables the cap.
func WithMaxDeadline(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.maxDeadline = d
		}
	}
}

// New constructs a Registry. The salt is folded into every created escrow's
// terms so identical terms on different deployments derive distinct instances.
func New(transferor escrow.Transferor, emitter escrow.Emitter, salt string, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		legIndex:   make(map[uuid.UUID]legRoute),
		transferor: transferor,
		emitter:    emitter,
		salt:       salt,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create validates terms, stamps the deployment salt, and boots a new escrow
// instance. Identical terms yield the same identifier, so re-creation of a
// live escrow is a conflict.
func (r *Registry) Create(ctx context.Context, params *escrow.Params) (string, error) {
	stamped := *params
	stamped.Salt = r.salt

	if r.maxDeadline > 0 && stamped.Deadline.After(r.clock().Add(r.maxDeadline)) {
		return "", r.reject(ctx, "create",
			errs.New("", errs.CodeInvalid, errs.WithMessage("deadline exceeds maximum horizon")))
	}

	id := stamped.InstanceID()

	// Reserve the identifier first so construction, which emits the created
	// event to subscribers, runs without the registry lock held. The reserved
	// entry is invisible to lookups until it is armed with its instance.
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return "", r.reject(ctx, "create",
			errs.New(id, errs.CodeConflict, errs.WithMessage("escrow already exists")))
	}
	reserved := &entry{}
	r.entries[id] = reserved
	r.mu.Unlock()

	inst, err := escrow.New(&stamped, r.tracking(id), r.emitter,
		escrow.WithClock(r.clock),
		escrow.WithCleanupHook(r.evict),
	)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return "", r.reject(ctx, "create", err)
	}

	r.mu.Lock()
	reserved.inst = inst
	reserved.params = &stamped
	r.mu.Unlock()

	r.persist(ctx, inst)
	return id, nil
}

// Deposit forwards a maker deposit to the named instance.
func (r *Registry) Deposit(ctx context.Context, id string, sender escrow.Identity, asset escrow.AssetID, amount uint64, params *escrow.Params) (uint64, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return 0, r.reject(ctx, "deposit", err)
	}
	accepted, err := ent.inst.OnDeposit(ctx, sender, asset, amount, r.stamped(params))
	r.persist(ctx, ent.inst)
	return accepted, r.reject(ctx, "deposit", err)
}

// Fill forwards a taker fill to the named instance and returns the unused
// destination amount.
func (r *Registry) Fill(ctx context.Context, id string, sender escrow.Identity, asset escrow.AssetID, amount uint64, params *escrow.Params, req escrow.FillRequest) (uint64, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return 0, r.reject(ctx, "fill", err)
	}
	unused, err := ent.inst.OnIncomingAsset(ctx, sender, asset, amount, r.stamped(params), req)
	r.persist(ctx, ent.inst)
	return unused, r.reject(ctx, "fill", err)
}

// Close forwards a close request to the named instance. It reports whether
// the instance completed teardown as part of the close.
func (r *Registry) Close(ctx context.Context, id string, sender escrow.Identity, params *escrow.Params) (bool, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return false, r.reject(ctx, "close", err)
	}
	closeErr := ent.inst.Close(ctx, sender, r.stamped(params))
	r.persist(ctx, ent.inst)
	return ent.inst.Cleaned(), r.reject(ctx, "close", closeErr)
}

// Sweep retries recoverable balances on the named instance. It reports
// whether the instance completed teardown as part of the sweep.
func (r *Registry) Sweep(ctx context.Context, id string, params *escrow.Params) (bool, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return false, r.reject(ctx, "sweep", err)
	}
	sweepErr := ent.inst.Sweep(ctx, r.stamped(params))
	r.persist(ctx, ent.inst)
	return ent.inst.Cleaned(), r.reject(ctx, "sweep", sweepErr)
}

// Resolve delivers asynchronous transfer outcomes to the named instance.
// It reports whether the instance completed teardown.
func (r *Registry) Resolve(ctx context.Context, id string, outcomes []escrow.TransferOutcome) (bool, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return false, r.reject(ctx, "resolve", err)
	}
	cleaned, resolveErr := ent.inst.ResolveTransfers(ctx, outcomes)
	for _, out := range outcomes {
		if route, ok := r.forget(id, out.LegID); ok {
			r.metrics.RecordLegResolved(ctx, route.kind.String(), out.Result.String())
		}
	}
	r.persist(ctx, ent.inst)
	return cleaned, r.reject(ctx, "resolve", resolveErr)
}

// ResolveOutcome routes a single transfer outcome to the escrow that issued
// the leg. Used by transfer backends that report outcomes without knowing
// which escrow originated the request.
func (r *Registry) ResolveOutcome(ctx context.Context, out escrow.TransferOutcome) (string, error) {
	r.legMu.Lock()
	route, ok := r.legIndex[out.LegID]
	r.legMu.Unlock()
	if !ok {
		return "", r.reject(ctx, "resolve",
			errs.New("", errs.CodeNotFound, errs.WithMessage("unknown transfer leg")))
	}
	_, err := r.Resolve(ctx, route.escrowID, []escrow.TransferOutcome{out})
	return route.escrowID, err
}

// State returns the ledger snapshot of the named instance.
func (r *Registry) State(id string) (escrow.Snapshot, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return escrow.Snapshot{}, err
	}
	return ent.inst.ViewState(nil)
}

// SweepableIDs lists instances whose terms the host has seen. Instances
// recovered from snapshots without terms are excluded until a caller
// supplies them via AdoptTerms.
func (r *Registry) SweepableIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, ent := range r.entries {
		if ent.params != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// SweepOne sweeps a single instance using its cached terms.
func (r *Registry) SweepOne(ctx context.Context, id string) error {
	ent, err := r.lookup(id)
	if err != nil {
		return err
	}
	r.mu.RLock()
	params := ent.params
	r.mu.RUnlock()
	if params == nil {
		return errs.New(id, errs.CodeInvalid, errs.WithMessage("no cached terms for sweep"))
	}
	if err := ent.inst.Sweep(ctx, params); err != nil {
		return err
	}
	r.persist(ctx, ent.inst)
	return nil
}

// SweepAll sweeps every sweepable instance, returning the identifiers swept.
func (r *Registry) SweepAll(ctx context.Context) []string {
	ids := r.SweepableIDs()
	swept := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.SweepOne(ctx, id); err != nil {
			if !errs.IsCode(err, errs.CodeCleanupInProgress) && !errs.IsCode(err, errs.CodeNotFound) {
				observability.Log().Error("background sweep failed",
					observability.Field{Key: "escrow_id", Value: id},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
			continue
		}
		swept = append(swept, id)
	}
	return swept
}

// Len reports the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the identifiers of all live instances.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Restore rebuilds live instances from durable snapshots, typically at boot.
// Restored instances have no cached terms until a caller replays them.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.snapshots == nil {
		return 0, nil
	}
	snaps, err := r.snapshots.ListOpen(ctx, 0)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, snap := range snaps {
		if _, exists := r.entries[snap.EscrowID]; exists {
			continue
		}
		fp, err := parseFingerprint(snap.Fingerprint)
		if err != nil {
			observability.Log().Error("skipping snapshot with bad fingerprint",
				observability.Field{Key: "escrow_id", Value: snap.EscrowID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		inst := escrow.Reattach(fp, escrow.Snapshot{
			SrcRemaining: snap.SrcRemaining,
			DstLost:      snap.DstLost,
			SrcLost:      snap.SrcLost,
			Closed:       snap.Closed,
		}, r.tracking(snap.EscrowID), r.emitter,
			escrow.WithClock(r.clock),
			escrow.WithCleanupHook(r.evict),
		)
		r.entries[snap.EscrowID] = &entry{inst: inst}
		restored++
	}
	return restored, nil
}

// AdoptTerms caches verified terms for a restored instance so the background
// sweeper can drive its recovery.
func (r *Registry) AdoptTerms(id string, params *escrow.Params) error {
	ent, err := r.lookup(id)
	if err != nil {
		return err
	}
	stamped := r.stamped(params)
	if _, verr := ent.inst.ViewState(stamped); verr != nil {
		return verr
	}
	r.mu.Lock()
	ent.params = stamped
	r.mu.Unlock()
	return nil
}

// tracking wraps the shared transferor so every dispatched leg is attributed
// to its owning escrow before it leaves the process.
func (r *Registry) tracking(id string) escrow.Transferor {
	return escrow.TransferorFunc(func(ctx context.Context, req escrow.TransferRequest) error {
		r.legMu.Lock()
		r.legIndex[req.LegID] = legRoute{escrowID: id, kind: req.Kind}
		r.legMu.Unlock()
		if err := r.transferor.RequestTransfer(ctx, req); err != nil {
			r.legMu.Lock()
			delete(r.legIndex, req.LegID)
			r.legMu.Unlock()
			return err
		}
		r.metrics.RecordLegIssued(ctx, req.Kind.String())
		return nil
	})
}

// forget drops one resolved leg from the routing index and returns its route.
// A leg attributed to a different escrow is left in place: the owning instance
// rejected the outcome as a conflict and may still receive the real one.
func (r *Registry) forget(escrowID string, legID uuid.UUID) (legRoute, bool) {
	r.legMu.Lock()
	defer r.legMu.Unlock()
	route, ok := r.legIndex[legID]
	if !ok || route.escrowID != escrowID {
		return legRoute{}, false
	}
	delete(r.legIndex, legID)
	return route, true
}

// reject records an entry-point rejection on the metrics set, passing the
// error through unchanged.
func (r *Registry) reject(ctx context.Context, operation string, err error) error {
	if err != nil {
		r.metrics.RecordRejection(ctx, operation, string(errs.CodeOf(err)))
	}
	return err
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[id]
	if !ok || ent.inst == nil {
		return nil, errs.New(id, errs.CodeNotFound)
	}
	return ent, nil
}

// stamped overlays the deployment salt so caller-supplied terms hash the same
// way they did at creation.
func (r *Registry) stamped(params *escrow.Params) *escrow.Params {
	if params == nil {
		return nil
	}
	out := *params
	out.Salt = r.salt
	return &out
}

// evict removes a cleaned-up instance and its durable snapshot.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if r.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.snapshots.Delete(ctx, id); err != nil {
			observability.Log().Error("deleting escrow snapshot failed",
				observability.Field{Key: "escrow_id", Value: id},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// persist writes the instance's current ledger snapshot. Persistence faults
// are logged, never propagated: the in-memory ledger stays authoritative.
func (r *Registry) persist(ctx context.Context, inst *escrow.Instance) {
	if r.snapshots == nil || inst.Cleaned() {
		return
	}
	snap, err := inst.ViewState(nil)
	if err != nil {
		return
	}
	record := escrowstore.Snapshot{
		EscrowID:     inst.ID(),
		Fingerprint:  inst.Fingerprint().Hex(),
		SrcRemaining: snap.SrcRemaining,
		DstLost:      snap.DstLost,
		SrcLost:      snap.SrcLost,
		Closed:       snap.Closed,
		InFlight:     snap.InFlight,
		UpdatedAt:    r.clock(),
	}
	if err := r.snapshots.Upsert(ctx, record); err != nil {
		observability.Log().Error("persisting escrow snapshot failed",
			observability.Field{Key: "escrow_id", Value: inst.ID()},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func parseFingerprint(hexStr string) (escrow.Fingerprint, error) {
	var fp escrow.Fingerprint
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return fp, err
	}
	if len(raw) != len(fp) {
		return fp, errs.New("", errs.CodeInvalid, errs.WithMessage("fingerprint length mismatch"))
	}
	copy(fp[:], raw)
	return fp, nil
}
