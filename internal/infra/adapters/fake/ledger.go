// Package fake provides an in-process transfer backend for development and
// tests. It plays the role of the external settlement network: transfer
// requests return immediately and outcomes arrive later on a sink callback.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidemark/escrowd/internal/escrow"
)

// OutcomeFunc receives each settled transfer outcome. Implementations route
// it back to the escrow host, typically registry.ResolveOutcome.
type OutcomeFunc func(ctx context.Context, out escrow.TransferOutcome)

type accountKey struct {
	account escrow.Identity
	asset   escrow.AssetID
}

// Ledger is a scriptable fake settlement network. Every destination succeeds
// unless a result or dispatch rejection has been scripted for it.
type Ledger struct {
	mu         sync.Mutex
	balances   map[accountKey]uint64
	scripted   map[escrow.Identity]escrow.TransferResult
	rejected   map[escrow.Identity]bool
	requests   []escrow.TransferRequest
	sink       OutcomeFunc
	latency    time.Duration
	deliveries conc.WaitGroup
}

// LedgerOption customises a Ledger at construction.
type LedgerOption func(*Ledger)

// WithLatency delays outcome delivery, simulating network settlement time.
func WithLatency(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.latency = d
		}
	}
}

// NewLedger constructs a fake settlement network delivering outcomes to sink.
// A nil sink drops outcomes, which is only useful for dispatch-side tests.
func NewLedger(sink OutcomeFunc, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		balances: make(map[accountKey]uint64),
		scripted: make(map[escrow.Identity]escrow.TransferResult),
		rejected: make(map[escrow.Identity]bool),
		sink:     sink,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// ScriptResult fixes the outcome of all future transfers to the destination.
func (l *Ledger) ScriptResult(dest escrow.Identity, result escrow.TransferResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripted[dest] = result
}

// ClearScript restores the default success outcome for the destination.
func (l *Ledger) ClearScript(dest escrow.Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.scripted, dest)
}

// RejectDispatch makes RequestTransfer fail synchronously for the destination,
// exercising the caller's degraded dispatch path.
func (l *Ledger) RejectDispatch(dest escrow.Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[dest] = true
}

// RequestTransfer accepts the leg for asynchronous settlement.
func (l *Ledger) RequestTransfer(ctx context.Context, req escrow.TransferRequest) error {
	if req.Amount == 0 {
		return fmt.Errorf("fake ledger: zero amount transfer %s", req.LegID)
	}

	l.mu.Lock()
	if l.rejected[req.Destination] {
		l.mu.Unlock()
		return fmt.Errorf("fake ledger: destination %s refuses dispatch", req.Destination)
	}
	l.requests = append(l.requests, req)
	result, hasScript := l.scripted[req.Destination]
	l.mu.Unlock()

	if !hasScript {
		result = escrow.ResultSuccess
	}

	// Outcome delivery must survive the request's own context: the settlement
	// network does not abort because the dispatching call returned.
	deliveryCtx := context.WithoutCancel(ctx)
	l.deliveries.Go(func() {
		l.settle(deliveryCtx, req, result)
	})
	return nil
}

func (l *Ledger) settle(ctx context.Context, req escrow.TransferRequest, result escrow.TransferResult) {
	if l.latency > 0 {
		time.Sleep(l.latency)
	}
	if result == escrow.ResultSuccess {
		l.mu.Lock()
		l.balances[accountKey{account: req.Destination, asset: req.Asset}] += req.Amount
		l.mu.Unlock()
	}
	if l.sink != nil {
		l.sink(ctx, escrow.TransferOutcome{
			LegID:  req.LegID,
			Asset:  req.Asset,
			Amount: req.Amount,
			Result: result,
		})
	}
}

// Wait blocks until every accepted transfer has delivered its outcome.
func (l *Ledger) Wait() {
	l.deliveries.Wait()
}

// Balance reports the settled holdings of an account.
func (l *Ledger) Balance(account escrow.Identity, asset escrow.AssetID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey{account: account, asset: asset}]
}

// Requests returns a copy of every accepted transfer request in order.
func (l *Ledger) Requests() []escrow.TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]escrow.TransferRequest(nil), l.requests...)
}

var _ escrow.Transferor = (*Ledger)(nil)
