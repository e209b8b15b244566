// Package dispatcher implements fan-out delivery of escrow events.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/internal/observability"
)

// DeliveryFunc is the subscriber handler invoked for each event.
type DeliveryFunc func(context.Context, events.Event) error

// Subscriber encapsulates metadata and handler for an event consumer.
type Subscriber struct {
	ID      string
	Deliver DeliveryFunc
}

// Fanout delivers every emitted event to all registered subscribers with
// bounded parallelism. Delivery failures are aggregated, never fatal: the
// escrow engine treats event emission as fire-and-forget.
type Fanout struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	maxWorkers  int
}

// NewFanout constructs a fan-out dispatcher with the given concurrency limit.
func NewFanout(maxWorkers int) *Fanout {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Fanout{maxWorkers: maxWorkers}
}

// Subscribe registers a subscriber for all subsequent events.
func (f *Fanout) Subscribe(sub Subscriber) {
	if sub.Deliver == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, sub)
}

// Unsubscribe removes the subscriber with the given id.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.subscribers[:0]
	for _, sub := range f.subscribers {
		if sub.ID != id {
			kept = append(kept, sub)
		}
	}
	f.subscribers = kept
}

// Emit delivers the event to all subscribers and returns an aggregated error
// when any delivery failed.
func (f *Fanout) Emit(ctx context.Context, evt events.Event) error {
	f.mu.RLock()
	subscribers := append([]Subscriber(nil), f.subscribers...)
	f.mu.RUnlock()

	count := len(subscribers)
	if count == 0 {
		return nil
	}
	if count == 1 {
		return subscribers[0].Deliver(ctx, evt)
	}

	workerLimit := f.maxWorkers
	if workerLimit > count {
		workerLimit = count
	}

	start := time.Now()
	var mu sync.Mutex
	var workerErrs []error
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, subscriber := range subscribers {
		sub := subscriber
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					workerErrs = append(workerErrs, fmt.Errorf("subscriber %s panic: %v", sub.ID, r))
					mu.Unlock()
				}
			}()
			if err := ctx.Err(); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, fmt.Errorf("context error: %w", err))
				mu.Unlock()
				return
			}
			if err := sub.Deliver(ctx, evt); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, fmt.Errorf("subscriber %s: %w", sub.ID, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(workerErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors(
		"event fan-out",
		workerErrs,
		observability.Field{Key: "escrow_id", Value: evt.EscrowID},
		observability.Field{Key: "event_kind", Value: string(evt.Kind)},
		observability.Field{Key: "subscriber_count", Value: count},
		observability.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
	)
}
