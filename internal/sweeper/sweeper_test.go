package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tidemark/escrowd/errs"
)

type fakeTarget struct {
	mu    sync.Mutex
	ids   []string
	fail  map[string]error
	swept map[string]int
}

func newFakeTarget(ids ...string) *fakeTarget {
	return &fakeTarget{
		ids:   ids,
		fail:  make(map[string]error),
		swept: make(map[string]int),
	}
}

func (f *fakeTarget) SweepableIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeTarget) SweepOne(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[id]; ok {
		return err
	}
	f.swept[id]++
	return nil
}

func (f *fakeTarget) sweepCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swept[id]
}

func TestCycleSweepsAll(t *testing.T) {
	target := newFakeTarget("escrow-a", "escrow-b")
	s := New(target, Config{SweepsPerSecond: 1000}, nil)

	swept, failed := s.cycle(context.Background())
	if swept != 2 || failed != 0 {
		t.Fatalf("swept=%d failed=%d", swept, failed)
	}
	if target.sweepCount("escrow-a") != 1 || target.sweepCount("escrow-b") != 1 {
		t.Fatalf("counts = %v", target.swept)
	}
}

func TestCycleCountsFailures(t *testing.T) {
	target := newFakeTarget("escrow-a", "escrow-b", "escrow-c")
	target.fail["escrow-b"] = errs.New("escrow-b", errs.CodeUnavailable)

	s := New(target, Config{SweepsPerSecond: 1000}, nil)
	swept, failed := s.cycle(context.Background())
	if swept != 2 || failed != 1 {
		t.Fatalf("swept=%d failed=%d", swept, failed)
	}
}

func TestCycleIgnoresTeardownRaces(t *testing.T) {
	target := newFakeTarget("escrow-a", "escrow-b")
	target.fail["escrow-a"] = errs.New("escrow-a", errs.CodeCleanupInProgress)
	target.fail["escrow-b"] = errs.New("escrow-b", errs.CodeNotFound)

	s := New(target, Config{SweepsPerSecond: 1000}, nil)
	swept, failed := s.cycle(context.Background())
	if swept != 0 || failed != 0 {
		t.Fatalf("swept=%d failed=%d", swept, failed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	target := newFakeTarget("escrow-a")
	s := New(target, Config{Interval: time.Millisecond, SweepsPerSecond: 1000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for target.sweepCount("escrow-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper made no progress")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Interval != 30*time.Second || cfg.SweepsPerSecond != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.InitialBackoff != time.Second || cfg.MaxBackoff != 5*time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
}
