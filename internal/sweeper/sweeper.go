// Package sweeper drives periodic recovery sweeps over live escrow instances.
package sweeper

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/tidemark/escrowd/errs"
	"github.com/tidemark/escrowd/internal/observability"
	"github.com/tidemark/escrowd/internal/telemetry"
)

// Target is the registry surface the sweeper drives.
type Target interface {
	SweepableIDs() []string
	SweepOne(ctx context.Context, id string) error
}

// Config tunes the sweep loop.
type Config struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// InitialBackoff and MaxBackoff bound the extra delay applied after a
	// cycle in which every sweep failed.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SweepsPerSecond caps the per-instance sweep rate within a cycle.
	SweepsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.SweepsPerSecond <= 0 {
		c.SweepsPerSecond = 10
	}
	return c
}

// Sweeper periodically retries recoverable balances across all escrows whose
// terms are cached. It exists so lost-and-found recovery makes progress even
// when no caller is driving the instance.
type Sweeper struct {
	target  Target
	config  Config
	limiter *rate.Limiter
	metrics *telemetry.EscrowMetrics
}

// New constructs a Sweeper. Metrics may be nil.
func New(target Target, cfg Config, metrics *telemetry.EscrowMetrics) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		target:  target,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SweepsPerSecond), 1),
		metrics: metrics,
	}
}

// Run executes sweep cycles until the context is cancelled. A cycle in which
// every sweep failed delays the next one with exponential backoff, so a
// persistently unreachable transfer backend is not hammered.
func (s *Sweeper) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.config.InitialBackoff
	backoffCfg.MaxInterval = s.config.MaxBackoff

	for {
		swept, failed := s.cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.config.Interval
		if failed > 0 && swept == 0 {
			extra := backoffCfg.NextBackOff()
			if extra == backoff.Stop {
				extra = s.config.MaxBackoff
			}
			delay += extra
			observability.Log().Warn("sweep cycle fully failed, backing off",
				observability.Field{Key: "failed", Value: failed},
				observability.Field{Key: "delay", Value: delay.String()},
			)
		} else {
			backoffCfg.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// cycle sweeps every sweepable instance once, honouring the rate limit.
func (s *Sweeper) cycle(ctx context.Context) (swept, failed int) {
	for _, id := range s.target.SweepableIDs() {
		if err := s.limiter.Wait(ctx); err != nil {
			return swept, failed
		}
		if err := s.target.SweepOne(ctx, id); err != nil {
			// Instances torn down or evicted mid-cycle are not failures.
			if errs.IsCode(err, errs.CodeCleanupInProgress) || errs.IsCode(err, errs.CodeNotFound) {
				continue
			}
			failed++
			observability.Log().Error("sweep failed",
				observability.Field{Key: "escrow_id", Value: id},
				observability.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		swept++
		s.metrics.RecordSweep(ctx)
	}
	return swept, failed
}
