// Package governor enforces the run-wide concurrency ceiling and the minimum
// spacing between dispatches.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds governor configuration.
type Config struct {
	// MaxConcurrent is the ceiling on in-flight attempts.
	MaxConcurrent int
	// Spacing is the minimum interval between two dispatch starts. Zero
	// disables spacing.
	Spacing time.Duration
	// OnWait, when set, observes time spent waiting for dispatch spacing.
	OnWait func(time.Duration)
}

// Governor hands out dispatch slots. A slot is granted only when fewer than
// MaxConcurrent slots are held and Spacing has elapsed since the previous
// grant. It is safe for concurrent use.
type Governor struct {
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64

	mu   sync.Mutex
	last time.Time
}

// Slot is a held unit of concurrency. Release is idempotent.
type Slot struct {
	g        *Governor
	released atomic.Bool
}

// New creates a Governor.
func New(cfg Config) (*Governor, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, errors.New("max concurrent must be >= 1")
	}
	if cfg.Spacing < 0 {
		return nil, errors.New("spacing must be >= 0")
	}
	limit := rate.Inf
	if cfg.Spacing > 0 {
		limit = rate.Every(cfg.Spacing)
	}
	return &Governor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Acquire blocks until a slot is available and the dispatch spacing has
// elapsed, or until ctx is done. On error no slot is held.
func (g *Governor) Acquire(ctx context.Context) (*Slot, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	start := time.Now()
	if err := g.waitSpacing(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}
	if waited := time.Since(start); waited > time.Millisecond && g.cfg.OnWait != nil {
		g.cfg.OnWait(waited)
	}
	g.inFlight.Add(1)
	return &Slot{g: g}, nil
}

// waitSpacing is called with a slot held, so at most MaxConcurrent callers
// compete here.
func (g *Governor) waitSpacing(ctx context.Context) error {
	if g.cfg.Spacing <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch spacing wait: %w", err)
	}
	// rate.Limiter accounts in fractional tokens; the floor keeps the gap
	// between grants at least Spacing.
	if !g.last.IsZero() {
		if remaining := g.cfg.Spacing - time.Since(g.last); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("dispatch spacing wait: %w", ctx.Err())
			}
		}
	}
	g.last = time.Now()
	return nil
}

// InFlight reports the number of held slots.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// MaxConcurrent returns the configured ceiling.
func (g *Governor) MaxConcurrent() int {
	return g.cfg.MaxConcurrent
}

// Release frees the slot immediately. Spacing is not re-applied on release.
func (s *Slot) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.g.inFlight.Add(-1)
	s.g.sem.Release(1)
}
