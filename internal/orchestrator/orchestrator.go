// Package orchestrator runs jobs: it resolves the work items, dispatches them
// through the governor in source order, retries transient failures, and
// records every update in the run's ordered event log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/executor"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/metrics"
	"github.com/JakeFAU/bmie/internal/policy/governor"
	"github.com/JakeFAU/bmie/internal/policy/retry"
	"github.com/JakeFAU/bmie/internal/progress"
	"github.com/JakeFAU/bmie/internal/stream"
)

// Router picks the collaborator that processes a run's items.
type Router interface {
	Collaborator(cmd job.StartCommand) (job.Collaborator, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(cmd job.StartCommand) (job.Collaborator, error)

// Collaborator calls f.
func (f RouterFunc) Collaborator(cmd job.StartCommand) (job.Collaborator, error) {
	return f(cmd)
}

// KindRouter maps each job kind to a fixed collaborator.
type KindRouter map[job.Kind]job.Collaborator

// Collaborator returns the collaborator registered for cmd.Kind.
func (r KindRouter) Collaborator(cmd job.StartCommand) (job.Collaborator, error) {
	collab, ok := r[cmd.Kind]
	if !ok || collab == nil {
		return nil, fmt.Errorf("no collaborator for %s jobs", cmd.Kind)
	}
	return collab, nil
}

// RetryConfig selects the retry strategy. The zero value is the fixed delay
// policy driven by the run's own options.
type RetryConfig struct {
	Strategy retry.Strategy
	MaxDelay time.Duration
}

// Deps bundles the orchestrator's collaborators. Source, Router, Clock and
// IDs are required.
type Deps struct {
	Source    job.Source
	Router    Router
	Store     job.BlobStore
	Hasher    job.Hasher
	Publisher job.Publisher
	// SummaryTopic is where run summaries are published. Empty disables
	// publishing.
	SummaryTopic string
	Clock        job.Clock
	IDs          job.IDGenerator
	Progress     progress.Emitter
	Retry        RetryConfig
	// FinishTimeout bounds the writes performed after the last attempt
	// (sitemap and summary artifacts, summary publish).
	FinishTimeout time.Duration
}

// Orchestrator owns at most one active run.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	current *Run
}

// New builds an Orchestrator.
func New(deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Source == nil {
		return nil, errors.New("source is required")
	}
	if deps.Router == nil {
		return nil, errors.New("router is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.FinishTimeout <= 0 {
		deps.FinishTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Start validates cmd and launches a run in the background. It fails with
// job.ErrInvalidConfig before anything starts when the command is unusable,
// and with job.ErrRunActive while another run is running. The run outlives
// ctx; only ctx's values are inherited.
func (o *Orchestrator) Start(ctx context.Context, cmd job.StartCommand) (*Run, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", job.ErrInvalidConfig, cmd.Kind)
	}
	if err := cmd.Options.Validate(); err != nil {
		return nil, err
	}
	collab, err := o.deps.Router.Collaborator(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidConfig, err)
	}
	gov, err := governor.New(governor.Config{
		MaxConcurrent: cmd.Options.MaxConcurrentRequests,
		Spacing:       cmd.Options.Spacing(),
		OnWait:        metrics.ObserveRateLimitDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidConfig, err)
	}
	policy, err := retry.New(o.deps.Retry.Strategy, cmd.Options.MaxRetries, cmd.Options.Delay(), o.deps.Retry.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidConfig, err)
	}
	storeCfg := executor.Config{
		Store:     o.deps.Store,
		Hasher:    o.deps.Hasher,
		OutputDir: cmd.Options.OutputDir,
	}
	exec, err := executor.New(collab, storeCfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidConfig, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && !o.current.State().Terminal() {
		return nil, job.ErrRunActive
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		id:       id,
		cmd:      cmd,
		deps:     o.deps,
		gov:      gov,
		policy:   policy,
		exec:     exec,
		storeCfg: storeCfg,
		log:      stream.NewLog(id),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   o.logger.With(zap.String("run_id", id), zap.String("kind", string(cmd.Kind))),
		state:    job.RunIdle,
	}
	if err := run.transition(job.RunRunning); err != nil {
		cancel()
		return nil, err
	}
	o.current = run
	go run.execute(runCtx)
	return run, nil
}

// Cancel raises the cancellation signal of the running run. It reports false
// when no run is running.
func (o *Orchestrator) Cancel() bool {
	run := o.Current()
	if run == nil {
		return false
	}
	return run.Cancel()
}

// Current returns the most recent run, or nil before the first Start.
func (o *Orchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Snapshot returns the view of the most recent run, or an idle snapshot.
func (o *Orchestrator) Snapshot() job.Snapshot {
	run := o.Current()
	if run == nil {
		return job.Snapshot{State: job.RunIdle}
	}
	return run.Snapshot()
}

// Shutdown cancels the running run, if any, and waits for it to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	run := o.Current()
	if run == nil {
		return nil
	}
	run.Cancel()
	return run.Wait(ctx)
}
