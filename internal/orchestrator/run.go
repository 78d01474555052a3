package orchestrator

import (
	"context"
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

// Run is one job run. Its mutable state is written only by the run's own
// loop goroutine; the exported methods are safe for concurrent use.
type Run struct {
	id       string
	cmd      job.StartCommand
	deps     Deps
	gov      *governor.Governor
	policy   retry.Policy
	exec     *executor.Executor
	storeCfg executor.Config
	log      *stream.Log
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger

	mu        sync.RWMutex
	state     job.RunState
	startedAt time.Time
	endedAt   time.Time
	order     []string
	items     map[string]*itemRecord
	agg       *job.Aggregator
	artifacts []job.Artifact
	runErr    string
}

type itemRecord struct {
	item     job.WorkItem
	state    job.ItemState
	attempts int
	last     *job.Attempt
}

func (r *itemRecord) status() job.ItemStatus {
	st := job.ItemStatus{ID: r.item.ID, State: r.state, Attempts: r.attempts}
	if r.last != nil {
		last := *r.last
		st.Last = &last
		st.Err = last.Err
	}
	return st
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Kind returns the job kind.
func (r *Run) Kind() job.Kind {
	return r.cmd.Kind
}

// State returns the current lifecycle state.
func (r *Run) State() job.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done is closed once the run reached a terminal state and its event log is
// closed.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is terminal or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for run %s: %w", r.id, ctx.Err())
	}
}

// Cancel raises the run's cancellation signal. No new attempts or retries are
// scheduled afterwards; attempts already in flight finish naturally. It
// reports false when the run is no longer running.
func (r *Run) Cancel() bool {
	if r.State() != job.RunRunning {
		return false
	}
	r.cancel()
	return true
}

// Events exposes the run's ordered event log.
func (r *Run) Events() *stream.Log {
	return r.log
}

// Subscribe calls fn for every event from seq from onwards until the run's
// log is closed, ctx is done, or fn fails.
func (r *Run) Subscribe(ctx context.Context, from int, fn func(job.Event) error) error {
	return r.log.Follow(ctx, from, fn)
}

// Snapshot returns a point-in-time copy of the run.
func (r *Run) Snapshot() job.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.now())
}

func (r *Run) snapshotLocked(now time.Time) job.Snapshot {
	snap := job.Snapshot{
		RunID:     r.id,
		Kind:      r.cmd.Kind,
		State:     r.state,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Artifacts: append([]job.Artifact(nil), r.artifacts...),
		Err:       r.runErr,
	}
	if r.agg != nil {
		if !r.endedAt.IsZero() {
			now = r.endedAt
		}
		snap.Stats = r.agg.Snapshot(now)
	}
	snap.Items = make([]job.ItemStatus, 0, len(r.order))
	for _, id := range r.order {
		snap.Items = append(snap.Items, r.items[id].status())
	}
	return snap
}

func (r *Run) now() time.Time {
	return r.deps.Clock.Now()
}

func (r *Run) transition(to job.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := job.ValidateRunTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	switch {
	case to == job.RunRunning:
		r.startedAt = r.now()
	case to.Terminal():
		r.endedAt = r.now()
	}
	return nil
}

type grant struct {
	slot *governor.Slot
	err  error
}

type attemptDone struct {
	id     string
	result job.Result
}

// execute is the run's loop. Every mutation of the item table happens here.
func (r *Run) execute(ctx context.Context) {
	defer close(r.done)
	defer r.log.Close()
	defer r.cancel()

	r.emitMilestone(progress.Event{Stage: progress.StageRunStart, Note: string(r.cmd.Kind)})
	r.emit(job.Event{Type: job.EventStep, Step: fmt.Sprintf("Resolving %s input", r.cmd.Kind)})

	items, err := r.deps.Source.Items(ctx, r.cmd)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(ctx, job.RunAborted, nil)
			return
		}
		r.logger.Error("resolve work items", zap.Error(err))
		r.finish(ctx, job.RunFailed, err)
		return
	}
	r.load(items)
	if len(r.order) == 0 {
		r.finish(ctx, job.RunFailed, fmt.Errorf("resolve %s input: %w", r.cmd.Kind, job.ErrNoItems))
		return
	}
	r.emit(job.Event{Type: job.EventStep, Step: r.describe(len(items))})
	r.emitProgress()

	state := r.schedule(ctx)
	if state == job.RunCompleted && ctx.Err() != nil {
		// Cancel accepted after the last item finished.
		state = job.RunAborted
	}
	r.finish(ctx, state, nil)
}

func (r *Run) describe(n int) string {
	if r.cmd.Kind == job.KindAnalysis {
		return fmt.Sprintf("Analyzing %s", r.order[0])
	}
	if n == 1 {
		return "Processing 1 URL"
	}
	return fmt.Sprintf("Processing %d URLs", n)
}

func (r *Run) load(items []job.WorkItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = make([]string, 0, len(items))
	r.items = make(map[string]*itemRecord, len(items))
	for _, item := range items {
		if _, dup := r.items[item.ID]; dup {
			continue
		}
		r.order = append(r.order, item.ID)
		r.items[item.ID] = &itemRecord{item: item, state: job.ItemQueued}
	}
	r.agg = job.NewAggregator(len(r.order), r.startedAt)
}

// schedule dispatches queued items until every item is terminal or the run is
// canceled and nothing is left in flight.
func (r *Run) schedule(ctx context.Context) job.RunState {
	queue := append([]string(nil), r.order...)
	grants := make(chan grant, 1)
	results := make(chan attemptDone)
	// Each item has at most one pending retry, so this never blocks.
	requeue := make(chan string, len(r.order))
	timers := make(map[string]*time.Timer)

	var (
		acquiring bool
		inFlight  int
		terminal  int
		canceled  bool
		cancelCh  = ctx.Done()
	)
	// observeCancel suppresses every pending retry. Items that never
	// dispatched stay queued.
	observeCancel := func() {
		canceled = true
		cancelCh = nil
		r.logger.Info("cancellation observed",
			zap.Int("in_flight", inFlight),
			zap.Int("queued", len(queue)),
			zap.Int("retrying", len(timers)),
		)
		for id, timer := range timers {
			timer.Stop()
			delete(timers, id)
			r.abandon(id, "retry suppressed by cancellation")
			terminal++
		}
	}
	for {
		// A raised token wins over completion: once canceled, the run can
		// only end aborted.
		if !canceled && ctx.Err() != nil {
			observeCancel()
		}
		if canceled {
			if inFlight == 0 && !acquiring {
				return job.RunAborted
			}
		} else if terminal == len(r.order) {
			return job.RunCompleted
		}
		if !canceled && !acquiring && len(queue) > 0 {
			acquiring = true
			go func() {
				slot, err := r.gov.Acquire(ctx)
				grants <- grant{slot: slot, err: err}
			}()
		}

		select {
		case g := <-grants:
			acquiring = false
			if g.err != nil || ctx.Err() != nil {
				g.slot.Release()
				continue
			}
			id := queue[0]
			queue = queue[1:]
			r.dispatch(ctx, id, g.slot, results)
			inFlight++

		case done := <-results:
			inFlight--
			if r.complete(done) {
				terminal++
				continue
			}
			if ctx.Err() != nil {
				r.abandon(done.id, "retry suppressed by cancellation")
				terminal++
				continue
			}
			timers[done.id] = r.scheduleRetry(done.id, requeue)

		case id := <-requeue:
			if _, pending := timers[id]; !pending {
				continue
			}
			delete(timers, id)
			if ctx.Err() != nil {
				r.abandon(id, "retry suppressed by cancellation")
				terminal++
				continue
			}
			r.setItemState(id, job.ItemQueued)
			queue = append(queue, id)

		case <-cancelCh:
			observeCancel()
		}
	}
}

func (r *Run) dispatch(ctx context.Context, id string, slot *governor.Slot, results chan<- attemptDone) {
	r.mu.Lock()
	rec := r.items[id]
	r.setItemStateLocked(rec, job.ItemDispatched)
	rec.attempts++
	attempt := job.Attempt{
		ItemID:    id,
		Number:    rec.attempts,
		StartedAt: r.now(),
		Outcome:   job.OutcomePending,
	}
	rec.last = &attempt
	status := rec.status()
	item := rec.item
	r.mu.Unlock()

	r.emit(job.Event{Type: job.EventItem, Item: &status})
	metrics.IncInFlight()

	// Attempts are detached from cancellation; they are bounded by the
	// executor timeout instead.
	attemptCtx := context.WithoutCancel(ctx)
	timeout := r.cmd.Options.Timeout()
	go func() {
		result := r.exec.Execute(attemptCtx, item, timeout)
		slot.Release()
		metrics.DecInFlight()
		results <- attemptDone{id: id, result: result}
	}()
}

// complete records the outcome of an attempt and reports whether the item is
// now terminal. A false return means a retry is due.
func (r *Run) complete(done attemptDone) bool {
	now := r.now()
	res := done.result

	r.mu.Lock()
	rec := r.items[done.id]
	attempt := *rec.last
	attempt.FinishedAt = now
	attempt.Steps = res.Steps
	if res.Succeeded() {
		attempt.Outcome = job.OutcomeSucceeded
		attempt.Artifacts = res.Artifacts
		r.artifacts = append(r.artifacts, res.Artifacts...)
	} else {
		attempt.Outcome = job.OutcomeFailed
		attempt.Err = res.Err
	}
	rec.last = &attempt

	terminal := true
	switch {
	case res.Succeeded():
		r.setItemStateLocked(rec, job.ItemSucceeded)
	case r.policy.ShouldRetry(attempt.Number, res.Err):
		r.setItemStateLocked(rec, job.ItemRetrying)
		terminal = false
	default:
		r.setItemStateLocked(rec, job.ItemPermanentlyFailed)
	}
	if terminal {
		r.agg.Record(attempt)
	}
	status := rec.status()
	r.mu.Unlock()

	r.observeAttempt(attempt, now.Sub(attempt.StartedAt))
	for _, step := range res.Steps {
		r.emit(job.Event{Type: job.EventStep, Step: step})
	}
	for i := range res.Artifacts {
		artifact := res.Artifacts[i]
		metrics.ObserveArtifact(string(artifact.Kind))
		r.emit(job.Event{Type: job.EventFile, File: &artifact})
	}
	r.emit(job.Event{Type: job.EventItem, Item: &status})
	if !terminal {
		return false
	}

	metrics.ObserveItem(string(status.State))
	if !res.Succeeded() {
		r.logger.Warn("item failed",
			zap.String("item", done.id),
			zap.Int("attempts", attempt.Number),
			zap.String("error", res.Err.Error()),
		)
	}
	r.emitProgress()
	return true
}

func (r *Run) scheduleRetry(id string, requeue chan<- string) *time.Timer {
	r.mu.RLock()
	number := r.items[id].attempts
	r.mu.RUnlock()

	delay := r.policy.Delay(number)
	metrics.ObserveRetry()
	r.emitMilestone(progress.Event{
		Stage:   progress.StageRetry,
		ItemID:  id,
		Site:    metrics.SanitizeSite(id),
		Attempt: number,
		Dur:     delay,
	})
	r.logger.Debug("retry scheduled", zap.String("item", id), zap.Int("attempt", number), zap.Duration("delay", delay))
	return time.AfterFunc(delay, func() {
		requeue <- id
	})
}

// abandon turns a pending retry into a permanent failure.
func (r *Run) abandon(id, reason string) {
	r.mu.Lock()
	rec := r.items[id]
	r.setItemStateLocked(rec, job.ItemPermanentlyFailed)
	if rec.last != nil {
		attempt := *rec.last
		if attempt.Err != nil {
			withReason := *attempt.Err
			withReason.Message = fmt.Sprintf("%s (%s)", withReason.Message, reason)
			attempt.Err = &withReason
		}
		rec.last = &attempt
		r.agg.Record(attempt)
	}
	status := rec.status()
	r.mu.Unlock()

	metrics.ObserveItem(string(status.State))
	r.emit(job.Event{Type: job.EventItem, Item: &status})
	r.emitProgress()
}

func (r *Run) setItemState(id string, to job.ItemState) {
	r.mu.Lock()
	r.setItemStateLocked(r.items[id], to)
	r.mu.Unlock()
}

func (r *Run) setItemStateLocked(rec *itemRecord, to job.ItemState) {
	if err := job.ValidateItemTransition(rec.state, to); err != nil {
		r.logger.Error("item state", zap.String("item", rec.item.ID), zap.Error(err))
	}
	rec.state = to
}

func (r *Run) observeAttempt(attempt job.Attempt, dur time.Duration) {
	metrics.ObserveAttempt(attempt.ItemID, string(attempt.Outcome), dur)
	evt := progress.Event{
		Stage:     progress.StageAttemptDone,
		ItemID:    attempt.ItemID,
		Site:      metrics.SanitizeSite(attempt.ItemID),
		Attempt:   attempt.Number,
		Artifacts: len(attempt.Artifacts),
		Dur:       dur,
	}
	switch {
	case attempt.Err == nil:
		evt.StatusClass = progress.Status2xx
	case attempt.Err.StatusCode != 0:
		evt.StatusClass = progress.ClassifyStatus(attempt.Err.StatusCode)
		evt.Note = attempt.Err.Message
	default:
		evt.StatusClass = progress.StatusOther
		evt.Note = attempt.Err.Message
	}
	r.emitMilestone(evt)
}
