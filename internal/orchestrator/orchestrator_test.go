package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

type listSource struct {
	items []job.WorkItem
	err   error
}

func (s listSource) Items(context.Context, job.StartCommand) ([]job.WorkItem, error) {
	return s.items, s.err
}

func urls(n int) listSource {
	items := make([]job.WorkItem, n)
	for i := range items {
		items[i] = job.WorkItem{ID: fmt.Sprintf("https://site.test/page-%02d", i)}
	}
	return listSource{items: items}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[path] = string(b)
	return "mem://" + path, nil
}

func (m *memStore) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[path]
	return v, ok
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.payloads)), nil
}

func testOptions() job.Options {
	opts := job.DefaultOptions()
	opts.RateLimit = 0
	opts.MaxConcurrentRequests = 3
	opts.CrawlTimeout = 5
	opts.MaxRetries = 0
	opts.RetryDelay = 0
	return opts
}

func newOrchestrator(t *testing.T, src job.Source, collab job.Collaborator) (*Orchestrator, *memStore) {
	t.Helper()
	store := &memStore{}
	o, err := New(Deps{
		Source: src,
		Router: KindRouter{
			job.KindList:    collab,
			job.KindSitemap: collab,
		},
		Store: store,
		Clock: wallClock{},
		IDs:   &seqIDs{},
	}, zap.NewNop())
	require.NoError(t, err)
	return o, store
}

func pageCollaborator() job.CollaboratorFunc {
	return func(_ context.Context, item job.WorkItem) (job.Output, error) {
		slug := job.Slug(item.ID)
		return job.Output{Artifacts: []job.Artifact{
			{Name: slug + ".json", Kind: job.ArtifactJSON, Content: `{"url":"` + item.ID + `"}`},
			{Name: slug + ".md", Kind: job.ArtifactMarkdown, Content: "# " + item.ID},
		}}, nil
	}
}

func waitRun(t *testing.T, run *Run) []job.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
	return run.Events().Events()
}

func eventsOfType(events []job.Event, typ job.EventType) []job.Event {
	var out []job.Event
	for _, evt := range events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func TestRunCompletesAndStreamsEvents(t *testing.T) {
	t.Parallel()

	o, store := newOrchestrator(t, urls(3), pageCollaborator())
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: testOptions()})
	require.NoError(t, err)
	events := waitRun(t, run)

	require.Equal(t, job.RunCompleted, run.State())
	for i, evt := range events {
		require.Equal(t, i, evt.Seq)
		require.Equal(t, run.ID(), evt.RunID)
	}
	require.Equal(t, job.EventStep, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, job.EventFinal, last.Type)
	require.Equal(t, job.RunCompleted, last.State)
	require.Equal(t, "Processed 3 of 3 URLs", last.Message)
	require.Empty(t, eventsOfType(events, job.EventAborted))

	files := eventsOfType(events, job.EventFile)
	require.Len(t, files, 7)
	require.Equal(t, "summary.json", files[6].File.Name)
	require.Equal(t, "/processed_data/summary.json", files[6].File.Path)

	stats := eventsOfType(events, job.EventStats)
	final := stats[len(stats)-1].Stats
	require.Equal(t, 3, final.ProcessedURLs)
	require.Equal(t, 3, final.TotalURLs)
	require.Equal(t, 6, final.ProcessedFiles)
	require.Equal(t, 0, final.Errors)
	require.InDelta(t, 100.0, final.SuccessRate, 1e-9)

	progress := eventsOfType(events, job.EventProgress)
	require.Equal(t, 100, progress[len(progress)-1].Percent)

	stored, ok := store.get("processed_data/https___site_test_page_00.json")
	require.True(t, ok)
	require.Contains(t, stored, "page-00")
	summary, ok := store.get("processed_data/summary.json")
	require.True(t, ok)
	require.Contains(t, summary, `"state": "completed"`)

	snap := o.Snapshot()
	require.Equal(t, job.RunCompleted, snap.State)
	require.Len(t, snap.Items, 3)
	for _, item := range snap.Items {
		require.Equal(t, job.ItemSucceeded, item.State)
		require.Equal(t, 1, item.Attempts)
	}
	require.Len(t, snap.Artifacts, 7)
}

func TestCancelAfterTwoDispatches(t *testing.T) {
	t.Parallel()

	started := make(chan string, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(_ context.Context, item job.WorkItem) (job.Output, error) {
		calls.Add(1)
		started <- item.ID
		<-release
		return job.Output{}, nil
	})

	o, _ := newOrchestrator(t, urls(10), collab)
	opts := testOptions()
	opts.MaxConcurrentRequests = 3
	opts.RateLimit = 0.2
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)

	require.Equal(t, "https://site.test/page-00", <-started)
	require.Equal(t, "https://site.test/page-01", <-started)
	require.True(t, o.Cancel())

	// In-flight attempts are never killed; the run stays running until they
	// report back.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, job.RunRunning, run.State())
	close(release)

	events := waitRun(t, run)
	require.Equal(t, job.RunAborted, run.State())
	require.Equal(t, int32(2), calls.Load())

	snap := run.Snapshot()
	var succeeded, untouched int
	for _, item := range snap.Items {
		switch {
		case item.State == job.ItemSucceeded:
			succeeded++
		case item.State == job.ItemQueued && item.Attempts == 0:
			untouched++
		}
	}
	require.Equal(t, 2, succeeded)
	require.Equal(t, 8, untouched)
	require.Equal(t, 2, snap.Stats.ProcessedURLs)

	aborted := eventsOfType(events, job.EventAborted)
	require.Len(t, aborted, 1)
	require.Equal(t, job.EventFinal, events[len(events)-1].Type)
	require.Equal(t, job.RunAborted, events[len(events)-1].State)
	require.Less(t, aborted[0].Seq, events[len(events)-1].Seq)
	require.False(t, o.Cancel())
}

func TestCancelDuringRetryDelayAborts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		calls.Add(1)
		return job.Output{}, job.NewTransient(errors.New("upstream flaky"))
	})
	o, _ := newOrchestrator(t, urls(1), collab)
	opts := testOptions()
	opts.MaxRetries = 2
	opts.RetryDelay = 10
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := run.Snapshot()
		return len(snap.Items) == 1 && snap.Items[0].State == job.ItemRetrying
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, run.Cancel())

	events := waitRun(t, run)
	require.Equal(t, job.RunAborted, run.State())
	require.Equal(t, int32(1), calls.Load())

	snap := run.Snapshot()
	require.Equal(t, job.ItemPermanentlyFailed, snap.Items[0].State)
	require.Equal(t, 1, snap.Items[0].Attempts)
	require.NotNil(t, snap.Items[0].Err)
	require.Contains(t, snap.Items[0].Err.Message, "retry suppressed by cancellation")
	require.Len(t, eventsOfType(events, job.EventAborted), 1)
	last := events[len(events)-1]
	require.Equal(t, job.EventFinal, last.Type)
	require.Equal(t, job.RunAborted, last.State)
}

func TestCancelWithEmptyQueueWaitsForInFlightThenAborts(t *testing.T) {
	t.Parallel()

	started := make(chan string, 2)
	release := make(chan struct{})
	collab := job.CollaboratorFunc(func(ctx context.Context, item job.WorkItem) (job.Output, error) {
		started <- item.ID
		<-release
		return pageCollaborator()(ctx, item)
	})
	o, _ := newOrchestrator(t, urls(2), collab)
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: testOptions()})
	require.NoError(t, err)

	<-started
	<-started
	require.True(t, run.Cancel())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, job.RunRunning, run.State())
	close(release)

	events := waitRun(t, run)
	require.Equal(t, job.RunAborted, run.State())
	snap := run.Snapshot()
	for _, item := range snap.Items {
		require.Equal(t, job.ItemSucceeded, item.State)
	}
	require.Equal(t, 2, snap.Stats.ProcessedURLs)
	require.Len(t, eventsOfType(events, job.EventAborted), 1)
	require.Empty(t, eventsOfType(events, job.EventError))
	require.Equal(t, job.RunAborted, events[len(events)-1].State)
}

func TestRetryExhaustsBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		calls.Add(1)
		return job.Output{}, &job.StatusError{Code: http.StatusServiceUnavailable}
	})
	o, _ := newOrchestrator(t, urls(1), collab)
	opts := testOptions()
	opts.MaxRetries = 2
	opts.RetryDelay = 0.01
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)
	events := waitRun(t, run)

	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, job.RunCompleted, run.State())
	snap := run.Snapshot()
	require.Equal(t, job.ItemPermanentlyFailed, snap.Items[0].State)
	require.Equal(t, 3, snap.Items[0].Attempts)
	require.Equal(t, job.KindTransient, snap.Items[0].Err.Kind)
	require.Equal(t, 1, snap.Stats.Errors)
	require.Zero(t, snap.Stats.SuccessRate)

	var numbers []int
	for _, evt := range eventsOfType(events, job.EventItem) {
		if evt.Item.State == job.ItemDispatched {
			numbers = append(numbers, evt.Item.Last.Number)
		}
	}
	require.Equal(t, []int{1, 2, 3}, numbers)
}

func TestTransientFailureThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(ctx context.Context, item job.WorkItem) (job.Output, error) {
		if calls.Add(1) == 1 {
			return job.Output{}, fmt.Errorf("fetch: %w", context.DeadlineExceeded)
		}
		return pageCollaborator()(ctx, item)
	})
	o, _ := newOrchestrator(t, urls(1), collab)
	opts := testOptions()
	opts.MaxRetries = 3
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)
	waitRun(t, run)

	snap := run.Snapshot()
	require.Equal(t, job.ItemSucceeded, snap.Items[0].State)
	require.Equal(t, 2, snap.Items[0].Attempts)
	require.Nil(t, snap.Items[0].Err)
	require.InDelta(t, 100.0, snap.Stats.SuccessRate, 1e-9)
}

func TestPermanentErrorIsNeverRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		calls.Add(1)
		return job.Output{}, &job.StatusError{Code: http.StatusNotFound}
	})
	o, _ := newOrchestrator(t, urls(2), collab)
	opts := testOptions()
	opts.MaxRetries = 5
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)
	waitRun(t, run)

	require.Equal(t, int32(2), calls.Load())
	snap := run.Snapshot()
	for _, item := range snap.Items {
		require.Equal(t, job.ItemPermanentlyFailed, item.State)
		require.Equal(t, 1, item.Attempts)
		require.Equal(t, job.KindPermanent, item.Err.Kind)
		require.Equal(t, http.StatusNotFound, item.Err.StatusCode)
	}
	require.Equal(t, 2, snap.Stats.Errors)
}

func TestRateLimitSpacesDispatches(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, urls(5), collab)
	opts := testOptions()
	opts.RateLimit = 0.05
	opts.MaxConcurrentRequests = 100
	begin := time.Now()
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)
	waitRun(t, run)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 5)
	require.GreaterOrEqual(t, starts[4].Sub(begin), 200*time.Millisecond)
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		current.Add(-1)
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, urls(20), collab)
	opts := testOptions()
	opts.MaxConcurrentRequests = 3
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)
	waitRun(t, run)

	require.Equal(t, job.RunCompleted, run.State())
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestProcessedIsMonotonic(t *testing.T) {
	t.Parallel()

	collab := job.CollaboratorFunc(func(_ context.Context, item job.WorkItem) (job.Output, error) {
		if strings.HasSuffix(item.ID, "3") || strings.HasSuffix(item.ID, "7") {
			return job.Output{}, errors.New("malformed page")
		}
		time.Sleep(time.Duration(len(item.ID)%3) * time.Millisecond)
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, urls(12), collab)
	opts := testOptions()
	opts.MaxConcurrentRequests = 4
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)

	var seen []job.Stats
	err = run.Subscribe(context.Background(), 0, func(evt job.Event) error {
		if evt.Type == job.EventStats {
			seen = append(seen, *evt.Stats)
		}
		return nil
	})
	require.NoError(t, err)

	prev := 0
	for _, stats := range seen {
		require.GreaterOrEqual(t, stats.ProcessedURLs, prev)
		require.LessOrEqual(t, stats.ProcessedURLs, stats.TotalURLs)
		require.GreaterOrEqual(t, stats.SuccessRate, 0.0)
		require.LessOrEqual(t, stats.SuccessRate, 100.0)
		if stats.ProcessedURLs > 0 {
			require.InDelta(t, 100*float64(stats.Succeeded)/float64(stats.ProcessedURLs), stats.SuccessRate, 1e-9)
		}
		prev = stats.ProcessedURLs
	}
	require.Equal(t, 12, prev)
	require.Equal(t, 2, seen[len(seen)-1].Errors)
}

func TestSourceFailureFailsRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		calls.Add(1)
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, listSource{err: errors.New("sitemap unreachable")}, collab)
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindSitemap, Options: testOptions()})
	require.NoError(t, err)
	events := waitRun(t, run)

	require.Equal(t, job.RunFailed, run.State())
	require.Zero(t, calls.Load())
	errs := eventsOfType(events, job.EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "sitemap unreachable")
	require.Equal(t, job.EventFinal, events[len(events)-1].Type)
	require.Equal(t, job.RunFailed, events[len(events)-1].State)
	require.Equal(t, "sitemap unreachable", run.Snapshot().Err)
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		<-release
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, urls(1), collab)
	first, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: testOptions()})
	require.NoError(t, err)

	_, err = o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: testOptions()})
	require.ErrorIs(t, err, job.ErrRunActive)

	close(release)
	waitRun(t, first)

	second, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: testOptions()})
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())
	waitRun(t, second)
	require.Equal(t, second.ID(), o.Snapshot().RunID)
}

func TestStartRejectsInvalidCommands(t *testing.T) {
	t.Parallel()

	o, _ := newOrchestrator(t, urls(1), pageCollaborator())

	opts := testOptions()
	opts.MaxConcurrentRequests = 0
	_, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.ErrorIs(t, err, job.ErrInvalidConfig)

	_, err = o.Start(context.Background(), job.StartCommand{Kind: "ftp", Options: testOptions()})
	require.ErrorIs(t, err, job.ErrInvalidConfig)

	_, err = o.Start(context.Background(), job.StartCommand{Kind: job.KindAnalysis, Options: testOptions()})
	require.ErrorIs(t, err, job.ErrInvalidConfig)

	require.Equal(t, job.RunIdle, o.Snapshot().State)
	require.Nil(t, o.Current())
	require.False(t, o.Cancel())
}

func TestSitemapRunWritesSitemapAndPublishesSummary(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	publisher := &recordingPublisher{}
	o, err := New(Deps{
		Source:       urls(2),
		Router:       KindRouter{job.KindSitemap: pageCollaborator()},
		Store:        store,
		Publisher:    publisher,
		SummaryTopic: "bmie-runs",
		Clock:        wallClock{},
		IDs:          &seqIDs{},
	}, zap.NewNop())
	require.NoError(t, err)

	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindSitemap, Options: testOptions()})
	require.NoError(t, err)
	events := waitRun(t, run)

	sitemap, ok := store.get("processed_data/sitemap.xml")
	require.True(t, ok)
	require.Contains(t, sitemap, "<loc>https://site.test/page-01</loc>")

	var names []string
	for _, evt := range eventsOfType(events, job.EventFile) {
		names = append(names, evt.File.Name)
	}
	require.Contains(t, names, "sitemap.xml")
	require.Equal(t, "summary.json", names[len(names)-1])

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.payloads, 1)
	summary, ok := publisher.payloads[0].(job.Summary)
	require.True(t, ok)
	require.Equal(t, job.RunCompleted, summary.State)
	require.Equal(t, 2, summary.Stats.Succeeded)
}

func TestShutdownCancelsRun(t *testing.T) {
	t.Parallel()

	collab := job.CollaboratorFunc(func(context.Context, job.WorkItem) (job.Output, error) {
		time.Sleep(10 * time.Millisecond)
		return job.Output{}, nil
	})
	o, _ := newOrchestrator(t, urls(50), collab)
	opts := testOptions()
	opts.MaxConcurrentRequests = 1
	opts.RateLimit = 0.05
	run, err := o.Start(context.Background(), job.StartCommand{Kind: job.KindList, Options: opts})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	require.Equal(t, job.RunAborted, run.State())
	require.Less(t, run.Snapshot().Stats.ProcessedURLs, 50)
}
