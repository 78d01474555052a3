package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/clock/system"
	"github.com/JakeFAU/bmie/internal/id/uuid"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/llm"
	"github.com/JakeFAU/bmie/internal/orchestrator"
	"github.com/JakeFAU/bmie/internal/source"
	"github.com/JakeFAU/bmie/internal/storage/memory"
	"github.com/JakeFAU/bmie/internal/stream"
)

func testDefaults() job.Options {
	opts := job.DefaultOptions()
	opts.RateLimit = 0
	opts.RetryDelay = 0
	opts.MaxRetries = 0
	opts.CrawlTimeout = 5
	return opts
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

// gate blocks every attempt until released.
type gate struct {
	once    sync.Once
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) collaborator() job.CollaboratorFunc {
	return func(ctx context.Context, item job.WorkItem) (job.Output, error) {
		select {
		case <-g.release:
			return pageCollaborator()(ctx, item)
		case <-ctx.Done():
			return job.Output{}, ctx.Err()
		}
	}
}

func newTestOrchestrator(t *testing.T, router orchestrator.Router) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Deps{
		Source: source.New(source.Config{}, zap.NewNop()),
		Router: router,
		Store:  memory.NewBlobStore(),
		Clock:  system.New(),
		IDs:    uuid.New(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func newTestServer(t *testing.T, collab job.Collaborator) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	o := newTestOrchestrator(t, orchestrator.KindRouter{
		job.KindSingle: collab,
		job.KindList:   collab,
	})
	return NewServer(o, Options{Defaults: testDefaults()}, zap.NewNop()), o
}

func decodeEvents(t *testing.T, body []byte) []job.Event {
	t.Helper()
	var events []job.Event
	err := stream.Decode(bytes.NewReader(body), func(rec stream.Record) error {
		require.NoError(t, rec.Err)
		events = append(events, rec.Event)
		return nil
	})
	require.NoError(t, err)
	return events
}

func waitTerminal(t *testing.T, o *orchestrator.Orchestrator) job.Snapshot {
	t.Helper()
	run := o.Current()
	require.NotNil(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
	return run.Snapshot()
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, pageCollaborator())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	o := newTestOrchestrator(t, orchestrator.KindRouter{})
	notReady := NewServer(o, Options{Ready: func(context.Context) error { return errors.New("bucket missing") }}, zap.NewNop())
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, pageCollaborator())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bmie_")
}

func TestServerStartJobStreamsEvents(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, pageCollaborator())
	body := `{"kind":"list","input":"https://a.test\nhttps://b.test","config":{"maxConcurrentRequests":2}}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ContentTypeNDJSON, rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Run-ID"))

	events := decodeEvents(t, rec.Body.Bytes())
	require.NotEmpty(t, events)
	for i, evt := range events {
		require.Equal(t, i, evt.Seq)
	}
	last := events[len(events)-1]
	require.Equal(t, job.EventFinal, last.Type)
	require.Equal(t, job.RunCompleted, last.State)

	files := 0
	for _, evt := range events {
		if evt.Type == job.EventFile {
			files++
		}
	}
	// Two pages, two artifacts each, plus the summary file.
	require.Equal(t, 5, files)
}

func TestServerStartJobDetached(t *testing.T) {
	t.Parallel()

	server, o := newTestServer(t, pageCollaborator())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs?detach=true",
		bytes.NewBufferString(`{"kind":"single","input":"https://a.test"}`)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, uuid.Valid(resp["run_id"]))

	snap := waitTerminal(t, o)
	require.Equal(t, job.RunCompleted, snap.State)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/current/events?from=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeEvents(t, rec.Body.Bytes())
	require.Equal(t, job.EventFinal, events[len(events)-1].Type)
	require.Equal(t, resp["run_id"], events[0].RunID)
}

func TestServerStartJobRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed", body: "{invalid", want: "invalid JSON"},
		{name: "unknown field", body: `{"kind":"single","input":"https://a.test","urls":[]}`, want: "unknown field"},
		{name: "unknown option", body: `{"kind":"single","input":"https://a.test","config":{"depth":2}}`, want: "unknown field"},
		{name: "unknown kind", body: `{"kind":"crawl","input":"https://a.test"}`, want: "unknown job kind"},
		{name: "invalid options", body: `{"kind":"single","input":"https://a.test","config":{"maxConcurrentRequests":0}}`, want: "maxConcurrentRequests"},
		{name: "no collaborator", body: `{"kind":"sitemap","input":"https://a.test/sitemap.xml"}`, want: "no collaborator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, _ := newTestServer(t, pageCollaborator())
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(tt.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServerStartWhileRunningConflicts(t *testing.T) {
	t.Parallel()

	g := newGate()
	server, o := newTestServer(t, g.collaborator())
	t.Cleanup(g.open)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs?detach=1",
		bytes.NewBufferString(`{"kind":"single","input":"https://a.test"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs",
		bytes.NewBufferString(`{"kind":"single","input":"https://b.test"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)

	g.open()
	require.Equal(t, job.RunCompleted, waitTerminal(t, o).State)
}

func TestServerCancel(t *testing.T) {
	t.Parallel()

	g := newGate()
	server, o := newTestServer(t, g.collaborator())
	t.Cleanup(g.open)

	cancel := func() bool {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/current/cancel", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]bool
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp["canceled"]
	}
	require.False(t, cancel(), "cancel while idle is a no-op")

	rec := httptest.NewRecorder()
	body := `{"kind":"list","input":"https://a.test\nhttps://b.test\nhttps://c.test","config":{"maxConcurrentRequests":1}}`
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs?detach=true", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		for _, item := range o.Snapshot().Items {
			if item.State == job.ItemDispatched {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, cancel())
	g.open()

	snap := waitTerminal(t, o)
	require.Equal(t, job.RunAborted, snap.State)
	require.False(t, cancel(), "cancel after the run ended is a no-op")
}

func TestServerAnalyzeMultipart(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got job.StartCommand
	)
	analysis := job.CollaboratorFunc(func(_ context.Context, item job.WorkItem) (job.Output, error) {
		return job.Output{
			Steps:     []string{"Step 1"},
			Artifacts: []job.Artifact{{Name: llm.ReportArtifact, Kind: job.ArtifactMarkdown, Content: "# " + string(item.Payload)}},
		}, nil
	})
	o := newTestOrchestrator(t, orchestrator.RouterFunc(func(cmd job.StartCommand) (job.Collaborator, error) {
		mu.Lock()
		got = cmd
		mu.Unlock()
		return analysis, nil
	}))
	server := NewServer(o, Options{Defaults: testDefaults()}, zap.NewNop())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "acme.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Acme"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("provider", "anthropic"))
	require.NoError(t, mw.WriteField("model", "claude-test"))
	require.NoError(t, mw.WriteField("apiKey", "sk-secret"))
	require.NoError(t, mw.WriteField("options", `{"outputDir":"reports"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeEvents(t, rec.Body.Bytes())
	require.Equal(t, job.RunCompleted, events[len(events)-1].State)
	require.NotContains(t, rec.Body.String(), "sk-secret")

	var report *job.Artifact
	for _, evt := range events {
		if evt.Type == job.EventFile && evt.File.Name == llm.ReportArtifact {
			report = evt.File
		}
	}
	require.NotNil(t, report)
	require.Equal(t, "# Acme", report.Content)
	require.Equal(t, "/reports/"+llm.ReportArtifact, report.Path)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, job.KindAnalysis, got.Kind)
	require.Equal(t, "anthropic", got.Meta[llm.MetaProvider])
	require.Equal(t, "claude-test", got.Meta[llm.MetaModel])
	require.Equal(t, "sk-secret", got.Credentials[llm.CredentialsKey])
	require.Equal(t, "reports", got.Options.OutputDir)
	require.Equal(t, testDefaults().MaxConcurrentRequests, got.Options.MaxConcurrentRequests)
}

func TestServerAnalyzeRequiresFile(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, pageCollaborator())
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("provider", "openai"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "file is required")
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, orchestrator.KindRouter{job.KindSingle: pageCollaborator()})
	server := NewServer(o, Options{Defaults: testDefaults(), APIKey: "s3cret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/current", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/current", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusConflict, statusFor(job.ErrRunActive))
	require.Equal(t, http.StatusBadRequest, statusFor(errors.Join(errors.New("x"), job.ErrInvalidConfig)))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
