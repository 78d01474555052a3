package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run history record not found")

// RunStatus mirrors the run_history status column.
type RunStatus string

// Run statuses persisted in run_history.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunFailed    RunStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunAborted, RunFailed:
		return true
	}
	return false
}

// RunRecord models one row of run_history.
type RunRecord struct {
	ID uuid.UUID `json:"id"`
	// Kind is the job kind recorded when the run started.
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     RunStatus  `json:"status"`
	// Summary is the closing message, or the failure reason for failed runs.
	Summary *string `json:"summary,omitempty"`
}

// SiteStats aggregates attempts per site within a run.
type SiteStats struct {
	RunID      uuid.UUID `json:"runId"`
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"lastUpdate"`
	Attempts   int64     `json:"attempts"`
	Artifacts  int64     `json:"artifacts"`
	Retries    int64     `json:"retries"`
	Status2xx  int64     `json:"status2xx"`
	Status3xx  int64     `json:"status3xx"`
	Status4xx  int64     `json:"status4xx"`
	Status5xx  int64     `json:"status5xx"`
	// StatusOther counts attempts that failed without an HTTP status.
	StatusOther int64 `json:"statusOther"`
}

// SiteDelta is an increment applied to one site's counters.
type SiteDelta struct {
	Attempts    int64
	Artifacts   int64
	Retries     int64
	StatusClass string
	At          time.Time
}

// HistoryRepository persists run outcomes and per-site attempt counters.
type HistoryRepository interface {
	// UpsertRunStart inserts the run or idempotently refreshes it.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, kind string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and summary.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, summary *string) error
	// UpsertSiteStats adds delta to the (run, site) counters.
	UpsertSiteStats(ctx context.Context, runID uuid.UUID, site string, delta SiteDelta) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error)
	// ListRuns returns runs, newest first, filtered by an optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]RunRecord, error)
	// ListRunSites returns the site counters of one run.
	ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
