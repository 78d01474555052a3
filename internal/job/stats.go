package job

import (
	"math"
	"sync"
	"time"
)

// Stats is derived from the terminal attempt table; it is never mutated
// directly.
type Stats struct {
	// TotalTime is the wall-clock seconds since the run entered running.
	TotalTime      float64 `json:"totalTime"`
	ProcessedFiles int     `json:"processedFiles"`
	Errors         int     `json:"errors"`
	SuccessRate    float64 `json:"successRate"`
	ProcessedURLs  int     `json:"processedUrls"`
	TotalURLs      int     `json:"totalUrls"`
	Succeeded      int     `json:"succeeded"`
}

// Percent is the share of work items that reached a terminal state.
func (s Stats) Percent() int {
	if s.TotalURLs == 0 {
		return 0
	}
	return s.ProcessedURLs * 100 / s.TotalURLs
}

// Aggregator folds terminal attempts into Stats. Each item keeps only its
// final attempt, so recording the same item twice replaces the earlier entry.
type Aggregator struct {
	mu       sync.RWMutex
	total    int
	started  time.Time
	terminal map[string]Attempt
}

// NewAggregator builds an aggregator for a run of total items that entered
// running at started.
func NewAggregator(total int, started time.Time) *Aggregator {
	return &Aggregator{
		total:    total,
		started:  started,
		terminal: make(map[string]Attempt, total),
	}
}

// Record adds a terminal attempt. Non-terminal attempts are ignored.
func (a *Aggregator) Record(attempt Attempt) {
	if !attempt.Terminal() {
		return
	}
	a.mu.Lock()
	a.terminal[attempt.ItemID] = attempt
	a.mu.Unlock()
}

// Snapshot recomputes every counter from the terminal table as of now.
func (a *Aggregator) Snapshot(now time.Time) Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{TotalURLs: a.total}
	for _, attempt := range a.terminal {
		stats.ProcessedURLs++
		switch attempt.Outcome {
		case OutcomeSucceeded:
			stats.Succeeded++
			stats.ProcessedFiles += len(attempt.Artifacts)
		case OutcomeFailed:
			stats.Errors++
		}
	}
	stats.SuccessRate = SuccessRate(stats.Succeeded, stats.ProcessedURLs)
	if !a.started.IsZero() && now.After(a.started) {
		stats.TotalTime = round2(now.Sub(a.started).Seconds())
	}
	return stats
}

// SuccessRate is 100 x succeeded / terminal, or 0 when nothing is terminal.
func SuccessRate(succeeded, terminal int) float64 {
	if terminal <= 0 {
		return 0
	}
	return float64(succeeded) * 100 / float64(terminal)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
