// Package scrape is the collaborator for URL items: it fetches the page,
// re-renders JavaScript shells in a headless browser when one is configured,
// and produces the JSON record and markdown document for the URL.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/extract"
	"github.com/JakeFAU/bmie/internal/fetcher"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/metrics"
)

// Config wires the fetchers. Probe is required; Headless and Detector are
// optional and only used together.
type Config struct {
	Probe    fetcher.Fetcher
	Headless fetcher.Fetcher
	Detector fetcher.Detector
	// Headers are sent with every request.
	Headers http.Header
	Clock   job.Clock
}

// Collaborator implements job.Collaborator for page acquisition.
type Collaborator struct {
	cfg    Config
	logger *zap.Logger
}

var _ job.Collaborator = (*Collaborator)(nil)

// Record is the JSON artifact written for every page.
type Record struct {
	*extract.Page
	FinalURL     string    `json:"finalUrl"`
	StatusCode   int       `json:"statusCode"`
	ContentType  string    `json:"contentType,omitempty"`
	Headless     bool      `json:"headless"`
	RobotsStatus string    `json:"robotsStatus,omitempty"`
	FetchedAt    time.Time `json:"fetchedAt"`
	DurationMs   int64     `json:"durationMs"`
	Bytes        int       `json:"bytes"`
}

// New builds the collaborator.
func New(cfg Config, logger *zap.Logger) (*Collaborator, error) {
	if cfg.Probe == nil {
		return nil, errors.New("probe fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collaborator{cfg: cfg, logger: logger}, nil
}

// Process fetches item.ID and returns the page's JSON and markdown artifacts.
func (c *Collaborator) Process(ctx context.Context, item job.WorkItem) (job.Output, error) {
	req := fetcher.Request{URL: item.ID, Headers: c.cfg.Headers}
	resp, err := c.cfg.Probe.Fetch(ctx, req)
	if err != nil {
		return job.Output{}, fmt.Errorf("fetch %s: %w", item.ID, err)
	}
	c.logger.Debug("probe fetch succeeded", zap.String("url", item.ID), zap.Int("bytes", len(resp.Body)))

	if promoted, ok := c.maybePromote(ctx, req, resp); ok {
		resp = promoted
	}

	page, err := extract.Parse(resp.Body, resp.URL)
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("extract %s: %w", item.ID, err))
	}
	page.URL = item.ID

	record := Record{
		Page:         page,
		FinalURL:     resp.URL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Headers.Get("Content-Type"),
		Headless:     resp.UsedHeadless,
		RobotsStatus: string(resp.RobotsStatus),
		FetchedAt:    c.now(),
		DurationMs:   resp.Duration.Milliseconds(),
		Bytes:        len(resp.Body),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("encode record: %w", err))
	}

	slug := job.Slug(item.ID)
	return job.Output{Artifacts: []job.Artifact{
		{Name: slug + ".json", Kind: job.ArtifactJSON, Content: string(data)},
		{Name: slug + ".md", Kind: job.ArtifactMarkdown, Content: page.Markdown()},
	}}, nil
}

func (c *Collaborator) maybePromote(ctx context.Context, req fetcher.Request, probe fetcher.Response) (fetcher.Response, bool) {
	if c.cfg.Headless == nil || c.cfg.Detector == nil || !c.cfg.Detector.ShouldPromote(probe) {
		return probe, false
	}
	rendered, err := c.cfg.Headless.Fetch(ctx, req)
	if err != nil {
		metrics.ObserveHeadlessPromotion("error")
		c.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return probe, false
	}
	metrics.ObserveHeadlessPromotion("ok")
	c.logger.Info("headless promotion applied", zap.String("url", req.URL))
	rendered.UsedHeadless = true
	rendered.RobotsStatus = probe.RobotsStatus
	return rendered, true
}

func (c *Collaborator) now() time.Time {
	if c.cfg.Clock != nil {
		return c.cfg.Clock.Now()
	}
	return time.Now().UTC()
}
