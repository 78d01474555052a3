// Package remote delegates page acquisition to an external scrape service.
// The service receives the URL and the run options and answers with the raw
// record and markdown it produced.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

const maxResponseBytes = 32 << 20

// Config wires the endpoint.
type Config struct {
	Endpoint string
	Options  job.Options
	Client   *http.Client
	Headers  http.Header
}

// Collaborator implements job.Collaborator against a remote scrape service.
type Collaborator struct {
	endpoint string
	options  job.Options
	client   *http.Client
	headers  http.Header
	logger   *zap.Logger
}

var _ job.Collaborator = (*Collaborator)(nil)

type scrapeRequest struct {
	URL    string      `json:"url"`
	Config job.Options `json:"config"`
}

type scrapeResponse struct {
	JSONPath        string          `json:"jsonPath"`
	MarkdownPath    string          `json:"markdownPath"`
	RawData         json.RawMessage `json:"rawData"`
	MarkdownContent string          `json:"markdownContent"`
}

// New validates cfg and builds the collaborator.
func New(cfg Config, logger *zap.Logger) (*Collaborator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("remote endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collaborator{
		endpoint: endpoint,
		options:  cfg.Options,
		client:   client,
		headers:  cfg.Headers,
		logger:   logger,
	}, nil
}

// Process posts the item URL to the service and converts its answer into the
// JSON and markdown artifacts.
func (c *Collaborator) Process(ctx context.Context, item job.WorkItem) (job.Output, error) {
	body, err := json.Marshal(scrapeRequest{URL: item.ID, Config: c.options})
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("build request: %w", err))
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return job.Output{}, fmt.Errorf("scrape %s: %w", item.ID, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close remote response", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return job.Output{}, &job.StatusError{Code: resp.StatusCode, URL: item.ID}
	}

	var result scrapeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("decode response for %s: %w", item.ID, err))
	}

	raw, err := indent(result.RawData)
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("format raw data for %s: %w", item.ID, err))
	}

	slug := job.Slug(item.ID)
	c.logger.Debug("remote scrape succeeded", zap.String("url", item.ID), zap.String("json_path", result.JSONPath))
	return job.Output{Artifacts: []job.Artifact{
		{Name: slug + ".json", Kind: job.ArtifactJSON, Content: raw, Path: result.JSONPath},
		{Name: slug + ".md", Kind: job.ArtifactMarkdown, Content: result.MarkdownContent, Path: result.MarkdownPath},
	}}, nil
}

func indent(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
