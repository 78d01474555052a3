// Package source turns a start command's raw input into the ordered list of
// work items a run will process.
package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

// Config controls how remote inputs (sitemaps) are fetched.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxItems caps the number of items a single input may expand to. Zero
	// means unlimited.
	MaxItems int
	// MaxDepth bounds how many sitemap index levels are followed.
	MaxDepth int
}

// Resolver implements job.Source for every supported job kind.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger.Named("source")}
}

// Items resolves cmd into work items in source order. Any error is fatal to
// the run.
func (r *Resolver) Items(ctx context.Context, cmd job.StartCommand) ([]job.WorkItem, error) {
	var (
		items []job.WorkItem
		err   error
	)
	switch cmd.Kind {
	case job.KindSingle:
		items, err = single(cmd.Input)
	case job.KindList:
		items = List(cmd.Input)
	case job.KindSitemap:
		items, err = r.sitemap(ctx, cmd.Input)
	case job.KindAnalysis:
		items, err = analysis(cmd.File)
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", job.ErrInvalidConfig, cmd.Kind)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("resolve %s input: %w", cmd.Kind, job.ErrNoItems)
	}
	if r.cfg.MaxItems > 0 && len(items) > r.cfg.MaxItems {
		r.logger.Warn("truncating work items",
			zap.String("kind", string(cmd.Kind)),
			zap.Int("found", len(items)),
			zap.Int("max", r.cfg.MaxItems),
		)
		items = items[:r.cfg.MaxItems]
	}
	for i := range items {
		if items[i].Meta == nil {
			items[i].Meta = map[string]string{}
		}
		items[i].Meta["kind"] = string(cmd.Kind)
		for k, v := range cmd.Meta {
			if _, ok := items[i].Meta[k]; !ok {
				items[i].Meta[k] = v
			}
		}
	}
	return items, nil
}

func single(input string) ([]job.WorkItem, error) {
	normalized, err := NormalizeURL(input)
	if err != nil {
		return nil, fmt.Errorf("single url: %w", err)
	}
	return []job.WorkItem{{ID: normalized}}, nil
}

// List splits a pasted newline-separated URL list. Commas stay part of an
// entry. Blank lines are dropped and duplicates collapse onto their first
// occurrence. Entries that are not valid URLs are kept verbatim so they
// surface as permanent item failures instead of silently disappearing.
func List(input string) []job.WorkItem {
	seen := make(map[string]struct{})
	var items []job.WorkItem
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id := line
		if normalized, err := NormalizeURL(line); err == nil {
			id = normalized
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, job.WorkItem{ID: id})
	}
	return items
}

func analysis(file *job.FileInput) ([]job.WorkItem, error) {
	if file == nil || strings.TrimSpace(file.Name) == "" {
		return nil, fmt.Errorf("%w: analysis job requires a file", job.ErrInvalidConfig)
	}
	if len(bytes.TrimSpace(file.Content)) == 0 {
		return nil, fmt.Errorf("analysis file %q: %w", file.Name, job.ErrNoItems)
	}
	return []job.WorkItem{{
		ID:      file.Name,
		Payload: file.Content,
		Meta:    map[string]string{"file": file.Name},
	}}, nil
}
