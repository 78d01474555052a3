package server

import (
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/config"
	"github.com/JakeFAU/bmie/internal/detector"
	collyfetcher "github.com/JakeFAU/bmie/internal/fetcher/colly"
	"github.com/JakeFAU/bmie/internal/fetcher/headless"
	"github.com/JakeFAU/bmie/internal/fetcher/remote"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/llm"
	"github.com/JakeFAU/bmie/internal/orchestrator"
	"github.com/JakeFAU/bmie/internal/scrape"
)

// probeTimeout bounds a single probe request. The executor's per-item
// deadline usually fires first.
const probeTimeout = 2 * time.Minute

// RouterConfig selects the collaborators for each job kind.
type RouterConfig struct {
	Fetcher  config.FetcherConfig
	Headless config.HeadlessConfig
	LLM      config.LLMConfig
	Clock    job.Clock
	// NewModel overrides the langchaingo constructor.
	NewModel func(llm.Settings) (llms.Model, error)
}

// Router picks the collaborator for a run. Scrape kinds share one collaborator
// unless the fetcher mode is remote, in which case each run gets a client
// carrying its own options. Analysis runs get a model built from the request.
type Router struct {
	mode     string
	endpoint string
	scraper  *scrape.Collaborator
	headless *headless.Fetcher
	analysis llm.Factory
	logger   *zap.Logger
}

var _ orchestrator.Router = (*Router)(nil)

// NewRouter builds the collaborators described by cfg.
func NewRouter(cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		mode:     cfg.Fetcher.Mode,
		endpoint: cfg.Fetcher.RemoteEndpoint,
		analysis: llm.Factory{
			Defaults: llm.Settings{
				Provider: cfg.LLM.Provider,
				Model:    cfg.LLM.Model,
				APIKey:   cfg.LLM.APIKey,
				BaseURL:  cfg.LLM.BaseURL,
			},
			NewModel: cfg.NewModel,
			Clock:    cfg.Clock,
			Logger:   logger.Named("analysis"),
		},
		logger: logger,
	}
	if r.mode == config.FetcherRemote {
		logger.Info("using remote scrape collaborator", zap.String("endpoint", r.endpoint))
		return r, nil
	}

	scrapeCfg := scrape.Config{
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetcher.UserAgent,
			RespectRobots: cfg.Fetcher.RespectRobots,
			Timeout:       probeTimeout,
			MaxBodyBytes:  cfg.Fetcher.MaxBodyBytes,
		}),
		Clock: cfg.Clock,
	}
	if cfg.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		r.headless = renderer
		scrapeCfg.Headless = renderer
		scrapeCfg.Detector = detector.NewHeuristic(cfg.Headless.PromotionThresh)
		logger.Info("headless promotion enabled",
			zap.Int("max_parallel", cfg.Headless.MaxParallel),
			zap.Int("promotion_threshold", cfg.Headless.PromotionThresh),
		)
	}
	scraper, err := scrape.New(scrapeCfg, logger.Named("scrape"))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("scrape collaborator init failed: %w", err)
	}
	r.scraper = scraper
	return r, nil
}

// Collaborator implements orchestrator.Router.
func (r *Router) Collaborator(cmd job.StartCommand) (job.Collaborator, error) {
	switch cmd.Kind {
	case job.KindAnalysis:
		return r.analysis.Collaborator(cmd)
	case job.KindSingle, job.KindList, job.KindSitemap:
		if r.mode == config.FetcherRemote {
			collab, err := remote.New(remote.Config{
				Endpoint: r.endpoint,
				Options:  cmd.Options,
			}, r.logger.Named("remote"))
			if err != nil {
				return nil, fmt.Errorf("remote collaborator: %w", err)
			}
			return collab, nil
		}
		return r.scraper, nil
	default:
		return nil, fmt.Errorf("no collaborator for %s jobs", cmd.Kind)
	}
}

// Close releases the headless browser, if one was started.
func (r *Router) Close() {
	if r.headless != nil {
		r.headless.Close()
	}
}
