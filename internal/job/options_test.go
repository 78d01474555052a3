package job

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValid(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	require.NoError(t, opts.Validate())
	require.Equal(t, 2*time.Second, opts.Spacing())
	require.Equal(t, 30*time.Second, opts.Timeout())
	require.Equal(t, 5*time.Second, opts.Delay())
}

func TestOptionsValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{name: "missing output dir", mutate: func(o *Options) { o.OutputDir = " " }, want: "outputDir"},
		{name: "negative rate", mutate: func(o *Options) { o.RateLimit = -1 }, want: "rateLimit"},
		{name: "nan rate", mutate: func(o *Options) { o.RateLimit = math.NaN() }, want: "rateLimit"},
		{name: "zero concurrency", mutate: func(o *Options) { o.MaxConcurrentRequests = 0 }, want: "maxConcurrentRequests"},
		{name: "short timeout", mutate: func(o *Options) { o.CrawlTimeout = 0.5 }, want: "crawlTimeout"},
		{name: "negative retries", mutate: func(o *Options) { o.MaxRetries = -1 }, want: "maxRetries"},
		{name: "negative delay", mutate: func(o *Options) { o.RetryDelay = -0.1 }, want: "retryDelay"},
		{name: "huge rate", mutate: func(o *Options) { o.RateLimit = 1e11 }, want: "rateLimit"},
		{name: "huge timeout", mutate: func(o *Options) { o.CrawlTimeout = 1e11 }, want: "crawlTimeout"},
		{name: "infinite timeout", mutate: func(o *Options) { o.CrawlTimeout = math.Inf(1) }, want: "crawlTimeout"},
		{name: "huge delay", mutate: func(o *Options) { o.RetryDelay = 1e11 }, want: "retryDelay"},
		{name: "sitemap path", mutate: func(o *Options) { o.SitemapOutput = "../sitemap.xml" }, want: "sitemapOutput"},
		{name: "missing summary", mutate: func(o *Options) { o.SummaryFile = "" }, want: "summaryFile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOptionsUpperBoundKeepsDurationsPositive(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.RateLimit = maxSeconds
	opts.CrawlTimeout = maxSeconds
	opts.RetryDelay = maxSeconds
	require.NoError(t, opts.Validate())
	require.Equal(t, 24*time.Hour, opts.Spacing())
	require.Equal(t, 24*time.Hour, opts.Timeout())
	require.Equal(t, 24*time.Hour, opts.Delay())
}

func TestSlug(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https___example_com_a_b", Slug("https://example.com/a/b"))
	require.Equal(t, "item", Slug(""))
	require.Equal(t, "/processed_data/x.json", ArtifactPath("processed_data", "x.json"))
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateRunTransition(RunIdle, RunRunning))
	require.NoError(t, ValidateRunTransition(RunRunning, RunAborted))
	require.Error(t, ValidateRunTransition(RunCompleted, RunRunning))
	require.Error(t, ValidateRunTransition(RunIdle, RunCompleted))
	require.Error(t, ValidateRunTransition(RunState("paused"), RunRunning))

	require.NoError(t, ValidateItemTransition(ItemQueued, ItemDispatched))
	require.NoError(t, ValidateItemTransition(ItemDispatched, ItemRetrying))
	require.NoError(t, ValidateItemTransition(ItemRetrying, ItemQueued))
	require.Error(t, ValidateItemTransition(ItemQueued, ItemSucceeded))
	require.Error(t, ValidateItemTransition(ItemPermanentlyFailed, ItemQueued))
}
