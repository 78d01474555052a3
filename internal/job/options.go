package job

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// maxSeconds caps every seconds-based option at one day, far below the
// point where the conversion to time.Duration overflows.
const maxSeconds = 24 * 60 * 60

// Options is the configuration bundle carried by a start command. Durations
// are expressed in seconds to match the dashboard's form fields.
type Options struct {
	OutputDir             string  `json:"outputDir" mapstructure:"output_dir"`
	RateLimit             float64 `json:"rateLimit" mapstructure:"rate_limit"`
	MaxConcurrentRequests int     `json:"maxConcurrentRequests" mapstructure:"max_concurrent_requests"`
	CrawlTimeout          float64 `json:"crawlTimeout" mapstructure:"crawl_timeout"`
	MaxRetries            int     `json:"maxRetries" mapstructure:"max_retries"`
	RetryDelay            float64 `json:"retryDelay" mapstructure:"retry_delay"`
	SitemapOutput         string  `json:"sitemapOutput" mapstructure:"sitemap_output"`
	SummaryFile           string  `json:"summaryFile" mapstructure:"summary_file"`
}

// DefaultOptions mirrors the defaults offered by the dashboard form.
func DefaultOptions() Options {
	return Options{
		OutputDir:             "processed_data",
		RateLimit:             2,
		MaxConcurrentRequests: 5,
		CrawlTimeout:          30,
		MaxRetries:            3,
		RetryDelay:            5,
		SitemapOutput:         "sitemap.xml",
		SummaryFile:           "summary.json",
	}
}

// Validate rejects out-of-range values. Every error wraps ErrInvalidConfig so
// callers can map it to a client error before any run starts.
func (o Options) Validate() error {
	if strings.TrimSpace(o.OutputDir) == "" {
		return fmt.Errorf("%w: outputDir is required", ErrInvalidConfig)
	}
	if !finite(o.RateLimit) || o.RateLimit < 0 || o.RateLimit > maxSeconds {
		return fmt.Errorf("%w: rateLimit must be between 0 and %d", ErrInvalidConfig, maxSeconds)
	}
	if o.MaxConcurrentRequests < 1 {
		return fmt.Errorf("%w: maxConcurrentRequests must be >= 1", ErrInvalidConfig)
	}
	if !finite(o.CrawlTimeout) || o.CrawlTimeout < 1 || o.CrawlTimeout > maxSeconds {
		return fmt.Errorf("%w: crawlTimeout must be between 1 and %d", ErrInvalidConfig, maxSeconds)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrInvalidConfig)
	}
	if !finite(o.RetryDelay) || o.RetryDelay < 0 || o.RetryDelay > maxSeconds {
		return fmt.Errorf("%w: retryDelay must be between 0 and %d", ErrInvalidConfig, maxSeconds)
	}
	if err := validateFileName("sitemapOutput", o.SitemapOutput); err != nil {
		return err
	}
	return validateFileName("summaryFile", o.SummaryFile)
}

// Spacing is the minimum interval between two dispatches.
func (o Options) Spacing() time.Duration {
	return seconds(o.RateLimit)
}

// Timeout is the hard upper bound of a single attempt.
func (o Options) Timeout() time.Duration {
	return seconds(o.CrawlTimeout)
}

// Delay is the fixed wait before a retried item becomes eligible again.
func (o Options) Delay() time.Duration {
	return seconds(o.RetryDelay)
}

func validateFileName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %s must be a plain file name", ErrInvalidConfig, field)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
