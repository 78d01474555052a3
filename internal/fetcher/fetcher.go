// Package fetcher defines the page retrieval contract shared by the probe and
// headless fetchers.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// RobotsStatus describes what the fetcher learned from robots.txt.
type RobotsStatus string

// Robots statuses.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result returned by a Fetcher implementation. Non-2xx
// responses are returned as *job.StatusError, never as a Response.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Detector decides whether a probe response needs a headless re-fetch.
type Detector interface {
	ShouldPromote(probe Response) bool
}
