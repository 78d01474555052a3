// Package api hosts the HTTP server, middleware, and handlers for starting and
// observing runs. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/analyze start a run and stream its events as
//     newline-delimited JSON (or answer 202 with ?detach=true).
//   - GET /v1/jobs/current, /items, /artifacts and /events observe the most
//     recent run; POST /v1/jobs/current/cancel stops it.
package api
