// Package main hosts the bmie service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server starts scrape and analysis jobs and streams each run's events as NDJSON.
//     Only one run is active at a time; a second start is rejected with 409 until the first reaches a terminal state.
//   - Orchestrator: internal/orchestrator resolves the input into work items, executes them through the run's
//     collaborator under a rate limit and concurrency cap, retries transient failures, and appends every state
//     change to an ordered, replayable event log.
//   - Collaborators: scrape runs use a Colly probe with optional Chromedp promotion chosen by a heuristic
//     detector, or a remote scrape service when fetcher.mode is remote. Analysis runs call an LLM through
//     langchaingo (OpenAI, Anthropic or Ollama) with provider, model and key taken from the request or config.
//   - Persistence & fanout: artifacts are written to the configured BlobStore (memory/local/GCS) and the run
//     summary is published to Pub/Sub when a topic is configured. Progress events are batched by the progress hub
//     for the log and Prometheus sinks.
//
// Quick checklist:
//   - Configure env vars: BMIE_SERVER_PORT or PORT, BMIE_FETCHER_MODE, BMIE_HEADLESS_ENABLED, BMIE_LLM_PROVIDER,
//     BMIE_LLM_API_KEY, storage (BMIE_STORAGE_*) and pubsub (BMIE_PUBSUB_*).
//   - Run locally: go run ./cmd/bmied -config config.yaml, or go run . serve.
//   - Cloud Run: the container listens on PORT and drains the active run on SIGTERM.
package main
