// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs and /v1/jobs/{job_id} for read-only job state.
//   - POST /v1/jobs/discovery to schedule an account discovery crawl.
//   - POST /v1/recovery to trigger a recovery sweep on demand.
//   - GET /v1/status and /v1/status/stream for fleet health.
package api
