// Package api hosts the HTTP server, middleware, and REST handlers for
// operator and dashboard access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans for scan submission, POST /v1/scans/{id}/rerun to re-run.
//   - GET /v1/scans/{id}/status and /v1/scans/{id}/tasks/{type} for polling.
//   - GET /v1/queue/stats, POST /v1/queue/clear and POST /v1/cache/invalidate
//     for operational resets.
package api
