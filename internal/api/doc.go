// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /ws for the live event stream.
//   - /api/processes for process CRUD, manual history, on-demand scans and
//     the scan audit log.
//   - POST /api/scan and POST /api/digest to trigger the periodic jobs.
package api
