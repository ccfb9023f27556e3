// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs lists checkpoints in the spool directory.
//   - GET /v1/runs/{request_id} returns one checkpoint and its index summary.
//   - POST /v1/runs writes a new checkpoint for the supervisor to pick up.
package api
