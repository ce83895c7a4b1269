// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access to durable pipeline state. Notable routes:
//   - GET /healthz / readyz for probes; readyz follows the fingerprint store.
//   - GET /metrics for Prometheus scraping over the injected registry.
//   - GET/DELETE /v1/checkpoints/... for checkpoint inspection, export, and
//     reset via the CheckpointSource interface.
//   - GET /v1/fingerprints/stats for dedup store totals.
package api
