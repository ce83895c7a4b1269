// Package main hosts the crawlpipe operator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, checkpoint
//     inspection, and fingerprint stats endpoints over the durable state the
//     pipeline engine leaves behind. Checkpoint reads and resets go through
//     checkpoint.Registry; fingerprint totals come from the configured store.
//   - Durable state: one checkpoint JSON per stage under checkpoints.dir,
//     written by stage worker loops with temp-file/backup/rename atomicity;
//     one fingerprint table (postgres) or in-memory set recording every item
//     the pipeline has ever admitted.
//   - Engine: stages themselves are composed in-process by the code embedding
//     internal/orchestrator (producer -> fingerprint gate -> bounded queue ->
//     adaptive dispatch -> executor -> sink, checkpointed per batch). This
//     binary does not start crawls; it observes and maintains their state.
//   - Configuration & plumbing: Viper populates config from env/files with the
//     CRAWLPIPE_ prefix; zap provides structured logging; Prometheus metrics
//     are served from an injected registry carrying Go and process collectors.
//
// Operational notes:
//   - Resetting a checkpoint (DELETE /v1/checkpoints/{stage}) makes the next
//     run of that stage start from scratch; fingerprints still suppress
//     re-admission of previously finalized items.
//   - Shutdown is coordinated via signal.NotifyContext; SIGTERM drains the
//     HTTP server within a 10s budget before the store pool is released.
//
// Quick checklist:
//   - Configure env vars: CRAWLPIPE_SERVER_PORT, CRAWLPIPE_CHECKPOINTS_DIR,
//     CRAWLPIPE_FINGERPRINTS_PROVIDER=memory/postgres plus
//     CRAWLPIPE_FINGERPRINTS_DSN and _TABLE for postgres, and
//     CRAWLPIPE_AUTH_ENABLED/_API_KEY to guard the API.
//   - Run locally: go run ./cmd/crawlpipe -config config.yaml (or rely solely
//     on env overrides).
package main
