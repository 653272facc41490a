// Package main hosts the fetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission
//     and status endpoints. Submitted jobs are persisted through the metadata
//     store before entering the bounded queue.
//   - Inbound sources: jobs arrive over the HTTP API or, when configured, a
//     RabbitMQ queue (internal/source/amqp). Broker deliveries are acked only
//     after the job reaches a terminal status.
//   - Orchestrator & queue: jobs flow through a bounded in-memory queue and
//     are fanned out to a fixed worker pool sized by config. Every dequeued
//     job ends in exactly one terminal status.
//   - Dispatch pipeline: the dispatcher routes each job by source type
//     (s3/ftp landing directories, generic HTTP APIs, or generated custom
//     fetchers), classifies failures, and applies the retry and regeneration
//     policy. Custom fetchers run through the lifecycle manager, which keeps
//     at most one active fetcher version per structure and heals broken ones
//     by regenerating, validating, and atomically promoting new versions.
//   - Persistence & fanout: job, version, and mapping state lives in the
//     metadata store (memory/Postgres); generated fetch plans live in the
//     code store (memory/GCS); produced files go to the upload publisher
//     (memory/GCS) and terminal statuses to the status sink (log/Pub/Sub).
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     /metrics handler.
//
// Run locally: go run ./cmd/fetcherd -config config.yaml (or rely solely on
// FETCHERD_* env overrides). The process reacts to SIGTERM for graceful
// drain and shutdown of workers.
package main
