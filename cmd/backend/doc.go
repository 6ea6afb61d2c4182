// Package main hosts the fleet backend entrypoint.
//
// Architecture overview:
//   - Websocket gateway: crawler workers connect to /ws/worker. Each socket
//     gets one sequential read loop feeding the protocol handler, so message
//     order within a connection is preserved.
//   - Protocol pipeline: internal/protocol frames newline-delimited JSON,
//     parses and validates each message, then fans routed messages out
//     through a buffered event hub so persistence never blocks the read path.
//   - Jobs: internal/jobs owns the lifecycle state machine, spawns dependent
//     jobs when a discovery crawl completes, merges progress reports, and
//     re-queues failed or stuck jobs on a 30 minute recovery schedule.
//   - Persistence: Postgres via pgx when db.dsn is configured, in-memory
//     stores otherwise. Idempotent inserts lean on database uniqueness, not
//     application locks.
//   - HTTP API: internal/api exposes health probes, Prometheus metrics,
//     read-only job state, discovery scheduling, recovery triggers, and a
//     live status stream over SSE.
//
// Configuration comes from env vars with the GLFLEET_ prefix (optionally a
// config file via -config, and a .env file via -env for local development),
// e.g. GLFLEET_SERVER_PORT, GLFLEET_DB_DSN, GLFLEET_AUTH_API_KEY.
package main
