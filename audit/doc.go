// Package audit provides implementations of the core.AuditStore interface
// used to retain the append-only activity trail of an orchestration session
// for replay and inspection.
//
// Three backends are included:
//
//   - InMemoryStore: volatile, for tests and ephemeral sessions
//   - SQLiteStore: durable single-process storage (WAL mode)
//   - RedisStore: shared storage for multi-process deployments
//
// All backends preserve append order per session and are safe for
// concurrent use.
package audit
