// Package gorm provides the PostgreSQL persistence layer for bindery.
//
// It owns the task queue table (tasks), document metadata (documents),
// deduplicated bodies (content), and the schema for per-chunk embeddings
// (document_embeddings, queried through internal/vector/pgvector).
//
// All task state transitions are conditional updates keyed on status and
// lease owner, so any number of worker processes can share one database
// without an external coordinator.
//
// # Testing
//
// Integration tests need a reachable PostgreSQL with the pgvector
// extension and are gated on BINDERY_TEST_DATABASE_URL:
//
//	BINDERY_TEST_DATABASE_URL=postgres://... go test ./internal/db/gorm
package gorm
