package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
// embeddingDims fixes the width of the pgvector column and must match the
// configured embedding model.
func runMigrations(db *gorm.DB, embeddingDims int) error {
	if embeddingDims <= 0 {
		embeddingDims = 1536
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core tables (Task, Document, Content)
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Task{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Document{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Content{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("tasks", "documents", "content")
			},
		},

		// Migration 002: pgvector extension and document_embeddings table.
		// The embedding column width comes from configuration, so this table
		// is created with raw SQL instead of AutoMigrate.
		{
			ID: "002_document_embeddings",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE EXTENSION IF NOT EXISTS vector`,
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_embeddings (
						id BIGSERIAL PRIMARY KEY,
						document_id BIGINT NOT NULL,
						chunk_index INTEGER NOT NULL,
						embedding_type TEXT NOT NULL,
						content TEXT NOT NULL,
						model TEXT NOT NULL,
						token_count INTEGER NOT NULL DEFAULT 0,
						metadata JSONB,
						embedding vector(%d),
						created_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, embeddingDims),
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_embeddings_doc_chunk_type
					 ON document_embeddings(document_id, chunk_index, embedding_type)`,
					`CREATE INDEX IF NOT EXISTS idx_embeddings_document
					 ON document_embeddings(document_id)`,
					`CREATE INDEX IF NOT EXISTS idx_embeddings_model
					 ON document_embeddings(model)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS document_embeddings").Error
			},
		},

		// Migration 003: HNSW index for cosine distance search
		{
			ID: "003_embedding_vector_index",
			Migrate: func(tx *gorm.DB) error {
				sql := `CREATE INDEX IF NOT EXISTS idx_embeddings_vector
					ON document_embeddings
					USING hnsw (embedding vector_cosine_ops)`
				if err := tx.Exec(sql).Error; err != nil {
					// Non-fatal: older pgvector builds lack hnsw, and
					// sequential scan stays correct without the index.
					return nil
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_embeddings_vector").Error
			},
		},

		// Migration 004: Full-text search index over chunk content
		{
			ID: "004_embedding_fts_index",
			Migrate: func(tx *gorm.DB) error {
				sql := `CREATE INDEX IF NOT EXISTS idx_embeddings_content_fts
					ON document_embeddings
					USING gin (to_tsvector('english', content))`
				return tx.Exec(sql).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_embeddings_content_fts").Error
			},
		},

		// Migration 005: Query optimization indexes for the task queue
		{
			ID: "005_task_query_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					// Partial index for retention purges of terminal tasks
					`CREATE INDEX IF NOT EXISTS idx_tasks_terminal_purge
					 ON tasks(completed_at)
					 WHERE status IN ('done', 'failed')`,

					// Composite index for listing by type and status
					`CREATE INDEX IF NOT EXISTS idx_tasks_type_status
					 ON tasks(type, status, scheduled_at DESC)`,

					// Index for recently indexed document lookups
					`CREATE INDEX IF NOT EXISTS idx_documents_indexed
					 ON documents(indexed_at DESC)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						// Non-fatal: index may already exist
						continue
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_tasks_terminal_purge",
					"DROP INDEX IF EXISTS idx_tasks_type_status",
					"DROP INDEX IF EXISTS idx_documents_indexed",
				}
				for _, s := range sqls {
					_ = tx.Exec(s).Error
				}
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
