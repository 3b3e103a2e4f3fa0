// Package pgvector provides PostgreSQL+pgvector storage for chunk embeddings.
//
// Vector rows and keyword rows live in one table so hybrid retrieval never
// crosses a consistency boundary: chunks whose embedding is NULL (sentinel
// model values) are invisible to vector search but still reachable through
// full-text search.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// embeddingRecord is the GORM model for the document_embeddings table
// (created by migrations).
type embeddingRecord struct {
	ID            int64          `gorm:"primaryKey;column:id"`
	DocumentID    int64          `gorm:"column:document_id"`
	ChunkIndex    int            `gorm:"column:chunk_index"`
	EmbeddingType string         `gorm:"column:embedding_type"`
	Content       string         `gorm:"column:content"`
	Model         string         `gorm:"column:model"`
	TokenCount    int            `gorm:"column:token_count"`
	Metadata      sql.NullString `gorm:"column:metadata"`
	Embedding     *pgvec.Vector  `gorm:"column:embedding"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (embeddingRecord) TableName() string { return "document_embeddings" }

// Chunk is one embeddable unit belonging to a document. A nil Embedding
// stores a sentinel row: the Model field then records why no vector exists.
type Chunk struct {
	Metadata      map[string]any
	Content       string
	Model         string
	EmbeddingType string
	Embedding     []float32
	DocumentID    int64
	ChunkIndex    int
	TokenCount    int
}

// Match is one hit from a single retrieval channel. Distance is set by
// vector search (cosine, lower is closer); Rank by keyword search
// (ts_rank_cd, higher is better).
type Match struct {
	Content       string
	Model         string
	EmbeddingType string
	ID            int64
	DocumentID    int64
	ChunkIndex    int
	Distance      float64
	Rank          float64
}

// SearchOptions narrows a search to one model space, specific embedding
// types, a single document, or documents from one source.
type SearchOptions struct {
	Model          string
	SourceType     string
	SourceID       string
	EmbeddingTypes []string
	DocumentID     int64
	Limit          int
}

// Config holds configuration for the pgvector client.
type Config struct {
	DB *gorm.DB // PostgreSQL GORM connection (required)
}

// Client provides embedding storage and both retrieval channels.
type Client struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewClient creates a new pgvector client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("DB is required")
	}

	sqlDB, err := cfg.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	return &Client{db: cfg.DB, sqlDB: sqlDB}, nil
}

// toRecord converts a Chunk to its storage row.
func toRecord(c Chunk) (embeddingRecord, error) {
	rec := embeddingRecord{
		DocumentID:    c.DocumentID,
		ChunkIndex:    c.ChunkIndex,
		EmbeddingType: c.EmbeddingType,
		Content:       c.Content,
		Model:         c.Model,
		TokenCount:    c.TokenCount,
	}

	if len(c.Embedding) > 0 {
		v := pgvec.NewVector(c.Embedding)
		rec.Embedding = &v
	}

	if len(c.Metadata) > 0 {
		raw, err := json.Marshal(c.Metadata)
		if err != nil {
			return rec, fmt.Errorf("marshal chunk metadata: %w", err)
		}
		rec.Metadata = sql.NullString{String: string(raw), Valid: true}
	}

	return rec, nil
}

// AddEmbeddings upserts chunks keyed on (document_id, chunk_index,
// embedding_type), so replaying an embed batch cannot duplicate rows.
func (c *Client) AddEmbeddings(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	records := make([]embeddingRecord, 0, len(chunks))
	for _, ch := range chunks {
		rec, err := toRecord(ch)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "document_id"}, {Name: "chunk_index"}, {Name: "embedding_type"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "model", "token_count", "metadata", "embedding",
			}),
		}).
		Create(&records).Error
}

// ReplaceForDocument atomically swaps all chunks of a document for the given
// set. Reindexing uses this so stale chunk indexes from a longer previous
// version cannot survive.
func (c *Client) ReplaceForDocument(ctx context.Context, documentID int64, chunks []Chunk) error {
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&embeddingRecord{}).Error; err != nil {
			return fmt.Errorf("delete existing chunks: %w", err)
		}

		if len(chunks) == 0 {
			return nil
		}

		records := make([]embeddingRecord, 0, len(chunks))
		for _, ch := range chunks {
			rec, err := toRecord(ch)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}

		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("replace chunks for document %d: %w", documentID, err)
	}
	return nil
}

// DeleteForDocument removes all chunks of a document.
func (c *Client) DeleteForDocument(ctx context.Context, documentID int64) error {
	return c.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&embeddingRecord{}).Error
}

// VectorSearch returns the closest chunks by cosine distance. Only rows with
// a vector in the given model's space participate; sentinel rows never match.
func (c *Client) VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]Match, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	// $1 is reserved for the query vector; filter args start at $2.
	args := []any{pgvec.NewVector(queryVec)}
	argIdx := 2

	whereClauses := []string{"embedding IS NOT NULL"}
	if opts.Model != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("model = $%d", argIdx))
		args = append(args, opts.Model)
		argIdx++
	}
	whereClauses, args, argIdx = appendCommonFilters(whereClauses, args, argIdx, opts)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, document_id, chunk_index, embedding_type, content, model,
		       embedding <=> $1 AS distance
		FROM document_embeddings
		WHERE %s
		ORDER BY distance
		LIMIT $%d`,
		strings.Join(whereClauses, " AND "),
		argIdx,
	)

	rows, err := c.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkIndex, &m.EmbeddingType,
			&m.Content, &m.Model, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// KeywordSearch returns chunks matching the query through PostgreSQL
// full-text search, best rank first. Sentinel rows participate here, which
// keeps unembedded content findable.
func (c *Client) KeywordSearch(ctx context.Context, query string, opts SearchOptions) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	args := []any{query}
	argIdx := 2

	whereClauses := []string{
		"to_tsvector('english', content) @@ plainto_tsquery('english', $1)",
	}
	whereClauses, args, argIdx = appendCommonFilters(whereClauses, args, argIdx, opts)
	args = append(args, limit)

	sqlStr := fmt.Sprintf(`
		SELECT id, document_id, chunk_index, embedding_type, content, model,
		       ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank
		FROM document_embeddings
		WHERE %s
		ORDER BY rank DESC, id ASC
		LIMIT $%d`,
		strings.Join(whereClauses, " AND "),
		argIdx,
	)

	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkIndex, &m.EmbeddingType,
			&m.Content, &m.Model, &m.Rank); err != nil {
			return nil, fmt.Errorf("scan keyword match: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// appendCommonFilters adds the embedding-type, document, and source filters
// shared by both retrieval channels. Source filters resolve through the
// documents table so they hold even while a document is mid-reindex.
func appendCommonFilters(whereClauses []string, args []any, argIdx int, opts SearchOptions) ([]string, []any, int) {
	if len(opts.EmbeddingTypes) > 0 {
		placeholders := make([]string, len(opts.EmbeddingTypes))
		for i, et := range opts.EmbeddingTypes {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, et)
			argIdx++
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("embedding_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.DocumentID > 0 {
		whereClauses = append(whereClauses, fmt.Sprintf("document_id = $%d", argIdx))
		args = append(args, opts.DocumentID)
		argIdx++
	}
	if opts.SourceType != "" {
		sub := fmt.Sprintf("SELECT id FROM documents WHERE source_type = $%d", argIdx)
		args = append(args, opts.SourceType)
		argIdx++
		if opts.SourceID != "" {
			sub += fmt.Sprintf(" AND source_id = $%d", argIdx)
			args = append(args, opts.SourceID)
			argIdx++
		}
		whereClauses = append(whereClauses, fmt.Sprintf("document_id IN (%s)", sub))
	}
	return whereClauses, args, argIdx
}

// FetchByDocument returns all chunk rows of a document in chunk order,
// sentinel rows included. Vectors are not loaded.
func (c *Client) FetchByDocument(ctx context.Context, documentID int64) ([]Chunk, error) {
	var records []embeddingRecord
	err := c.db.WithContext(ctx).
		Select("id", "document_id", "chunk_index", "embedding_type", "content",
			"model", "token_count", "metadata", "created_at").
		Where("document_id = ?", documentID).
		Order("embedding_type ASC, chunk_index ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("fetch chunks for document %d: %w", documentID, err)
	}

	chunks := make([]Chunk, 0, len(records))
	for _, rec := range records {
		ch := Chunk{
			DocumentID:    rec.DocumentID,
			ChunkIndex:    rec.ChunkIndex,
			EmbeddingType: rec.EmbeddingType,
			Content:       rec.Content,
			Model:         rec.Model,
			TokenCount:    rec.TokenCount,
		}
		if rec.Metadata.Valid {
			if err := json.Unmarshal([]byte(rec.Metadata.String), &ch.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// Count returns the total number of stored chunks.
func (c *Client) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&embeddingRecord{}).Count(&count).Error
	return count, err
}

// CountForDocument returns the number of chunks stored for a document.
func (c *Client) CountForDocument(ctx context.Context, documentID int64) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&embeddingRecord{}).
		Where("document_id = ?", documentID).Count(&count).Error
	return count, err
}

// CountUnembedded returns the number of sentinel rows (chunks without a vector).
func (c *Client) CountUnembedded(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&embeddingRecord{}).
		Where("embedding IS NULL").Count(&count).Error
	return count, err
}

// StaleModelCount returns how many embedded chunks carry a model other than
// current. A non-zero count means those documents need reindexing before
// vector search covers them again.
func (c *Client) StaleModelCount(ctx context.Context, current string) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&embeddingRecord{}).
		Where("embedding IS NOT NULL AND model != ?", current).Count(&count).Error
	return count, err
}

// StaleDocumentIDs returns the documents that have at least one embedded
// chunk in a model space other than current. Used to enqueue reindex tasks.
func (c *Client) StaleDocumentIDs(ctx context.Context, current string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []int64
	err := c.db.WithContext(ctx).Model(&embeddingRecord{}).
		Distinct("document_id").
		Where("embedding IS NOT NULL AND model != ?", current).
		Limit(limit).
		Pluck("document_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("stale document ids: %w", err)
	}
	return ids, nil
}
