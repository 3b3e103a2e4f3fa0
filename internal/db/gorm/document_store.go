package gorm

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStore provides document metadata and content-addressable body storage.
type DocumentStore struct {
	db    *gorm.DB
	rawDB *sql.DB
}

// NewDocumentStore creates a new document store.
func NewDocumentStore(store *Store) *DocumentStore {
	return &DocumentStore{
		db:    store.DB,
		rawDB: store.GetRawDB(),
	}
}

// contentHash returns the BLAKE2b-256 hex digest used to deduplicate bodies.
func contentHash(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// CreateDocument inserts document metadata. The body arrives later through
// UpsertBody once the indexing pipeline has assembled it.
func (s *DocumentStore) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.SourceType == "" {
		doc.SourceType = "upload"
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// UpsertBody stores the body content-addressed by hash and points the
// document at it. Identical bodies share one content row.
func (s *DocumentStore) UpsertBody(ctx context.Context, documentID int64, body string) (string, error) {
	hash := contentHash(body)

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Content{Hash: hash, Body: body}).
		Error; err != nil {
		return "", fmt.Errorf("upsert content: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"content_hash": hash,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("link document body: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("link document body: document %d not found", documentID)
	}

	return hash, nil
}

// GetDocument returns the document by ID, or nil when it does not exist.
func (s *DocumentStore) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetBody returns the stored body for a document, or empty when the document
// has no body yet.
func (s *DocumentStore) GetBody(ctx context.Context, documentID int64) (string, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc == nil || !doc.ContentHash.Valid {
		return "", nil
	}

	var content Content
	if err := s.db.WithContext(ctx).First(&content, "hash = ?", doc.ContentHash.String).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get content: %w", err)
	}
	return content.Body, nil
}

// ResolveBySource finds or creates the document for an externally keyed item
// such as an email or note. The upsert is a no-op when the pair already
// exists, so concurrent indexers converge on one row.
func (s *DocumentStore) ResolveBySource(ctx context.Context, sourceType, sourceID, title string) (*Document, error) {
	if sourceType == "" || sourceID == "" {
		return nil, fmt.Errorf("resolve document: source type and id are required")
	}

	doc := &Document{
		SourceType: sourceType,
		SourceID:   nullString(sourceID),
		Title:      nullString(title),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(doc).Error; err != nil {
		return nil, fmt.Errorf("resolve document: %w", err)
	}

	var found Document
	if err := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		First(&found).Error; err != nil {
		return nil, fmt.Errorf("fetch resolved document: %w", err)
	}
	return &found, nil
}

// SetTitle updates the document title when the pipeline extracts one.
func (s *DocumentStore) SetTitle(ctx context.Context, documentID int64, title string) error {
	if title == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"title":      title,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("set document title: %w", err)
	}
	return nil
}

// MarkIndexed records when a document's embeddings were last written.
func (s *DocumentStore) MarkIndexed(ctx context.Context, documentID int64, when time.Time) error {
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"indexed_at": nullTime(when.UTC()),
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	return nil
}

// ListDocuments returns documents newest first, optionally filtered by source type.
func (s *DocumentStore) ListDocuments(ctx context.Context, sourceType string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&Document{})
	if sourceType != "" {
		query = query.Where("source_type = ?", sourceType)
	}

	var docs []Document
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// CountDocuments returns the total number of documents.
func (s *DocumentStore) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// SourceDocCounts returns document counts by source type.
func (s *DocumentStore) SourceDocCounts(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT source_type, COUNT(*)
		FROM documents
		GROUP BY source_type
	`

	rows, err := s.rawDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query source document counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var sourceType string
		var count int64
		if err := rows.Scan(&sourceType, &count); err != nil {
			return nil, fmt.Errorf("scan source doc count row: %w", err)
		}
		counts[sourceType] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source doc counts: %w", err)
	}

	return counts, nil
}
