package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// testStore connects to the database named by BINDERY_TEST_DATABASE_URL and
// returns a clean Store. Tests are skipped when the variable is unset so the
// package suite stays runnable without infrastructure.
func testStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dsn := os.Getenv("BINDERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BINDERY_TEST_DATABASE_URL not set; skipping database integration test")
	}

	store, err := NewStore(Config{
		DSN:           dsn,
		MaxConns:      4,
		EmbeddingDims: 8,
		LogLevel:      logger.Silent,
	})
	require.NoError(t, err, "NewStore failed")

	truncate := func() {
		for _, table := range []string{"tasks", "document_embeddings", "documents", "content"} {
			store.DB.Exec("DELETE FROM " + table)
		}
	}
	truncate()

	cleanup := func() {
		truncate()
		store.Close()
	}
	return store, cleanup
}

func TestStore_HealthCheck(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	ctx := context.Background()

	info := store.HealthCheck(ctx)
	require.NotNil(t, info)
	assert.Contains(t, []string{"healthy", "degraded"}, info.Status)
	assert.Greater(t, info.QueryLatency, time.Duration(0))
	assert.Greater(t, info.PoolStats.OpenConnections, 0)

	// Second call within the TTL returns the cached result
	again := store.HealthCheck(ctx)
	assert.Same(t, info, again)

	// An expired cache triggers a fresh probe
	store.healthCacheTTL = 0
	fresh := store.HealthCheck(ctx)
	assert.NotSame(t, info, fresh)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped pg unique violation", fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505"}), true},
		{"other pg error", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestNullHelpers(t *testing.T) {
	assert.Equal(t, sql.NullString{}, nullString(""))
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, nullString("x"))

	assert.False(t, nullTime(time.Time{}).Valid)
	now := time.Now()
	nt := nullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, nt.Time)
}

func TestTruncateError(t *testing.T) {
	short := "something broke"
	assert.Equal(t, short, truncateError(short))

	long := strings.Repeat("x", maxErrorLen+100)
	got := truncateError(long)
	assert.Len(t, got, maxErrorLen)
}

func TestPaginationParams(t *testing.T) {
	// ===== GOOD CASES =====
	r := httptest.NewRequest("GET", "/api/tasks?limit=25&offset=50", nil)
	params := ParsePaginationParams(r, 10)
	assert.Equal(t, 25, params.Limit)
	assert.Equal(t, 50, params.Offset)

	// ===== EDGE CASES =====
	r = httptest.NewRequest("GET", "/api/tasks", nil)
	params = ParsePaginationParams(r, 10)
	assert.Equal(t, 10, params.Limit)
	assert.Equal(t, 0, params.Offset)

	r = httptest.NewRequest("GET", "/api/tasks?limit=-5&offset=-1", nil)
	params = ParsePaginationParams(r, 10)
	assert.Equal(t, 10, params.Limit)
	assert.Equal(t, 0, params.Offset)

	r = httptest.NewRequest("GET", "/api/tasks?limit=999999", nil)
	assert.Equal(t, MaxPaginationLimit, ParseLimitParamWithMax(r, 10, 0))
	assert.Equal(t, 100, ParseLimitParamWithMax(r, 10, 100))
}
