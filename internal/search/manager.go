// Package search provides hybrid retrieval over the chunk store, fusing
// vector similarity and PostgreSQL full-text results with Reciprocal Rank
// Fusion.
package search

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/stackmere/bindery/internal/vector/pgvector"
)

// multiSpaceRegex matches runs of whitespace for query normalization.
var multiSpaceRegex = regexp.MustCompile(`\s+`)

const (
	// Cache configuration
	defaultCacheTTL        = 30 * time.Second // short TTL keeps results fresh against indexing
	defaultCacheMaxSize    = 200
	cacheEvictionPercent   = 10
	cacheEvictionThreshold = 80 // start eviction scan at 80% capacity
	cacheCleanupInterval   = time.Minute

	// Latency tracking
	latencyHistogramCap  = 1000
	slowQueryThresholdNs = 100 * 1e6 // 100ms

	// Default query limits
	defaultQueryLimit   = 20
	maxQueryLimit       = 100
	defaultCandidateCap = 200

	// Truncation length for queries in logs
	queryLogTruncateLen = 50
)

// MatchedBy values describe which retrieval channel produced a result.
const (
	MatchedByVector  = "vector"
	MatchedByKeyword = "keyword"
	MatchedByBoth    = "both"
)

// VectorStore is the slice of the pgvector client the manager consumes.
type VectorStore interface {
	VectorSearch(ctx context.Context, queryVec []float32, opts pgvector.SearchOptions) ([]pgvector.Match, error)
	KeywordSearch(ctx context.Context, query string, opts pgvector.SearchOptions) ([]pgvector.Match, error)
}

// Embedder turns the query text into a vector in some model's space.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, string, error)
}

// Metrics tracks search performance statistics.
type Metrics struct {
	latencyHistogram  []int64
	TotalSearches     int64
	VectorSearches    int64
	KeywordSearches   int64
	TotalLatencyNs    int64
	CacheHits         int64
	CoalescedRequests int64
	SearchErrors      int64
	histogramMu       sync.Mutex
}

// GetStats returns the current search statistics.
func (m *Metrics) GetStats() map[string]any {
	totalSearches := atomic.LoadInt64(&m.TotalSearches)
	totalLatency := atomic.LoadInt64(&m.TotalLatencyNs)

	avgLatencyMs := float64(0)
	if totalSearches > 0 {
		avgLatencyMs = float64(totalLatency) / float64(totalSearches) / 1e6
	}

	return map[string]any{
		"total_searches":     totalSearches,
		"vector_searches":    atomic.LoadInt64(&m.VectorSearches),
		"keyword_searches":   atomic.LoadInt64(&m.KeywordSearches),
		"cache_hits":         atomic.LoadInt64(&m.CacheHits),
		"coalesced_requests": atomic.LoadInt64(&m.CoalescedRequests),
		"search_errors":      atomic.LoadInt64(&m.SearchErrors),
		"avg_latency_ms":     avgLatencyMs,
		"p95_latency_ms":     m.p95LatencyMs(),
	}
}

// p95LatencyMs computes the 95th percentile over the sampled latencies.
func (m *Metrics) p95LatencyMs() float64 {
	m.histogramMu.Lock()
	defer m.histogramMu.Unlock()

	if len(m.latencyHistogram) == 0 {
		return 0
	}
	sorted := make([]int64, len(m.latencyHistogram))
	copy(sorted, m.latencyHistogram)
	slices.Sort(sorted)

	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / 1e6
}

// Params describes one hybrid search request. Query doubles as the keyword
// input and the text embedded for the vector channel. Filters narrow both
// channels before ranking.
type Params struct {
	Query          string
	SourceType     string
	SourceID       string
	EmbeddingTypes []string
	DocumentID     int64
	Limit          int
}

// Result is one fused search hit. Distance is set only for vector matches,
// FTSScore only for keyword matches, so callers can tell the origins apart.
type Result struct {
	Content       string   `json:"content"`
	EmbeddingType string   `json:"embedding_type"`
	MatchedBy     string   `json:"matched_by"`
	Distance      *float64 `json:"distance,omitempty"`
	FTSScore      *float64 `json:"fts_score,omitempty"`
	RRFScore      *float64 `json:"rrf_score,omitempty"`
	ChunkID       int64    `json:"chunk_id"`
	DocumentID    int64    `json:"document_id"`
	ChunkIndex    int      `json:"chunk_index"`
}

// ResultSet is the response of one hybrid search.
type ResultSet struct {
	Query      string   `json:"query"`
	Results    []Result `json:"results"`
	TotalCount int      `json:"total_count"`
}

// cachedResult stores a search result with its expiry.
type cachedResult struct {
	result    *ResultSet
	expiresAt time.Time
}

// Config holds configuration for the search manager.
type Config struct {
	Vectors      VectorStore // chunk store, both channels (required)
	Embedder     Embedder    // query embedding; nil degrades to keyword-only
	K            int         // RRF smoothing constant, default 60
	DefaultLimit int
	MaxLimit     int
	CandidateCap int // per-channel candidate pool cap
}

// Manager runs hybrid searches with request coalescing and a short-lived
// result cache.
type Manager struct {
	ctx           context.Context
	cancel        context.CancelFunc
	searchGroup   singleflight.Group
	vectors       VectorStore
	embedder      Embedder
	metrics       *Metrics
	resultCache   map[string]*cachedResult
	resultCacheMu sync.RWMutex
	cacheTTL      time.Duration
	cacheMaxSize  int
	k             int
	defaultLimit  int
	maxLimit      int
	candidateCap  int
}

// NewManager creates a search manager and starts its cache janitor.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("Vectors is required")
	}
	if cfg.K <= 0 {
		cfg.K = DefaultRRFK
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultQueryLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = maxQueryLimit
	}
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = defaultCandidateCap
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:          ctx,
		cancel:       cancel,
		vectors:      cfg.Vectors,
		embedder:     cfg.Embedder,
		metrics:      &Metrics{latencyHistogram: make([]int64, 0, latencyHistogramCap)},
		resultCache:  make(map[string]*cachedResult),
		cacheTTL:     defaultCacheTTL,
		cacheMaxSize: defaultCacheMaxSize,
		k:            cfg.K,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		candidateCap: cfg.CandidateCap,
	}
	go m.cleanupCacheLoop()
	return m, nil
}

// Close stops the background cache janitor.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Metrics returns the search metrics for monitoring.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// CacheStats returns current cache statistics.
func (m *Manager) CacheStats() map[string]any {
	m.resultCacheMu.RLock()
	cacheSize := len(m.resultCache)
	m.resultCacheMu.RUnlock()

	return map[string]any{
		"size":     cacheSize,
		"max_size": m.cacheMaxSize,
		"ttl_sec":  m.cacheTTL.Seconds(),
	}
}

// ClearCache drops all cached results. Useful in tests and after bulk data
// changes.
func (m *Manager) ClearCache() {
	m.resultCacheMu.Lock()
	m.resultCache = make(map[string]*cachedResult)
	m.resultCacheMu.Unlock()
}

// Search runs a hybrid search with caching and coalescing of identical
// concurrent requests.
func (m *Manager) Search(ctx context.Context, params Params) (*ResultSet, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return nil, errors.New("query is required")
	}

	start := time.Now()
	defer func() {
		latency := time.Since(start).Nanoseconds()
		atomic.AddInt64(&m.metrics.TotalSearches, 1)
		atomic.AddInt64(&m.metrics.TotalLatencyNs, latency)

		m.metrics.histogramMu.Lock()
		if len(m.metrics.latencyHistogram) < latencyHistogramCap {
			m.metrics.latencyHistogram = append(m.metrics.latencyHistogram, latency)
		}
		m.metrics.histogramMu.Unlock()

		if latency > slowQueryThresholdNs {
			log.Warn().
				Str("query", truncate(params.Query, queryLogTruncateLen)).
				Dur("latency", time.Duration(latency)).
				Msg("Slow search query")
		}
	}()

	if params.Limit <= 0 {
		params.Limit = m.defaultLimit
	}
	if params.Limit > m.maxLimit {
		params.Limit = m.maxLimit
	}

	cacheKey := m.getCacheKey(params)
	if cached, ok := m.getFromCache(cacheKey); ok {
		return cached, nil
	}

	result, err, shared := m.searchGroup.Do(cacheKey, func() (any, error) {
		return m.executeSearch(ctx, params)
	})
	if err != nil {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		return nil, err
	}
	if shared {
		atomic.AddInt64(&m.metrics.CoalescedRequests, 1)
	}

	resultSet := result.(*ResultSet)
	m.putInCache(cacheKey, resultSet)
	return resultSet, nil
}

// executeSearch runs both retrieval channels and fuses them. A failing
// vector channel degrades the search to keyword-only instead of failing it.
func (m *Manager) executeSearch(ctx context.Context, params Params) (*ResultSet, error) {
	candidates := params.Limit * 2
	if candidates > m.candidateCap {
		candidates = m.candidateCap
	}

	opts := pgvector.SearchOptions{
		SourceType:     params.SourceType,
		SourceID:       params.SourceID,
		EmbeddingTypes: params.EmbeddingTypes,
		DocumentID:     params.DocumentID,
		Limit:          candidates,
	}

	vectorMatches := m.vectorChannel(ctx, params.Query, opts)

	keywordMatches, keywordErr := m.vectors.KeywordSearch(ctx, params.Query, opts)
	if keywordErr != nil {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		if len(vectorMatches) == 0 {
			return nil, fmt.Errorf("keyword search: %w", keywordErr)
		}
		log.Warn().Err(keywordErr).Msg("Keyword channel failed; serving vector results only")
	} else {
		atomic.AddInt64(&m.metrics.KeywordSearches, 1)
	}

	return m.fuse(params, vectorMatches, keywordMatches), nil
}

// vectorChannel embeds the query and runs nearest-neighbor retrieval in the
// resulting model space. Any failure returns no matches.
func (m *Manager) vectorChannel(ctx context.Context, query string, opts pgvector.SearchOptions) []pgvector.Match {
	if m.embedder == nil {
		return nil
	}

	vecs, model, err := m.embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		log.Warn().Err(err).Msg("Query embedding failed; degrading to keyword-only search")
		return nil
	}

	opts.Model = model
	matches, err := m.vectors.VectorSearch(ctx, vecs[0], opts)
	if err != nil {
		atomic.AddInt64(&m.metrics.SearchErrors, 1)
		log.Warn().Err(err).Msg("Vector channel failed; degrading to keyword-only search")
		return nil
	}

	atomic.AddInt64(&m.metrics.VectorSearches, 1)
	return matches
}

// fuse runs RRF over the two channels and builds the result set.
func (m *Manager) fuse(params Params, vectorMatches, keywordMatches []pgvector.Match) *ResultSet {
	vectorByID := make(map[int64]pgvector.Match, len(vectorMatches))
	vectorList := make([]ScoredID, len(vectorMatches))
	for i, match := range vectorMatches {
		vectorByID[match.ID] = match
		vectorList[i] = ScoredID{ID: match.ID, Score: match.Distance}
	}

	keywordByID := make(map[int64]pgvector.Match, len(keywordMatches))
	keywordList := make([]ScoredID, len(keywordMatches))
	for i, match := range keywordMatches {
		keywordByID[match.ID] = match
		keywordList[i] = ScoredID{ID: match.ID, Score: match.Rank}
	}

	fused := RRF(vectorList, keywordList, m.k)
	if len(fused) > params.Limit {
		fused = fused[:params.Limit]
	}

	results := make([]Result, 0, len(fused))
	for _, hit := range fused {
		match, fromVector := vectorByID[hit.ID]
		if !fromVector {
			match = keywordByID[hit.ID]
		}

		result := Result{
			ChunkID:       match.ID,
			DocumentID:    match.DocumentID,
			ChunkIndex:    match.ChunkIndex,
			EmbeddingType: match.EmbeddingType,
			Content:       match.Content,
		}

		rrfScore := hit.RRFScore
		result.RRFScore = &rrfScore

		switch {
		case hit.VectorRank > 0 && hit.KeywordRank > 0:
			result.MatchedBy = MatchedByBoth
		case hit.VectorRank > 0:
			result.MatchedBy = MatchedByVector
		default:
			result.MatchedBy = MatchedByKeyword
		}

		if hit.VectorRank > 0 {
			distance := vectorByID[hit.ID].Distance
			result.Distance = &distance
		}
		if hit.KeywordRank > 0 {
			ftsScore := keywordByID[hit.ID].Rank
			result.FTSScore = &ftsScore
		}

		results = append(results, result)
	}

	return &ResultSet{
		Query:      params.Query,
		Results:    results,
		TotalCount: len(results),
	}
}

// cleanupCacheLoop periodically removes expired cache entries.
func (m *Manager) cleanupCacheLoop() {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredCache()
		}
	}
}

// cleanupExpiredCache removes expired entries from the cache.
func (m *Manager) cleanupExpiredCache() {
	m.resultCacheMu.Lock()
	defer m.resultCacheMu.Unlock()

	now := time.Now()
	for key, cached := range m.resultCache {
		if now.After(cached.expiresAt) {
			delete(m.resultCache, key)
		}
	}
}

// normalizeQuery lowercases, collapses whitespace, and trims a query so
// cache keys are stable across formatting variations.
func normalizeQuery(query string) string {
	query = strings.ToLower(query)
	query = multiSpaceRegex.ReplaceAllString(query, " ")
	return strings.TrimSpace(query)
}

// getCacheKey hashes the request parameters into a compact cache key.
func (m *Manager) getCacheKey(params Params) string {
	h := fnv.New64a()

	h.Write([]byte(normalizeQuery(params.Query)))
	h.Write([]byte{'|'})
	h.Write([]byte(params.SourceType))
	h.Write([]byte{'|'})
	h.Write([]byte(params.SourceID))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(params.EmbeddingTypes, ",")))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(params.DocumentID, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(params.Limit)))

	return strconv.FormatUint(h.Sum64(), 36)
}

// getFromCache retrieves a result from cache if still valid.
func (m *Manager) getFromCache(key string) (*ResultSet, bool) {
	m.resultCacheMu.RLock()
	defer m.resultCacheMu.RUnlock()

	if cached, ok := m.resultCache[key]; ok {
		if time.Now().Before(cached.expiresAt) {
			atomic.AddInt64(&m.metrics.CacheHits, 1)
			return cached.result, true
		}
	}
	return nil, false
}

// putInCache stores a result, evicting expired entries once the cache nears
// capacity and falling back to random-order eviction when still full.
func (m *Manager) putInCache(key string, result *ResultSet) {
	m.resultCacheMu.Lock()
	defer m.resultCacheMu.Unlock()

	now := time.Now()
	cacheLen := len(m.resultCache)

	evictionThreshold := (m.cacheMaxSize * cacheEvictionThreshold) / 100
	if cacheLen >= evictionThreshold {
		for k, v := range m.resultCache {
			if now.After(v.expiresAt) {
				delete(m.resultCache, k)
			}
		}
		cacheLen = len(m.resultCache)
	}

	if cacheLen >= m.cacheMaxSize {
		evictCount := max(m.cacheMaxSize*cacheEvictionPercent/100, 1)
		evicted := 0
		for k := range m.resultCache {
			delete(m.resultCache, k)
			evicted++
			if evicted >= evictCount {
				break
			}
		}
	}

	m.resultCache[key] = &cachedResult{
		result:    result,
		expiresAt: now.Add(m.cacheTTL),
	}
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
