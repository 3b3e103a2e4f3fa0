// Package worker provides the HTTP service for bindery: the queue and
// document API, hybrid search, and the stats surface, wrapped around the
// task scheduler and maintenance loops.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stackmere/bindery/internal/config"
	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/embedding"
	"github.com/stackmere/bindery/internal/handlers"
	"github.com/stackmere/bindery/internal/maintenance"
	"github.com/stackmere/bindery/internal/pipeline"
	"github.com/stackmere/bindery/internal/scheduler"
	"github.com/stackmere/bindery/internal/search"
	"github.com/stackmere/bindery/internal/vector/pgvector"
)

// DefaultHTTPTimeout is the per-request timeout applied by the router.
const DefaultHTTPTimeout = 30 * time.Second

// TaskQueue is the queue surface the task endpoints expose.
type TaskQueue interface {
	Enqueue(ctx context.Context, t *gormdb.Task) error
	GetTask(ctx context.Context, taskID string) (*gormdb.Task, error)
	ListTasks(ctx context.Context, status, taskType string, limit, offset int) ([]gormdb.Task, error)
	CountsByStatus(ctx context.Context) (map[string]int64, error)
	RescheduleForRetry(ctx context.Context, taskID string, runAt time.Time) error
}

// DocumentStore is the document surface the document endpoints expose.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *gormdb.Document) error
	ResolveBySource(ctx context.Context, sourceType, sourceID, title string) (*gormdb.Document, error)
	UpsertBody(ctx context.Context, documentID int64, body string) (string, error)
	GetDocument(ctx context.Context, id int64) (*gormdb.Document, error)
	GetBody(ctx context.Context, documentID int64) (string, error)
	ListDocuments(ctx context.Context, sourceType string, limit, offset int) ([]gormdb.Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	SourceDocCounts(ctx context.Context) (map[string]int64, error)
}

// ChunkStore reads stored chunk rows for the document detail and stats
// endpoints.
type ChunkStore interface {
	FetchByDocument(ctx context.Context, documentID int64) ([]pgvector.Chunk, error)
	Count(ctx context.Context) (int64, error)
	CountUnembedded(ctx context.Context) (int64, error)
	StaleModelCount(ctx context.Context, current string) (int64, error)
}

// Searcher runs hybrid searches and reports its own health.
type Searcher interface {
	Search(ctx context.Context, params search.Params) (*search.ResultSet, error)
	Metrics() *search.Metrics
	CacheStats() map[string]any
	Close()
}

// Service is the worker service orchestrator. The HTTP server answers health
// checks immediately; everything behind /api/* waits for initializeAsync to
// connect the database and start the scheduler.
type Service struct {
	version string
	config  *config.Config

	// Storage and domain components, swapped in by initializeAsync.
	store     *gormdb.Store
	tasks     TaskQueue
	documents DocumentStore
	chunks    ChunkStore
	search    Searcher
	wake      *scheduler.Wake
	sched     *scheduler.Scheduler
	maint     *maintenance.Service

	// HTTP plumbing, built synchronously in NewService.
	auth    *TokenAuth
	limiter *PerClientRateLimiter
	router  *chi.Mux
	server  *http.Server

	startTime time.Time

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopWatch func()

	// Initialization state for the readiness gate.
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates the worker service with deferred initialization. The
// router and health endpoint are usable as soon as this returns; database
// connection, migrations and the scheduler come up in the background.
func NewService(version string) (*Service, error) {
	cfg := config.Get()

	auth, err := NewTokenAuth(cfg.AuthEnabled)
	if err != nil {
		return nil, fmt.Errorf("create token auth: %w", err)
	}
	if auth.IsEnabled() {
		log.Info().Str("token", auth.Token()).Msg("API token authentication enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:   version,
		config:    cfg,
		auth:      auth,
		limiter:   NewPerClientRateLimiter(float64(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		router:    chi.NewRouter(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	go svc.initializeAsync()

	return svc, nil
}

// initializeAsync performs the heavy initialization in the background:
// Postgres connect and migrations, the vector client, search, the pipeline
// and scheduler wiring, and the maintenance loops.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization")

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}
	cfg := s.config

	store, err := gormdb.NewStore(gormdb.Config{
		DSN:           cfg.DatabaseURL,
		MaxConns:      cfg.MaxConns,
		EmbeddingDims: cfg.EmbeddingDimensions,
		LogLevel:      gormlogger.Silent,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	taskStore := gormdb.NewTaskStore(store, gormdb.TaskStoreConfig{
		LeaseDuration: time.Duration(cfg.LeaseDurationSeconds) * time.Second,
		BackoffBase:   time.Duration(cfg.RetryBackoffSeconds) * time.Second,
		BackoffCap:    time.Duration(cfg.RetryBackoffMaxSecs) * time.Second,
	})
	docStore := gormdb.NewDocumentStore(store)

	vectors, err := pgvector.NewClient(pgvector.Config{DB: store.DB})
	if err != nil {
		s.setInitError(fmt.Errorf("init vector store: %w", err))
		return
	}

	// The embedding provider is optional. Without a key, search degrades to
	// the keyword channel and embed tasks fail transiently until a key shows
	// up, so nothing is lost permanently.
	var embedder embedding.Port
	if key := config.EmbeddingAPIKey(); key != "" {
		client, err := embedding.NewOpenAIClient(embedding.OpenAIConfig{
			BaseURL:    cfg.EmbeddingEndpoint,
			APIKey:     key,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Embedding client creation failed, vector channel disabled")
		} else {
			embedder = client
			log.Info().Str("model", cfg.EmbeddingModel).Msg("Embedding client ready")
		}
	} else {
		log.Warn().Msg("BINDERY_EMBEDDING_API_KEY not set, vector channel disabled")
	}

	searchCfg := search.Config{
		Vectors:      vectors,
		K:            cfg.SearchRRFK,
		DefaultLimit: cfg.SearchDefaultLimit,
		CandidateCap: cfg.SearchCandidateCap,
	}
	if embedder != nil {
		searchCfg.Embedder = embedder
	}
	searchMgr, err := search.NewManager(searchCfg)
	if err != nil {
		s.setInitError(fmt.Errorf("init search: %w", err))
		return
	}

	wake := scheduler.NewWake()
	registry := scheduler.NewRegistry()

	pipe, err := pipeline.Standard(pipeline.StandardConfig{
		Enqueuer:         &handlers.QueueEnqueuer{Tasks: taskStore, Wake: wake},
		EmbedTypes:       cfg.EmbedTypes,
		ChunkSize:        cfg.ChunkSize,
		ChunkOverlap:     cfg.ChunkOverlap,
		WebFetchMaxURLs:  cfg.WebFetchMaxURLs,
		WebFetchTimeout:  time.Duration(cfg.WebFetchTimeout) * time.Second,
		WebFetchMaxBytes: cfg.WebFetchMaxBytes,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init pipeline: %w", err))
		return
	}

	if err := handlers.New(pipe).RegisterAll(registry); err != nil {
		s.setInitError(fmt.Errorf("register task handlers: %w", err))
		return
	}

	sched, err := scheduler.New(taskStore, registry, &scheduler.ExecContext{
		Documents: docStore,
		Vectors:   vectors,
		Embedder:  embedder,
		Tasks:     taskStore,
	}, wake, scheduler.Config{
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BatchSize:      cfg.BatchSize,
		HandlerTimeout: time.Duration(cfg.HandlerTimeoutSeconds) * time.Second,
		MaxConcurrent:  cfg.MaxConcurrent,
		DrainTimeout:   time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	}, log.Logger)
	if err != nil {
		s.setInitError(fmt.Errorf("init scheduler: %w", err))
		return
	}

	maint := maintenance.NewService(taskStore, store, cfg, log.Logger)

	s.initMu.Lock()
	s.store = store
	s.tasks = taskStore
	s.documents = docStore
	s.chunks = vectors
	s.search = searchMgr
	s.wake = wake
	s.sched = sched
	s.maint = maint
	s.initMu.Unlock()

	s.ready.Store(true)
	log.Info().Msg("Async initialization complete, service ready")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		maint.Start(s.ctx)
	}()

	if stop, err := config.Watch(s.ctx, log.Logger); err != nil {
		log.Warn().Err(err).Msg("Settings watcher unavailable")
	} else {
		s.stopWatch = stop
	}
}

// setInitError records an initialization failure for the readiness endpoints.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// setupMiddleware configures the shared middleware stack. Rate limiting is
// applied per route group in setupRoutes so probes are never throttled.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(s.config.MaxBodyBytes))
	s.router.Use(RequireJSONContentType)
	s.router.Use(s.auth.Middleware)
}

// setupRoutes configures HTTP routes. Health and version answer immediately;
// everything touching storage waits behind the readiness gate.
func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(PerClientRateLimitMiddleware(s.limiter))

		r.Post("/api/tasks", s.handleEnqueueTask)
		r.Get("/api/tasks", s.handleListTasks)
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Post("/api/tasks/{id}/retry", s.handleRetryTask)

		r.Post("/api/documents", s.handleCreateDocument)
		r.Get("/api/documents", s.handleListDocuments)
		r.Get("/api/documents/{id}", s.handleGetDocument)
		r.Post("/api/documents/{id}/reindex", s.handleReindexDocument)

		r.Post("/api/search", s.handleSearch)
		r.Get("/api/stats", s.handleStats)
	})
}

// notifyWake nudges the scheduler after an enqueue so due work does not sit
// out the poll interval.
func (s *Service) notifyWake() {
	if s.wake != nil {
		s.wake.Notify()
	}
}

// Start starts the HTTP server. The server comes up immediately; requests
// hitting /api/* return 503 until async initialization finishes.
func (s *Service) Start() error {
	port := config.GetWorkerPort()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", port).
		Str("version", s.version).
		Msg("Worker HTTP server started, initialization in progress")

	return nil
}

// Shutdown gracefully stops the service: intake first, then the scheduler
// drain, then the background loops and storage.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.stopWatch != nil {
		s.stopWatch()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	if s.sched != nil {
		s.sched.Stop()
		s.sched.Wait()
	}
	if s.maint != nil {
		s.maint.Stop()
		s.maint.Wait()
	}
	if s.search != nil {
		s.search.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	s.wg.Wait()

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
