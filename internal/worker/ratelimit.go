package worker

import (
	"net/http"
	"sync"
	"time"
)

// bucket implements a token bucket rate limiter for one client.
type bucket struct {
	lastUpdate time.Time
	rate       float64
	burst      int
	tokens     float64
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// newBucket creates a token bucket.
// rate is the number of requests per second to allow.
// burst is the maximum burst of requests to allow.
func newBucket(rate float64, burst int) *bucket {
	return &bucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow checks if a request should be allowed.
// Returns true if the request is allowed, false if rate limited.
func (b *bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++

	// Calculate tokens added since last update
	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastUpdate = now

	// Check if we have a token available
	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	b.rejected++
	return false
}

// PerClientRateLimiter implements per-client rate limiting.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*bucket
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a new per-client rate limiter.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		clients:         make(map[string]*bucket),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// getBucket returns the bucket for the given client key.
func (pcrl *PerClientRateLimiter) getBucket(key string) *bucket {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()

	// Periodic cleanup of idle clients
	if time.Since(pcrl.lastCleanup) > pcrl.cleanupInterval {
		pcrl.cleanupLocked()
	}

	b, exists := pcrl.clients[key]
	if !exists {
		b = newBucket(pcrl.rate, pcrl.burst)
		pcrl.clients[key] = b
	}

	return b
}

// cleanupLocked removes idle buckets. Must be called with pcrl.mu held.
// Lock ordering is always pcrl.mu then bucket.mu, and the bucket.mu critical
// section is just reading lastUpdate.
func (pcrl *PerClientRateLimiter) cleanupLocked() {
	now := time.Now()
	keysToDelete := make([]string, 0)

	for key, b := range pcrl.clients {
		b.mu.Lock()
		lastUpdate := b.lastUpdate
		b.mu.Unlock()

		if now.Sub(lastUpdate) > pcrl.maxIdleTime {
			keysToDelete = append(keysToDelete, key)
		}
	}

	for _, key := range keysToDelete {
		delete(pcrl.clients, key)
	}
	pcrl.lastCleanup = now
}

// Allow checks if a request from the given client should be allowed.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	return pcrl.getBucket(clientKey).Allow()
}

// Stats returns aggregate statistics.
// Uses two-phase approach to avoid nested lock acquisition.
func (pcrl *PerClientRateLimiter) Stats() map[string]any {
	// Phase 1: Collect buckets under pcrl.mu
	pcrl.mu.Lock()
	rate := pcrl.rate
	burst := pcrl.burst
	activeClients := len(pcrl.clients)
	buckets := make([]*bucket, 0, activeClients)
	for _, b := range pcrl.clients {
		buckets = append(buckets, b)
	}
	pcrl.mu.Unlock()

	// Phase 2: Collect counters from each bucket without holding pcrl.mu
	var totalRequests, totalRejected int64
	for _, b := range buckets {
		b.mu.Lock()
		totalRequests += b.requests
		totalRejected += b.rejected
		b.mu.Unlock()
	}

	return map[string]any{
		"rate":           rate,
		"burst":          burst,
		"active_clients": activeClients,
		"total_requests": totalRequests,
		"total_rejected": totalRejected,
	}
}

// PerClientRateLimitMiddleware creates middleware that applies per-client
// rate limiting. Clients are identified by X-Real-IP when the RealIP
// middleware has set it, falling back to RemoteAddr.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.RemoteAddr
			if ip := r.Header.Get("X-Real-IP"); ip != "" {
				clientKey = ip
			}

			if !limiter.Allow(clientKey) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
