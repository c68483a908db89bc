package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitPolicy defines a token bucket: RPM is the steady refill rate in
// requests per minute, Burst the bucket capacity.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// refillRate converts the policy to tokens per second.
func (p LimitPolicy) refillRate() rate.Limit {
	r := rate.Limit(float64(p.RPM) / 60.0)
	if r <= 0 {
		r = 1 // Safe fallback
	}
	return r
}

// LimiterStore abstracts the storage for rate limiting buckets, so a
// single instance can keep them in memory while a fleet shares them
// through Redis.
type LimiterStore interface {
	// Allow reports whether the caller identified by key may proceed,
	// consuming cost tokens if so.
	Allow(ctx context.Context, key string, policy LimitPolicy, cost int) (bool, error)
}

// visitor tracks the limiter and last seen time for one key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps buckets in process memory, one per caller key.
// Suitable for single-instance deployments.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	s := &MemoryLimiterStore{visitors: make(map[string]*visitor)}
	// Start background cleanup
	go s.cleanupVisitors()
	return s
}

// cleanupVisitors removes stale entries to prevent memory leaks.
// Checks every minute, removes entries older than 3 minutes.
func (s *MemoryLimiterStore) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		s.mu.Lock()
		for key, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, key)
			}
		}
		s.mu.Unlock()
	}
}

// Allow consumes cost tokens from the key's bucket, creating it on first
// sight with the given policy.
func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	v, exists := s.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(policy.refillRate(), policy.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = time.Now()
	s.mu.Unlock()

	return v.limiter.AllowN(time.Now(), cost), nil
}
