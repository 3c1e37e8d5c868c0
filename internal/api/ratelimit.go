package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Ingest Rate Limiting
//
// Two layers guard the ingest path, both over a 60 s window:
//
//   - a process-wide limiter (1000 requests/min across all clients)
//   - a per-participant token bucket keyed on the payload's machineId,
//     falling back to the source IP when the payload carries none
//
// The global layer uses golang.org/x/time/rate; the per-key layer keeps
// its own buckets so idle participants can be swept.

const (
	globalRequestsPerMin      = 1000
	participantRequestsPerMin = 100
	cleanupIdleDuration       = 10 * time.Minute
)

type keyBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// IngestLimiter holds the global limiter and the per-key bucket state.
type IngestLimiter struct {
	global  *rate.Limiter
	rate    float64 // tokens added per second per key
	burst   float64 // max bucket capacity per key
	mu      sync.Mutex
	buckets map[string]*keyBucket
}

// NewIngestLimiter creates the two-layer limiter with the contract limits.
func NewIngestLimiter() *IngestLimiter {
	return NewIngestLimiterWith(globalRequestsPerMin, participantRequestsPerMin)
}

// NewIngestLimiterWith allows tests to tighten the caps.
func NewIngestLimiterWith(globalPerMin, perKeyPerMin int) *IngestLimiter {
	rl := &IngestLimiter{
		global:  rate.NewLimiter(rate.Limit(float64(globalPerMin)/60.0), globalPerMin),
		rate:    float64(perKeyPerMin) / 60.0,
		burst:   float64(perKeyPerMin),
		buckets: make(map[string]*keyBucket),
	}
	go rl.cleanupLoop()
	return rl
}

// AllowGlobal consumes one token from the process-wide budget.
func (rl *IngestLimiter) AllowGlobal() bool {
	return rl.global.Allow()
}

// AllowParticipant consumes one token from the key's bucket and reports
// whether the request may proceed, with a retry hint when it may not.
func (rl *IngestLimiter) AllowParticipant(key string) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &keyBucket{tokens: rl.burst, lastSeen: time.Now()}
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastSeen).Seconds()
	bucket.tokens += elapsed * rl.rate
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1.0-bucket.tokens)/rl.rate*1000) * time.Millisecond
	return false, retryAfter
}

// cleanupLoop sweeps buckets idle longer than cleanupIdleDuration to keep
// memory bounded under transient machine ids.
func (rl *IngestLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cleanupIdleDuration)
		rl.mu.Lock()
		for key, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}
