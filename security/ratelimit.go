package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTrackedIPs bounds how many client addresses the limiter
	// remembers at once. Past the bound the least recently seen address is
	// dropped, so a scan across many source IPs cannot exhaust memory.
	defaultMaxTrackedIPs = 10000

	// limiterCleanupInterval is how often idle buckets are swept
	limiterCleanupInterval = 5 * time.Minute

	// limiterMaxIdle is how long an address may go unseen before its bucket
	// is dropped
	limiterMaxIdle = 30 * time.Minute
)

// ipBucket pairs a client address with its token bucket
type ipBucket struct {
	ip       string
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles gateway endpoints per client IP using token buckets.
// Every address gets its own bucket; tracking is bounded by LRU eviction and
// a background sweep of idle buckets.
type RateLimiter struct {
	mu         sync.Mutex
	byIP       map[string]*list.Element
	lru        *list.List // front = most recently seen *ipBucket
	perSecond  int
	burst      int
	maxTracked int

	logger    *slog.Logger
	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewRateLimiter creates a per-IP rate limiter allowing perSecond sustained
// requests with the given burst, and starts its background sweep.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	return newRateLimiter(perSecond, burst, defaultMaxTrackedIPs, limiterCleanupInterval, logger)
}

func newRateLimiter(perSecond, burst, maxTracked int, sweepEvery time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTracked <= 0 {
		maxTracked = defaultMaxTrackedIPs
	}

	rl := &RateLimiter{
		byIP:       make(map[string]*list.Element),
		lru:        list.New(),
		perSecond:  perSecond,
		burst:      burst,
		maxTracked: maxTracked,
		logger:     logger,
		stopSweep:  make(chan struct{}),
	}

	go rl.sweepLoop(sweepEvery)

	return rl
}

// Allow reports whether a request from the given address fits its budget
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.byIP[ip]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*ipBucket)
		entry.lastSeen = now
		return entry.bucket.Allow()
	}

	if len(rl.byIP) >= rl.maxTracked {
		rl.evictOldest()
	}

	entry := &ipBucket{
		ip:       ip,
		bucket:   rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst),
		lastSeen: now,
	}
	rl.byIP[ip] = rl.lru.PushFront(entry)

	return entry.bucket.Allow()
}

// evictOldest drops the least recently seen address. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*ipBucket)
	delete(rl.byIP, entry.ip)
	rl.lru.Remove(elem)

	rl.logger.Debug("Rate limiter evicted least recently seen address",
		"ip", entry.ip,
		"tracked", len(rl.byIP))
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdle)
		case <-rl.stopSweep:
			return
		}
	}
}

// Cleanup drops buckets for addresses unseen longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*ipBucket)

		if now.Sub(entry.lastSeen) > maxIdle {
			delete(rl.byIP, entry.ip)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep dropped idle addresses",
			"removed", removed,
			"tracked", len(rl.byIP))
	}
}

// TrackedIPs returns how many addresses currently hold a bucket
func (rl *RateLimiter) TrackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byIP)
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopSweep)
	})
}
