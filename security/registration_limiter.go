package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerWindow caps dynamic client registrations per
	// IP per window. Registration mints credentials and writes to storage,
	// so it gets a much tighter budget than ordinary endpoint traffic.
	DefaultMaxRegistrationsPerWindow = 10

	// DefaultRegistrationWindow is the sliding window the cap applies over
	DefaultRegistrationWindow = time.Hour

	// defaultMaxRegistrationIPs bounds how many addresses are tracked
	defaultMaxRegistrationIPs = 10000

	// registrationSweepInterval is how often stale histories are swept
	registrationSweepInterval = 15 * time.Minute
)

// registrationHistory records when an address last registered clients
type registrationHistory struct {
	ip       string
	attempts []time.Time // successful registrations inside the window
	lastSeen time.Time
}

// RegistrationLimiter throttles RFC 7591 dynamic client registration per
// client IP over a sliding window. Unlike the token-bucket RateLimiter it
// counts actual registrations against a window, so a burst spent now is not
// replenished until the old attempts age out. Address tracking is bounded by
// LRU eviction plus a background sweep.
type RegistrationLimiter struct {
	mu         sync.Mutex
	byIP       map[string]*list.Element
	lru        *list.List // front = most recently seen *registrationHistory
	limit      int
	window     time.Duration
	maxTracked int

	logger    *slog.Logger
	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewRegistrationLimiter creates a registration limiter with the default
// budget of DefaultMaxRegistrationsPerWindow per IP per hour.
func NewRegistrationLimiter(logger *slog.Logger) *RegistrationLimiter {
	return newRegistrationLimiter(DefaultMaxRegistrationsPerWindow, DefaultRegistrationWindow,
		defaultMaxRegistrationIPs, registrationSweepInterval, logger)
}

func newRegistrationLimiter(limit int, window time.Duration, maxTracked int, sweepEvery time.Duration, logger *slog.Logger) *RegistrationLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultMaxRegistrationsPerWindow
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxTracked <= 0 {
		maxTracked = defaultMaxRegistrationIPs
	}
	if sweepEvery <= 0 {
		sweepEvery = registrationSweepInterval
	}

	rl := &RegistrationLimiter{
		byIP:       make(map[string]*list.Element),
		lru:        list.New(),
		limit:      limit,
		window:     window,
		maxTracked: maxTracked,
		logger:     logger,
		stopSweep:  make(chan struct{}),
	}

	go rl.sweepLoop(sweepEvery)

	return rl
}

// Allow reports whether the address may register another client, and counts
// the registration against its window when it may.
func (rl *RegistrationLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.byIP[ip]
	if !ok {
		if len(rl.byIP) >= rl.maxTracked {
			rl.evictOldest()
		}
		history := &registrationHistory{
			ip:       ip,
			attempts: []time.Time{now},
			lastSeen: now,
		}
		rl.byIP[ip] = rl.lru.PushFront(history)
		return true
	}

	rl.lru.MoveToFront(elem)
	history := elem.Value.(*registrationHistory)
	history.lastSeen = now

	// Age out attempts that left the window, filtering in place
	kept := history.attempts[:0]
	for _, at := range history.attempts {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}
	history.attempts = kept

	if len(history.attempts) >= rl.limit {
		rl.logger.Warn("Client registration budget exhausted",
			"ip", ip,
			"registrations_in_window", len(history.attempts),
			"limit", rl.limit,
			"window", rl.window)
		return false
	}

	history.attempts = append(history.attempts, now)
	return true
}

// evictOldest drops the least recently seen address. Caller holds the lock.
func (rl *RegistrationLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}

	history := elem.Value.(*registrationHistory)
	delete(rl.byIP, history.ip)
	rl.lru.Remove(elem)

	rl.logger.Debug("Registration limiter evicted least recently seen address",
		"ip", history.ip,
		"tracked", len(rl.byIP))
}

func (rl *RegistrationLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopSweep:
			return
		}
	}
}

// Cleanup drops histories for addresses unseen for two full windows, at
// which point none of their attempts can still count against the limit
func (rl *RegistrationLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdle := 2 * rl.window
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		history := elem.Value.(*registrationHistory)

		if now.Sub(history.lastSeen) > maxIdle {
			delete(rl.byIP, history.ip)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Registration limiter sweep dropped idle addresses",
			"removed", removed,
			"tracked", len(rl.byIP))
	}
}

// TrackedIPs returns how many addresses currently hold a history
func (rl *RegistrationLimiter) TrackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byIP)
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RegistrationLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopSweep)
	})
}
