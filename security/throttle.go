package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultThrottleMaxKeys  = 10000
	defaultThrottleIdleTime = 30 * time.Minute
)

type throttleEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// EventThrottle is a per-key token bucket with LRU eviction. The Auditor uses
// it so one client cannot flood the security log.
type EventThrottle struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxKeys    int
	logger     *slog.Logger
	now        func() time.Time
	evictions  int64
	suppressed int64
}

// NewEventThrottle allows perSecond events per key with the given burst.
// At most maxKeys keys are tracked; 0 selects the default of 10,000.
func NewEventThrottle(perSecond float64, burst, maxKeys int, logger *slog.Logger) *EventThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys <= 0 {
		maxKeys = defaultThrottleMaxKeys
	}
	if burst <= 0 {
		burst = 1
	}

	return &EventThrottle{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		maxKeys: maxKeys,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may be written now.
func (t *EventThrottle) Allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		t.lru.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return t.record(entry.limiter.AllowN(now, 1))
	}

	if len(t.entries) >= t.maxKeys {
		t.evictOldest()
	}

	entry := &throttleEntry{
		key:        key,
		limiter:    rate.NewLimiter(t.limit, t.burst),
		lastAccess: now,
	}
	t.entries[key] = t.lru.PushFront(entry)

	return t.record(entry.limiter.AllowN(now, 1))
}

// record must be called with mu held.
func (t *EventThrottle) record(allowed bool) bool {
	if !allowed {
		t.suppressed++
	}
	return allowed
}

// evictOldest must be called with mu held.
func (t *EventThrottle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.key)
	t.lru.Remove(elem)
	t.evictions++

	t.logger.Debug("Event throttle LRU eviction",
		"total_evictions", t.evictions,
		"current_keys", len(t.entries))
}

// Prune drops keys idle for longer than maxIdle. A zero maxIdle uses 30 minutes.
func (t *EventThrottle) Prune(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = defaultThrottleIdleTime
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := t.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(t.entries, entry.key)
			t.lru.Remove(elem)
			removed++
		}
	}
	return removed
}

// ThrottleStats holds throttle statistics for monitoring
type ThrottleStats struct {
	Keys       int
	MaxKeys    int
	Evictions  int64
	Suppressed int64
}

// Stats returns current throttle statistics
func (t *EventThrottle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ThrottleStats{
		Keys:       len(t.entries),
		MaxKeys:    t.maxKeys,
		Evictions:  t.evictions,
		Suppressed: t.suppressed,
	}
}
