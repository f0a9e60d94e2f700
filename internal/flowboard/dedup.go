package flowboard

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultDedupTTL     = 30 * time.Second
	defaultDedupMaxSize = 4096
	// Fraction of the cache evicted in one pass when the size bound is
	// exceeded. Evicting a block instead of one entry per insert keeps the
	// hot path bounded.
	dedupEvictFraction = 0.2
)

// Fingerprint is a stable identity string for one logical event. The
// emission timestamp is excluded on purpose: retransmissions of the same
// event carry fresh timestamps, and folding those in would make every
// delivery unique and defeat deduplication entirely.
type Fingerprint string

// FingerprintFields is the ordered subset of payload fields that identify
// an event for dedup purposes.
type FingerprintFields struct {
	CorrelationID string
	Status        string
	Progress      int
	CurrentStep   string
	Message       string
}

// EventFingerprint builds the dedup key for an event of the given type.
func EventFingerprint(eventType string, fields FingerprintFields) Fingerprint {
	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte('|')
	b.WriteString(fields.CorrelationID)
	b.WriteByte('|')
	b.WriteString(fields.Status)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(fields.Progress))
	b.WriteByte('|')
	b.WriteString(fields.CurrentStep)
	b.WriteByte('|')
	b.WriteString(fields.Message)
	return Fingerprint(b.String())
}

// DedupCache is a bounded, TTL-expiring set of recently seen event
// fingerprints. It is rebuilt empty on every transport (re)connect and is
// never persisted, so there is no stale-snapshot corruption to detect.
type DedupCache struct {
	mu        sync.Mutex
	entries   map[Fingerprint]time.Time
	ttl       time.Duration
	maxSize   int
	sweeping  bool
	lastSweep time.Time
	sweepCh   chan struct{}
	now       func() time.Time
	logger    Logger
}

type DedupOptions struct {
	TTL     time.Duration
	MaxSize int
	Logger  Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewDedupCache(opts DedupOptions) *DedupCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = defaultDedupMaxSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DedupCache{
		entries: map[Fingerprint]time.Time{},
		ttl:     ttl,
		maxSize: maxSize,
		sweepCh: make(chan struct{}, 1),
		now:     now,
		logger:  opts.Logger,
	}
}

// Seen reports whether fp was recorded within the TTL. Non-duplicates are
// recorded as a side effect. forceRecord bypasses the duplicate verdict and
// re-records fp with a fresh timestamp; ingestion uses it for the
// stage-mismatch recovery exception, where a fingerprint-matching status
// event must still be applied because local stage state was lost.
func (c *DedupCache) Seen(fp Fingerprint, forceRecord bool) bool {
	now := c.now()
	c.mu.Lock()
	firstSeen, ok := c.entries[fp]
	if ok && now.Sub(firstSeen) <= c.ttl && !forceRecord {
		c.mu.Unlock()
		return true
	}
	c.entries[fp] = now
	overflow := len(c.entries) > c.maxSize
	if overflow {
		c.evictOldestLocked()
	}
	c.mu.Unlock()
	c.scheduleSweep()
	return false
}

// Tune adjusts the TTL and size bound at runtime; non-positive values keep
// the current setting. Existing entries are re-judged against the new TTL
// on their next lookup or sweep.
func (c *DedupCache) Tune(ttl time.Duration, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.ttl = ttl
	}
	if maxSize > 0 {
		c.maxSize = maxSize
	}
}

// Len returns the current number of tracked fingerprints.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset discards all fingerprints. Called on transport (re)connection:
// reconnect implies a reconciliation pass that supersedes old fingerprints.
func (c *DedupCache) Reset() {
	c.mu.Lock()
	c.entries = map[Fingerprint]time.Time{}
	c.mu.Unlock()
}

// evictOldestLocked drops the oldest 20% of entries in one pass.
func (c *DedupCache) evictOldestLocked() {
	count := int(float64(c.maxSize) * dedupEvictFraction)
	if count < 1 {
		count = 1
	}
	type aged struct {
		fp   Fingerprint
		seen time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for fp, seen := range c.entries {
		all = append(all, aged{fp: fp, seen: seen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })
	if count > len(all) {
		count = len(all)
	}
	for _, entry := range all[:count] {
		delete(c.entries, entry.fp)
	}
	if c.logger != nil {
		c.logger.Printf("dedup cache over %d entries; evicted oldest %d", c.maxSize, count)
	}
}

// scheduleSweep kicks an expiry sweep off the insert path, at most one TTL
// interval apart. The sweeping flag keeps a single sweep in flight.
func (c *DedupCache) scheduleSweep() {
	now := c.now()
	c.mu.Lock()
	if c.sweeping || now.Sub(c.lastSweep) < c.ttl {
		c.mu.Unlock()
		return
	}
	c.sweeping = true
	c.mu.Unlock()
	go c.sweepExpired()
}

func (c *DedupCache) sweepExpired() {
	now := c.now()
	c.mu.Lock()
	for fp, seen := range c.entries {
		if now.Sub(seen) > c.ttl {
			delete(c.entries, fp)
		}
	}
	c.sweeping = false
	c.lastSweep = now
	c.mu.Unlock()
	select {
	case c.sweepCh <- struct{}{}:
	default:
	}
}

// WaitSweep blocks until the next background sweep completes; test hook.
func (c *DedupCache) WaitSweep(timeout time.Duration) bool {
	select {
	case <-c.sweepCh:
		return true
	case <-time.After(timeout):
		return false
	}
}
