// Package cache implements the Response Cache: an LRU+TTL store keyed by
// (prompt, command, agent, model) with a blended recency/popularity
// eviction score, so hot recent answers survive longer than cold ones.
package cache

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaycode/agentrun/pkg/errs"
)

// Outcome is the discriminated result of a Get call.
type Outcome string

const (
	Found   Outcome = "found"
	Expired Outcome = "expired"
	Absent  Outcome = "absent"
)

// Entry is one cached response.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	HitCount  int       `json:"hitCount"`
	AgentID   string    `json:"agentId"`
	ModelID   string    `json:"modelId"`
}

// Stats summarizes cache activity.
type Stats struct {
	Size          int     `json:"size"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRatePercent float64 `json:"hitRatePercent"`
}

// SetOptions customizes a Set call.
type SetOptions struct {
	TTL     time.Duration
	AgentID string
	ModelID string
}

// KVBackend is the subset of kvstore.Store the cache needs for durability.
type KVBackend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

const persistKey = "responseCache"

// Cache is the Response Cache. The blended eviction score
// (createdAt + hitCount*60000, in millisecond units) isn't a stock LRU or
// LFU policy, so this is a hand-rolled mutex+map rather than a library
// structure — see the design ledger for why no third-party cache library
// in the stack expresses this scoring rule.
type Cache struct {
	mu       sync.Mutex
	kv       KVBackend
	capacity int
	defaultTTL time.Duration

	entries map[string]*Entry
	hits    int64
	misses  int64
}

// New constructs a Cache with the given capacity and default TTL, loading
// any persisted entries from kv.
func New(kv KVBackend, capacity int, defaultTTL time.Duration) (*Cache, error) {
	c := &Cache{
		kv:         kv,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*Entry),
	}
	if err := c.load(); err != nil {
		return nil, errs.New(errs.Critical, "cache", "load", "failed to load persisted cache", err)
	}
	return c, nil
}

type persistedPair struct {
	Key   string `json:"key"`
	Entry *Entry `json:"entry"`
}

func (c *Cache) load() error {
	raw, ok, err := c.kv.Get(persistKey)
	if err != nil || !ok || len(raw) == 0 {
		return err
	}
	var pairs []persistedPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return err
	}
	for _, p := range pairs {
		c.entries[p.Key] = p.Entry
	}
	return nil
}

func (c *Cache) persistLocked() {
	pairs := make([]persistedPair, 0, len(c.entries))
	for k, e := range c.entries {
		pairs = append(pairs, persistedPair{Key: k, Entry: e})
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		slog.Error("cache: failed to encode entries", "error", err)
		return
	}
	if err := c.kv.Set(persistKey, raw); err != nil {
		slog.Error("cache: persistence failure, in-memory state retained", "error", err)
	}
}

// MakeKey builds the cache key. agentId MUST participate to prevent
// cross-agent poisoning; prompt is trimmed and lowercased for stability.
func MakeKey(prompt string, command, agentID, modelID string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(prompt)))
	if command != "" {
		b.WriteString("|cmd:")
		b.WriteString(command)
	}
	b.WriteString("|agent:")
	b.WriteString(agentID)
	if modelID != "" {
		b.WriteString("|model:")
		b.WriteString(modelID)
	}
	return b.String()
}

// Get looks up key. Expired entries are evicted on read.
func (c *Cache) Get(key string) (string, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", Absent
	}
	if !time.Now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		c.persistLocked()
		c.misses++
		return "", Expired
	}
	entry.HitCount++
	c.hits++
	c.persistLocked()
	return entry.Value, Found
}

// Set stores value under key, evicting the lowest-scoring entry first if
// at capacity.
func (c *Cache) Set(key, value string, opts *SetOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.defaultTTL
	var agentID, modelID string
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		agentID = opts.AgentID
		modelID = opts.ModelID
	}

	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}

	now := time.Now()
	c.entries[key] = &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		HitCount:  0,
		AgentID:   agentID,
		ModelID:   modelID,
	}
	c.persistLocked()
}

// evictOneLocked removes the entry minimizing createdAt + hitCount*60000.
func (c *Cache) evictOneLocked() {
	var victimKey string
	var victimScore int64
	first := true
	for k, e := range c.entries {
		score := e.CreatedAt.UnixMilli() + int64(e.HitCount)*60000
		if first || score < victimScore {
			victimKey = k
			victimScore = score
			first = false
		}
	}
	if !first {
		delete(c.entries, victimKey)
	}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.persistLocked()
}

// InvalidateByAgent removes every entry for agentID, returning the count removed.
func (c *Cache) InvalidateByAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for k, e := range c.entries {
		if e.AgentID == agentID {
			delete(c.entries, k)
			count++
		}
	}
	c.persistLocked()
	return count
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.hits, c.misses = 0, 0
	c.persistLocked()
}

// Prune removes every expired entry, returning the count removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	count := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			count++
		}
	}
	if count > 0 {
		c.persistLocked()
	}
	return count
}

// StatsSnapshot reports current size and hit/miss counters.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:           len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		HitRatePercent: rate,
	}
}
