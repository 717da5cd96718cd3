// Package memory implements the persistent per-agent fact store: Memory
// Store records (facts, decisions, context) that survive across requests
// and are pruned by age threshold then LRU, mirroring how a long-running
// assistant accumulates and forgets context.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/relaycode/agentrun/pkg/errs"
)

// RecordType classifies a MemoryRecord.
type RecordType string

const (
	TypeFact     RecordType = "fact"
	TypeDecision RecordType = "decision"
	TypeContext  RecordType = "context"
)

// Record is one persisted fact about an agent's prior interactions.
type Record struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	Type       RecordType `json:"type"`
	CreatedAt  time.Time  `json:"createdAt"`
	AccessedAt time.Time  `json:"accessedAt"`
}

// Filter narrows Recall results.
type Filter struct {
	Type  RecordType
	Tag   string
	Limit int
}

// Stats summarizes the store's contents.
type Stats struct {
	TotalRecords   int            `json:"totalRecords"`
	PerAgentCounts map[string]int `json:"perAgentCounts"`
}

// IDFunc generates record ids; injected so tests get deterministic ids.
type IDFunc func() string

// KVBackend is the subset of kvstore.Store the Memory Store needs.
type KVBackend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

const keyPrefix = "memory."

// Store is the Memory Store component. It is process-global and safe for
// concurrent use: each exported method completes its mutation under a
// single lock, which matters under Go's pre-emptible scheduler even though
// the source runtime could get away with a purely cooperative model.
type Store struct {
	mu     sync.Mutex
	kv     KVBackend
	nextID IDFunc

	records map[string]map[string]*Record // agentID -> recordID -> record
	order   map[string]*lru.Cache         // agentID -> recency-ordered id tracker
}

func persistKey(agentID string) string {
	return keyPrefix + agentID
}

// New constructs a Memory Store, eagerly loading any persisted records for
// every agentId key already present in kv.
func New(kv KVBackend, nextID IDFunc) (*Store, error) {
	s := &Store{
		kv:      kv,
		nextID:  nextID,
		records: make(map[string]map[string]*Record),
		order:   make(map[string]*lru.Cache),
	}

	keys, err := kv.Keys(keyPrefix)
	if err != nil {
		return nil, errs.New(errs.Critical, "memory", "load", "failed to enumerate persisted memory keys", err)
	}
	for _, key := range keys {
		agentID := strings.TrimPrefix(key, keyPrefix)
		if err := s.loadAgent(agentID); err != nil {
			slog.Warn("memory: failed to load persisted records", "agent", agentID, "error", err)
		}
	}
	return s, nil
}

func (s *Store) loadAgent(agentID string) error {
	raw, ok, err := s.kv.Get(persistKey(agentID))
	if err != nil || !ok {
		return err
	}
	var records []*Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("decoding records for %s: %w", agentID, err)
	}
	bucket := make(map[string]*Record, len(records))
	ordering, _ := lru.New(1 << 20)
	for _, r := range records {
		bucket[r.ID] = r
		ordering.Add(r.ID, struct{}{})
	}
	s.records[agentID] = bucket
	s.order[agentID] = ordering
	return nil
}

func (s *Store) ensureAgentLocked(agentID string) (map[string]*Record, *lru.Cache) {
	bucket, ok := s.records[agentID]
	if !ok {
		bucket = make(map[string]*Record)
		s.records[agentID] = bucket
	}
	ordering, ok := s.order[agentID]
	if !ok {
		ordering, _ = lru.New(1 << 20)
		s.order[agentID] = ordering
	}
	return bucket, ordering
}

func (s *Store) persistLocked(agentID string) {
	bucket := s.records[agentID]
	records := make([]*Record, 0, len(bucket))
	for _, r := range bucket {
		records = append(records, r)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		slog.Error("memory: failed to encode records", "agent", agentID, "error", err)
		return
	}
	if err := s.kv.Set(persistKey(agentID), raw); err != nil {
		slog.Error("memory: persistence failure, in-memory mutation retained", "agent", agentID, "error", err)
	}
}

// Remember appends a new record for agentID.
func (s *Store) Remember(agentID, content string, tags []string, recordType RecordType) *Record {
	if recordType == "" {
		recordType = TypeFact
	}
	now := time.Now()
	rec := &Record{
		ID:         s.nextID(),
		AgentID:    agentID,
		Content:    content,
		Tags:       tags,
		Type:       recordType,
		CreatedAt:  now,
		AccessedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ordering := s.ensureAgentLocked(agentID)
	bucket[rec.ID] = rec
	ordering.Add(rec.ID, struct{}{})
	s.persistLocked(agentID)
	return rec
}

// Recall returns agentID's records filtered and ordered most-recent-first.
// Matching records have their AccessedAt bumped.
func (s *Store) Recall(agentID string, filter *Filter) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ordering := s.ensureAgentLocked(agentID)
	out := make([]*Record, 0, len(bucket))
	for _, r := range bucket {
		if filter != nil {
			if filter.Type != "" && r.Type != filter.Type {
				continue
			}
			if filter.Tag != "" && !containsTag(r.Tags, filter.Tag) {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	now := time.Now()
	for _, r := range out {
		r.AccessedAt = now
		ordering.Get(r.ID) // bump recency for LRU pruning order
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

type searchResult struct {
	record *Record
	score  int
}

// Search ranks every record (across all agents) by substring match count
// against content and tags.
func (s *Store) Search(query string) []*Record {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []searchResult
	for _, bucket := range s.records {
		for _, r := range bucket {
			score := strings.Count(strings.ToLower(r.Content), query)
			for _, tag := range r.Tags {
				if strings.Contains(strings.ToLower(tag), query) {
					score++
				}
			}
			if score > 0 {
				results = append(results, searchResult{record: r, score: score})
			}
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].record.CreatedAt.After(results[j].record.CreatedAt)
	})

	out := make([]*Record, len(results))
	for i, r := range results {
		out[i] = r.record
	}
	return out
}

// Prune evicts records first by age threshold (maxAgeMs, 0 = no age limit),
// then by LRU on AccessedAt until each agent's count is <= maxCount
// (0 = no count limit). Returns the total number evicted.
func (s *Store) Prune(maxAgeMs int64, maxCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	now := time.Now()

	for agentID, bucket := range s.records {
		ordering := s.order[agentID]

		if maxAgeMs > 0 {
			cutoff := now.Add(-time.Duration(maxAgeMs) * time.Millisecond)
			for id, r := range bucket {
				if r.CreatedAt.Before(cutoff) {
					delete(bucket, id)
					ordering.Remove(id)
					evicted++
				}
			}
		}

		if maxCount > 0 && len(bucket) > maxCount {
			overflow := len(bucket) - maxCount
			for _, key := range ordering.Keys() {
				if overflow <= 0 {
					break
				}
				id, ok := key.(string)
				if !ok {
					continue
				}
				if _, exists := bucket[id]; exists {
					delete(bucket, id)
					ordering.Remove(id)
					evicted++
					overflow--
				}
			}
		}

		s.persistLocked(agentID)
	}
	return evicted
}

// Clear removes every record for every agent.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for agentID := range s.records {
		s.kv.Delete(persistKey(agentID))
	}
	s.records = make(map[string]map[string]*Record)
	s.order = make(map[string]*lru.Cache)
}

// StatsSnapshot reports total and per-agent record counts.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	perAgent := make(map[string]int, len(s.records))
	total := 0
	for agentID, bucket := range s.records {
		perAgent[agentID] = len(bucket)
		total += len(bucket)
	}
	return Stats{TotalRecords: total, PerAgentCounts: perAgent}
}

// BuildContextWindow concatenates the most-recent records for agentID up to
// maxChars, newest first, one per line.
func (s *Store) BuildContextWindow(agentID string, maxChars int) string {
	records := s.Recall(agentID, nil)
	var b strings.Builder
	for _, r := range records {
		line := fmt.Sprintf("- [%s] %s\n", r.Type, r.Content)
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
