package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimelineKind categorizes runtime activity entries.
type TimelineKind string

const (
	KindIngest     TimelineKind = "INGEST"
	KindDenied     TimelineKind = "DENIED"
	KindViolation  TimelineKind = "VIOLATION"
	KindConflict   TimelineKind = "CONFLICT"
	KindDeadLetter TimelineKind = "DEAD_LETTER"
	KindRecovery   TimelineKind = "RECOVERY"
)

// TimelineEntry is one record of runtime activity. CorrelationID groups
// the entries of a single flow across agents.
type TimelineEntry struct {
	EntryID       string         `json:"entry_id"`
	Kind          TimelineKind   `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Tenant        string         `json:"tenant"`
	Workspace     string         `json:"workspace,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor,omitempty"`
	Summary       string         `json:"summary"`
	ContentHash   string         `json:"content_hash"`
	Details       map[string]any `json:"details,omitempty"`
}

// TimelineQuery filters timeline entries. Zero values match everything.
type TimelineQuery struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Tenant        string        `json:"tenant,omitempty"`
	Kind          *TimelineKind `json:"kind,omitempty"`
	After         *time.Time    `json:"after,omitempty"`
	Before        *time.Time    `json:"before,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// Timeline keeps a bounded in-memory record of runtime activity,
// queryable by correlation, tenant, kind, and time range. When capacity
// is exceeded the oldest entries fall off.
type Timeline struct {
	mu       sync.RWMutex
	entries  []TimelineEntry
	index    map[string][]int // correlationID -> entry indices
	seq      int64
	dropped  int64
	capacity int
	clock    func() time.Time
}

// DefaultTimelineCapacity bounds memory for long-running processes.
const DefaultTimelineCapacity = 10000

// NewTimeline creates a timeline with the default capacity.
func NewTimeline() *Timeline {
	return &Timeline{
		index:    make(map[string][]int),
		capacity: DefaultTimelineCapacity,
		clock:    time.Now,
	}
}

// WithCapacity overrides the retention bound.
func (t *Timeline) WithCapacity(n int) *Timeline {
	if n > 0 {
		t.capacity = n
	}
	return t
}

// WithClock overrides the clock for testing.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Record adds an entry to the timeline. The entry's Details are hashed
// so a later reader can detect tampering in exported copies.
func (t *Timeline) Record(entry TimelineEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("tl-%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}

	data, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("hash timeline details: %w", err)
	}
	h := sha256.Sum256(data)
	entry.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	t.entries = append(t.entries, entry)
	if entry.CorrelationID != "" {
		t.index[entry.CorrelationID] = append(t.index[entry.CorrelationID], len(t.entries)-1)
	}

	if len(t.entries) > t.capacity {
		t.evictOldest(len(t.entries) - t.capacity)
	}
	return nil
}

// evictOldest drops the n oldest entries and rebuilds the correlation
// index with shifted positions. Called with the lock held.
func (t *Timeline) evictOldest(n int) {
	t.entries = t.entries[n:]
	t.dropped += int64(n)
	t.index = make(map[string][]int, len(t.index))
	for i, e := range t.entries {
		if e.CorrelationID != "" {
			t.index[e.CorrelationID] = append(t.index[e.CorrelationID], i)
		}
	}
}

// Query retrieves entries matching the query, oldest first.
func (t *Timeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.CorrelationID != "" {
		indices, ok := t.index[q.CorrelationID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.Tenant != "" && e.Tenant != q.Tenant {
			continue
		}
		if q.Kind != nil && e.Kind != *q.Kind {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns the number of retained entries.
func (t *Timeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Dropped returns how many entries have been evicted by the capacity
// bound since startup.
func (t *Timeline) Dropped() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
