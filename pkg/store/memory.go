package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// InMemoryStore is a mutex-guarded event store for tests and lite tooling.
// It honours the same contract as the SQL stores: ids are unique, batches
// are all-or-nothing, replay follows insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]struct{}
	nextSeq int64
	closed  bool
}

// NewInMemoryStore returns an empty in-memory event store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]struct{}), nextSeq: 1}
}

func (s *InMemoryStore) Append(ctx context.Context, env *envelope.Envelope) error {
	return s.AppendBatch(ctx, []*envelope.Envelope{env})
}

func (s *InMemoryStore) AppendBatch(_ context.Context, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Validate the whole batch before touching state so it stays atomic.
	seen := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		if env.ID == "" {
			return fmt.Errorf("store: envelope without id")
		}
		if _, dup := s.byID[env.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
		}
		if _, dup := seen[env.ID]; dup {
			return fmt.Errorf("%w: %s (within batch)", ErrDuplicateID, env.ID)
		}
		seen[env.ID] = struct{}{}
	}

	for _, env := range envs {
		s.records = append(s.records, Record{Seq: s.nextSeq, Envelope: env.Clone()})
		s.byID[env.ID] = struct{}{}
		s.nextSeq++
	}
	return nil
}

func (s *InMemoryStore) Replay(ctx context.Context, filter ReplayFilter) ([]*envelope.Envelope, error) {
	records, err := s.ReplayRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*envelope.Envelope, len(records))
	for i, r := range records {
		out[i] = r.Envelope
	}
	return out, nil
}

func (s *InMemoryStore) ReplayRecords(_ context.Context, filter ReplayFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Record
	for _, r := range s.records {
		if r.Seq <= filter.AfterSeq {
			continue
		}
		if !matches(r.Envelope, filter) {
			continue
		}
		out = append(out, Record{Seq: r.Seq, Envelope: r.Envelope.Clone()})
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetByIdempotencyKey(_ context.Context, key, tenant, workspace string) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*envelope.Envelope
	for _, r := range s.records {
		env := r.Envelope
		if env.IdempotencyKey != key {
			continue
		}
		if tenant != "" && env.Tenant != tenant {
			continue
		}
		if workspace != "" && env.Workspace != workspace {
			continue
		}
		out = append(out, env.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.records)), nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func matches(env *envelope.Envelope, filter ReplayFilter) bool {
	if filter.Tenant != "" && env.Tenant != filter.Tenant {
		return false
	}
	if filter.Workspace != "" && env.Workspace != filter.Workspace {
		return false
	}
	if filter.Type != "" && env.Type != filter.Type {
		return false
	}
	return true
}
