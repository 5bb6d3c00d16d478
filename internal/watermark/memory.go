package watermark

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps watermark history in process memory. It backs tests
// and dry runs; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, entity, def string) (string, error) {
	cur, err := s.Current(ctx, entity)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return def, nil
	}
	return cur.Value, nil
}

func (s *MemoryStore) Current(ctx context.Context, entity string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latest(s.history[entity]), nil
}

func (s *MemoryStore) Set(ctx context.Context, entity, watermarkType, value string) error {
	_, err := s.append(ctx, entity, watermarkType, value, -1)
	return err
}

func (s *MemoryStore) CheckAndSet(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	return s.append(ctx, entity, watermarkType, value, expectedVersion)
}

// append adds a history row. expectedVersion -1 skips the version check.
func (s *MemoryStore) append(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cur := latest(s.history[entity]); cur != nil {
		current = cur.Version
	}
	if expectedVersion >= 0 && current != expectedVersion {
		return 0, ErrVersionConflict
	}

	next := current + 1
	s.history[entity] = append(s.history[entity], Entry{
		Entity:    entity,
		Type:      watermarkType,
		Value:     value,
		Version:   next,
		UpdatedAt: time.Now().UTC(),
	})
	return next, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.history))
	for entity := range s.history {
		if cur := latest(s.history[entity]); cur != nil {
			out = append(out, *cur)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// latest resolves the current entry: greatest updated_at, version breaking
// ties. Returns nil for empty history.
func latest(history []Entry) *Entry {
	var cur *Entry
	for i := range history {
		e := &history[i]
		if cur == nil || e.UpdatedAt.After(cur.UpdatedAt) ||
			(e.UpdatedAt.Equal(cur.UpdatedAt) && e.Version > cur.Version) {
			cur = e
		}
	}
	if cur == nil {
		return nil
	}
	out := *cur
	return &out
}
