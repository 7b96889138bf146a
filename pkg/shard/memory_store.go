package shard

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps shards in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[string]*Shard
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[string]*Shard)}
}

func (m *MemoryStore) Backend() string { return "memory" }

func (m *MemoryStore) Create(_ context.Context, s *Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.shards[s.ID]; exists {
		return errDuplicate(s.ID)
	}
	m.shards[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, notFound("get", id)
	}
	return clone(s), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Shard
	for _, s := range m.shards {
		if s.OwnerUserID == owner {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendChunk(_ context.Context, id string, chunk []byte, maxChunks int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[id]
	if !ok {
		return 0, notFound("append_chunk", id)
	}
	if len(s.Chunks) >= maxChunks {
		return 0, full("append_chunk", id, maxChunks)
	}
	s.Chunks = append(s.Chunks, append([]byte(nil), chunk...))
	return len(s.Chunks), nil
}

func (m *MemoryStore) Drain(_ context.Context, id string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, notFound("drain", id)
	}
	chunks := s.Chunks
	s.Chunks = nil
	return chunks, nil
}

func clone(s *Shard) *Shard {
	c := *s
	c.Chunks = make([][]byte, len(s.Chunks))
	for i, ch := range s.Chunks {
		c.Chunks[i] = append([]byte(nil), ch...)
	}
	return &c
}
