package arbiters

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory roster for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	arbiters map[int64]*Arbiter
}

// NewMemoryStore creates an empty roster.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{arbiters: make(map[int64]*Arbiter)}
}

func (m *MemoryStore) Activate(_ context.Context, a *Arbiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.arbiters[a.ID]; ok {
		existing.Handle = a.Handle
		existing.AddedBy = a.AddedBy
		existing.Active = true
		existing.UpdatedAt = now
		return nil
	}
	cp := *a
	cp.Active = true
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.arbiters[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.arbiters[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = false
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Arbiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbiters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByHandle(_ context.Context, handle string) (*Arbiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := normHandle(handle)
	for _, a := range m.arbiters {
		if normHandle(a.Handle) == want {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Arbiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Arbiter
	for _, a := range m.arbiters {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
