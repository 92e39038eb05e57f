package users

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]*User
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.users[u.ID]
	if !ok {
		cp := *u
		cp.CreatedAt, cp.UpdatedAt = now, now
		m.users[u.ID] = &cp
		return nil
	}
	if u.Handle != "" {
		existing.Handle = u.Handle
	}
	if u.WalletAddress != "" {
		existing.WalletAddress = u.WalletAddress
	}
	existing.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByHandle(_ context.Context, handle string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := normHandle(handle)
	var best *User
	for _, u := range m.users {
		if normHandle(u.Handle) != want || want == "" {
			continue
		}
		if best == nil || u.UpdatedAt.After(best.UpdatedAt) {
			best = u
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
