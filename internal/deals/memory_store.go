package deals

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// errDuplicateCode is returned by Insert when the code is taken.
var errDuplicateCode = errors.New("deal code already in use")

// MemoryStore is an in-memory deal store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	deals map[string]*Deal
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deals: make(map[string]*Deal)}
}

func (m *MemoryStore) Insert(_ context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeCode(d.Code)
	if _, ok := m.deals[key]; ok {
		return errDuplicateCode
	}
	if d.Version == 0 {
		d.Version = 1
	}
	m.deals[key] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, code string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[NormalizeCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeCode(d.Code)
	cur, ok := m.deals[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrStaleDeal
	}
	d.Version++
	m.deals[key] = d.Clone()
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, boundOnly bool) ([]*Deal, error) {
	return m.filter(func(d *Deal) bool {
		if boundOnly && d.LedgerRef == "" {
			return false
		}
		for _, s := range statuses {
			if d.Status == s {
				return true
			}
		}
		return false
	}, oldestFirst, 0), nil
}

func (m *MemoryStore) ListForParty(_ context.Context, id int64, handle string, limit int) ([]*Deal, error) {
	return m.filter(func(d *Deal) bool {
		return d.IsSeller(id) || (d.BuyerID != 0 && d.BuyerID == id) ||
			(d.BuyerID == 0 && SameHandle(handle, d.BuyerHandle))
	}, newestFirst, limit), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, assignedTo int64) ([]*Deal, error) {
	return m.filter(func(d *Deal) bool {
		return d.Status == StatusDisputed && (assignedTo == 0 || d.AssignedTo == assignedTo)
	}, oldestFirst, 0), nil
}

func (m *MemoryStore) ListCompletedForHandle(_ context.Context, handle string) ([]*Deal, error) {
	return m.filter(func(d *Deal) bool {
		return d.Status == StatusCompleted &&
			(SameHandle(handle, d.SellerHandle) || SameHandle(handle, d.BuyerHandle))
	}, newestFirst, 0), nil
}

func (m *MemoryStore) ListSettlementPending(_ context.Context) ([]*Deal, error) {
	return m.filter(func(d *Deal) bool {
		return d.Settlement == SettlementPending
	}, oldestFirst, 0), nil
}

func (m *MemoryStore) MarkReminderSent(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[NormalizeCode(code)]
	if !ok {
		return false, ErrNotFound
	}
	if d.ReminderSent || d.Status != StatusFunded {
		return false, nil
	}
	d.ReminderSent = true
	d.Version++
	return true, nil
}

type ordering int

const (
	oldestFirst ordering = iota
	newestFirst
)

func (m *MemoryStore) filter(keep func(*Deal) bool, order ordering, limit int) []*Deal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if order == newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryEvidenceStore is an in-memory evidence store.
type MemoryEvidenceStore struct {
	mu    sync.RWMutex
	items map[string][]*Evidence
}

// NewMemoryEvidenceStore creates an empty evidence store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{items: make(map[string][]*Evidence)}
}

func (m *MemoryEvidenceStore) Append(_ context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeCode(e.DealCode)
	cp := *e
	m.items[key] = append(m.items[key], &cp)
	return nil
}

func (m *MemoryEvidenceStore) ListByDeal(_ context.Context, code string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.items[NormalizeCode(code)]
	out := make([]*Evidence, len(list))
	for i, e := range list {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ EvidenceStore = (*MemoryEvidenceStore)(nil)
)
