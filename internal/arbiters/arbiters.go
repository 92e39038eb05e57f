// Package arbiters holds the superuser set and the arbiter roster.
//
// Superusers come from configuration and are unrestricted. Roster arbiters
// are appointed by superusers at runtime and may act only on disputes they
// are assigned to. Removal deactivates; history stays.
package arbiters

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("arbiter not found")

// Arbiter is a roster entry.
type Arbiter struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle"`
	AddedBy   int64     `json:"addedBy"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists the roster.
type Store interface {
	// Activate inserts the arbiter or reactivates an existing entry.
	Activate(ctx context.Context, a *Arbiter) error
	Deactivate(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Arbiter, error)
	GetByHandle(ctx context.Context, handle string) (*Arbiter, error)
	ListActive(ctx context.Context) ([]*Arbiter, error)
}

// Roles answers role questions for the authorization guard.
type Roles struct {
	superusers map[int64]struct{}
	store      Store
}

// NewRoles creates a role resolver.
func NewRoles(superuserIDs []int64, store Store) *Roles {
	su := make(map[int64]struct{}, len(superuserIDs))
	for _, id := range superuserIDs {
		su[id] = struct{}{}
	}
	return &Roles{superusers: su, store: store}
}

// IsSuperuser reports whether id is a configured superuser.
func (r *Roles) IsSuperuser(id int64) bool {
	_, ok := r.superusers[id]
	return ok
}

// IsActiveArbiter reports whether id is on the active roster.
func (r *Roles) IsActiveArbiter(ctx context.Context, id int64) (bool, error) {
	a, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Active, nil
}

// Superusers returns the configured superuser ids in ascending order.
func (r *Roles) Superusers() []int64 {
	ids := make([]int64, 0, len(r.superusers))
	for id := range r.superusers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReviewerIDs returns superusers plus active roster members, deduplicated.
func (r *Roles) ReviewerIDs(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]struct{})
	ids := r.Superusers()
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return ids, err
	}
	for _, a := range active {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func normHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
