// Package audit records privileged actions taken against deals.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealpact/dealpact/internal/idgen"
	"github.com/dealpact/dealpact/internal/pagination"
)

// DefaultLimit is the number of entries returned when no limit is given.
const DefaultLimit = 15

// MaxLimit caps a single query.
const MaxLimit = 100

// ErrInvalidCursor is returned when a page cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Privileged action names.
const (
	ActionResolve       = "resolve"
	ActionOverride      = "override_release"
	ActionAssign        = "assign"
	ActionUnassign      = "unassign"
	ActionCancelDispute = "cancel_dispute"
	ActionBroadcast     = "broadcast"
	ActionMessage       = "message"
	ActionAddArbiter    = "add_arbiter"
	ActionRemoveArbiter = "remove_arbiter"
)

// Entry is one audit record.
type Entry struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	DealCode    string    `json:"dealCode,omitempty"`
	ActorID     int64     `json:"actorId"`
	ActorHandle string    `json:"actorHandle,omitempty"`
	Target      string    `json:"target,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Filter narrows a List query.
type Filter struct {
	DealCode string
	Limit    int
	// Before restricts the query to entries strictly older than the cursor
	// position, ordered by (CreatedAt, ID).
	Before *pagination.Cursor
}

// Page is one page of entries, newest first.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// size is the number of rows a store returns. Limit is not capped here;
// Log normalizes it before calling the store.
func (f Filter) size() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// olderThan reports whether e sorts strictly after the cursor in
// newest-first order.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID < c.ID
}

// Store persists audit entries. List returns newest first by (CreatedAt, ID).
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
}

// Log writes audit entries. Write failures are logged and never returned,
// so an audit outage cannot fail the action being audited.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates an audit log over store.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger, now: time.Now}
}

// Record appends an entry, filling ID and CreatedAt.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if err := l.store.Append(ctx, &e); err != nil {
		l.logger.Error("audit write failed",
			"action", e.Action,
			"deal", e.DealCode,
			"actor", e.ActorID,
			"error", err,
		)
	}
}

// List returns one page of entries. An empty cursor starts at the newest
// entry; NextCursor from a previous page continues after it.
func (l *Log) List(ctx context.Context, f Filter, cursor string) (*Page, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	limit := f.limit()
	f.Before = before
	f.Limit = limit + 1

	entries, err := l.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	entries, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{Entries: entries, NextCursor: next, HasMore: more}, nil
}
