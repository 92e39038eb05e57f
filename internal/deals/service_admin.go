package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealpact/dealpact/internal/arbiters"
	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/notify"
	"github.com/dealpact/dealpact/internal/users"
)

// AddArbiter puts a registered user on the roster.
func (s *Service) AddArbiter(ctx context.Context, caller Identity, handle string) (*arbiters.Arbiter, error) {
	if err := s.authorizeGlobal(ctx, caller, ActionManageRoster); err != nil {
		return nil, err
	}
	h := NormalizeHandle(handle)
	u, err := s.users.GetByHandle(ctx, h)
	if errors.Is(err, users.ErrNotFound) {
		return nil, fmt.Errorf("%w: @%s must register a wallet first", ErrUserNotFound, h)
	}
	if err != nil {
		return nil, err
	}

	a := &arbiters.Arbiter{ID: u.ID, Handle: h, AddedBy: caller.ID}
	if err := s.roster.Activate(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	s.record(ctx, audit.ActionAddArbiter, "", caller, "@"+h, "added arbiter")
	s.notifier.Dispatch(ctx, notify.Message{Recipient: u.ID, Text: rosterAddedText()})
	return s.roster.Get(ctx, u.ID)
}

// RemoveArbiter deactivates a roster member. History is kept.
func (s *Service) RemoveArbiter(ctx context.Context, caller Identity, handle string) error {
	if err := s.authorizeGlobal(ctx, caller, ActionManageRoster); err != nil {
		return err
	}
	h := NormalizeHandle(handle)
	a, err := s.roster.GetByHandle(ctx, h)
	if errors.Is(err, arbiters.ErrNotFound) {
		return fmt.Errorf("%w: @%s is not an arbiter", ErrUserNotFound, h)
	}
	if err != nil {
		return err
	}
	if err := s.roster.Deactivate(ctx, a.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	s.record(ctx, audit.ActionRemoveArbiter, "", caller, "@"+h, "removed arbiter")
	return nil
}

// ListArbiters returns the active roster.
func (s *Service) ListArbiters(ctx context.Context, caller Identity) ([]*arbiters.Arbiter, error) {
	if err := s.authorizeGlobal(ctx, caller, ActionManageRoster); err != nil {
		return nil, err
	}
	return s.roster.ListActive(ctx)
}

// AuditLog returns a page of privileged actions, newest first.
func (s *Service) AuditLog(ctx context.Context, caller Identity, dealCode string, limit int, cursor string) (*audit.Page, error) {
	if err := s.authorizeGlobal(ctx, caller, ActionQueryAudit); err != nil {
		return nil, err
	}
	if dealCode != "" {
		dealCode = NormalizeCode(dealCode)
	}
	return s.audit.List(ctx, audit.Filter{DealCode: dealCode, Limit: limit}, cursor)
}

func (s *Service) authorizeGlobal(ctx context.Context, caller Identity, action Action) error {
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return err
	}
	if err := s.guard.AuthorizeGlobal(actor, action); err != nil {
		return s.rejected(err)
	}
	return nil
}
