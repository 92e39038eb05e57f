package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealpact/dealpact/internal/arbiters"
	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/idgen"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/notify"
	"github.com/dealpact/dealpact/internal/traces"
)

// EvidenceInput is one evidence submission.
type EvidenceInput struct {
	Content        string `json:"content"`
	AttachmentRef  string `json:"attachmentRef"`
	AttachmentType string `json:"attachmentType"`
}

// CancelDispute returns a disputed deal to funded.
func (s *Service) CancelDispute(ctx context.Context, caller Identity, code string) (*Outcome, error) {
	out, err := s.act(ctx, caller, code, ActionCancelDispute, Input{Event: EventCancelDispute})
	if err != nil {
		return nil, err
	}
	if out.Deal.DisputedBy != caller.ID {
		s.record(ctx, audit.ActionCancelDispute, out.Deal.Code, caller, "", "dispute cancelled by arbiter")
	}
	return out, nil
}

// Resolve closes a dispute with the arbiter's decision.
func (s *Service) Resolve(ctx context.Context, caller Identity, code string, r Resolution) (*Outcome, error) {
	var ev Event
	switch r {
	case ResolutionRelease:
		ev = EventResolveRelease
	case ResolutionRefund:
		ev = EventResolveRefund
	default:
		return nil, ErrBadResolution
	}
	out, err := s.act(ctx, caller, code, ActionResolve, Input{Event: ev})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionResolve, out.Deal.Code, caller, "", string(r))
	return out, nil
}

// AssignArbiter puts an arbiter on a disputed deal. The target must be a
// superuser or an active roster member.
func (s *Service) AssignArbiter(ctx context.Context, caller Identity, code, handle string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "deals.AssignArbiter", traces.DealCode(code), traces.ActorID(caller.ID))
	defer span.End()

	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, ActionAssign); err != nil {
			return s.rejected(err)
		}
		targetID, targetHandle, err := s.findArbiter(ctx, handle)
		if err != nil {
			return err
		}
		next, err := Assign(d, targetID, targetHandle, actor.ID, s.now().UTC())
		if err != nil {
			return s.rejected(err)
		}
		if err := s.store.Update(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		out = &Outcome{Deal: next}

		s.record(ctx, audit.ActionAssign, next.Code, caller, "@"+targetHandle, "assigned")
		msgs := []notify.Message{{Recipient: targetID, Text: assignedArbiterText(next)}}
		s.notifier.Dispatch(ctx, msgs...)
		s.dispatch(ctx, next, []Effect{
			{Kind: EffectNotifyParty, To: PartySeller, Text: underReviewText(next)},
			{Kind: EffectNotifyParty, To: PartyBuyer, Text: underReviewText(next)},
		})
		s.publisher.Publish("deal_assigned", next.Code, map[string]interface{}{"assignedTo": targetHandle})
		return nil
	})
	return out, err
}

// findArbiter resolves a handle to an identity that may arbitrate.
func (s *Service) findArbiter(ctx context.Context, handle string) (int64, string, error) {
	h := NormalizeHandle(handle)
	a, err := s.roster.GetByHandle(ctx, h)
	switch {
	case err == nil && a.Active:
		return a.ID, NormalizeHandle(a.Handle), nil
	case err != nil && !errors.Is(err, arbiters.ErrNotFound):
		return 0, "", err
	}
	u, err := s.users.GetByHandle(ctx, h)
	if err == nil && s.roles.IsSuperuser(u.ID) {
		return u.ID, h, nil
	}
	return 0, "", fmt.Errorf("%w: @%s", ErrNotArbiter, h)
}

// UnassignArbiter clears the assignment on a disputed deal.
func (s *Service) UnassignArbiter(ctx context.Context, caller Identity, code string) (*Outcome, error) {
	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, ActionAssign); err != nil {
			return s.rejected(err)
		}
		next, err := Unassign(d, s.now().UTC())
		if err != nil {
			return s.rejected(err)
		}
		if err := s.store.Update(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		target := ""
		if d.AssignedToHandle != "" {
			target = "@" + d.AssignedToHandle
		}
		s.record(ctx, audit.ActionUnassign, next.Code, caller, target, "unassigned")
		s.publisher.Publish("deal_assigned", next.Code, map[string]interface{}{"assignedTo": nil})
		out = &Outcome{Deal: next}
		return nil
	})
	return out, err
}

// SubmitEvidence appends evidence to a disputed deal.
func (s *Service) SubmitEvidence(ctx context.Context, caller Identity, code string, in EvidenceInput) (*Evidence, error) {
	if in.Content == "" && in.AttachmentRef == "" {
		return nil, ErrEmptyEvidence
	}
	if in.Content == "" {
		in.Content = "Photo"
	}

	var ev *Evidence
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, ActionEvidence); err != nil {
			return s.rejected(err)
		}
		if err := CheckEvidence(d); err != nil {
			return s.rejected(err)
		}

		role := RoleArbiter
		if p, ok := d.PartyOf(actor.ID, actor.Handle); ok {
			role = string(p)
		}
		ev = &Evidence{
			ID:              idgen.WithPrefix("ev_"),
			DealCode:        d.Code,
			SubmitterID:     actor.ID,
			SubmitterHandle: NormalizeHandle(actor.Handle),
			Role:            role,
			Content:         in.Content,
			AttachmentRef:   in.AttachmentRef,
			AttachmentType:  in.AttachmentType,
			CreatedAt:       s.now().UTC(),
		}
		if err := s.evidence.Append(ctx, ev); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		logging.L(ctx).Info("evidence submitted", "dealCode", d.Code, "role", role, "attachment", in.AttachmentRef != "")
		s.publisher.Publish("evidence", d.Code, map[string]interface{}{"role": role, "id": ev.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvidence returns a deal's evidence in submission order.
func (s *Service) ListEvidence(ctx context.Context, caller Identity, code string) (*Deal, []*Evidence, error) {
	d, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return nil, nil, err
	}
	if err := s.guard.Authorize(actor, d, ActionViewEvidence); err != nil {
		return nil, nil, s.rejected(err)
	}
	list, err := s.evidence.ListByDeal(ctx, d.Code)
	if err != nil {
		return nil, nil, err
	}
	return d, list, nil
}

// SubmitReview records the caller's rating of a finished deal.
func (s *Service) SubmitReview(ctx context.Context, caller Identity, code string, rating int, comment string) (*Deal, error) {
	if comment == "" {
		comment = "No comment"
	}
	var out *Deal
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, ActionReview); err != nil {
			return s.rejected(err)
		}
		base := s.backfillBuyer(d, actor)
		party, _ := base.PartyOf(actor.ID, actor.Handle)
		next, err := ApplyReview(base, party, rating, comment, s.now().UTC())
		if err != nil {
			return s.rejected(err)
		}
		if err := s.store.Update(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		out = next
		return nil
	})
	return out, err
}

// MessageParty sends an arbiter's message to one party.
func (s *Service) MessageParty(ctx context.Context, caller Identity, code string, to Party, text string) error {
	if to != PartySeller && to != PartyBuyer {
		return ErrBadParty
	}
	d, err := s.store.Get(ctx, code)
	if err != nil {
		return err
	}
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return err
	}
	if err := s.guard.Authorize(actor, d, ActionMessage); err != nil {
		return s.rejected(err)
	}
	id := s.partyID(ctx, d, to)
	if id == 0 {
		return fmt.Errorf("%w: %s", ErrNoRecipient, to)
	}
	s.notifier.Dispatch(ctx, notify.Message{Recipient: id, Text: arbiterMessageText(d, text)})
	s.record(ctx, audit.ActionMessage, d.Code, caller, string(to), text)
	return nil
}

// Broadcast sends a superuser's message to both parties.
func (s *Service) Broadcast(ctx context.Context, caller Identity, code, text string) error {
	d, err := s.store.Get(ctx, code)
	if err != nil {
		return err
	}
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return err
	}
	if err := s.guard.Authorize(actor, d, ActionBroadcast); err != nil {
		return s.rejected(err)
	}
	body := broadcastText(d, text)
	s.dispatch(ctx, d, []Effect{
		{Kind: EffectNotifyParty, To: PartySeller, Text: body},
		{Kind: EffectNotifyParty, To: PartyBuyer, Text: body},
	})
	s.record(ctx, audit.ActionBroadcast, d.Code, caller, "both", text)
	return nil
}

// ListDisputes returns open disputes: all of them for a superuser, only
// assigned ones for roster members or when mine is set.
func (s *Service) ListDisputes(ctx context.Context, caller Identity, mine bool) ([]*Deal, error) {
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := s.guard.AuthorizeGlobal(actor, ActionListDisputes); err != nil {
		return nil, s.rejected(err)
	}
	if actor.Superuser && !mine {
		return s.store.ListDisputes(ctx, 0)
	}
	return s.store.ListDisputes(ctx, actor.ID)
}

func (s *Service) record(ctx context.Context, action, code string, caller Identity, target, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.Entry{
		Action:      action,
		DealCode:    code,
		ActorID:     caller.ID,
		ActorHandle: NormalizeHandle(caller.Handle),
		Target:      target,
		Detail:      detail,
	})
}
