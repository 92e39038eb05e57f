package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/metrics"
	"github.com/dealpact/dealpact/internal/notify"
)

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	EffectNotifyParty        EffectKind = "notify_party"
	EffectNotifyArbiters     EffectKind = "notify_arbiters"
	EffectLedgerRelease      EffectKind = "ledger_release"
	EffectLedgerRefund       EffectKind = "ledger_refund"
	EffectLedgerMarkDisputed EffectKind = "ledger_mark_disputed"
	EffectPublish            EffectKind = "publish"
)

// Effect is work to perform after a transition is committed.
type Effect struct {
	Kind EffectKind `json:"kind"`
	To   Party      `json:"to,omitempty"`
	Text string     `json:"text,omitempty"`
}

func (e Effect) isLedger() bool {
	switch e.Kind {
	case EffectLedgerRelease, EffectLedgerRefund, EffectLedgerMarkDisputed:
		return true
	}
	return false
}

// Dispatcher delivers notifications without blocking the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs ...notify.Message)
}

// Publisher fans deal events out to realtime subscribers.
type Publisher interface {
	Publish(eventType, dealCode string, data interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, interface{}) {}

// ledgerOp runs one ledger write effect under the configured timeout.
func (s *Service) ledgerOp(ctx context.Context, d *Deal, kind EffectKind) (*ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()

	switch kind {
	case EffectLedgerRelease:
		return s.ledger.ResolveRelease(ctx, d.LedgerRef)
	case EffectLedgerRefund:
		return s.ledger.ResolveRefund(ctx, d.LedgerRef)
	case EffectLedgerMarkDisputed:
		return s.ledger.MarkDisputed(ctx, d.LedgerRef)
	}
	return nil, fmt.Errorf("unknown ledger effect %q", kind)
}

// runLedgerEffects executes the ledger writes of a committed transition.
// Failures do not roll back: they become warnings and leave the settlement
// pending for reconciliation. A confirmed settlement write is persisted.
func (s *Service) runLedgerEffects(ctx context.Context, t *Transition, out *Outcome) {
	for _, e := range t.Effects {
		if !e.isLedger() {
			continue
		}
		d := t.Deal
		receipt, err := s.ledgerOp(ctx, d, e.Kind)
		if err != nil {
			// the contract already reflects a dispute we failed to mark
			if e.Kind == EffectLedgerMarkDisputed && errors.Is(err, ledger.ErrReverted) {
				logging.L(ctx).Info("ledger dispute mark reverted", "dealCode", d.Code, "error", err)
				continue
			}
			metrics.LedgerWriteWarningsTotal.WithLabelValues(string(e.Kind)).Inc()
			logging.L(ctx).Warn("ledger write failed after commit",
				"dealCode", d.Code, "effect", e.Kind, "status", d.Status, "error", err)
			out.Warnings = append(out.Warnings, ledgerWarning(e.Kind, err))
			continue
		}
		out.TxRef = receipt.TxHash
		if e.Kind == EffectLedgerMarkDisputed {
			continue
		}

		d.Settlement = SettlementConfirmed
		d.SettlementTx = receipt.TxHash
		if err := s.store.Update(ctx, d); err != nil {
			// the deal stays pending and reconciliation confirms it later
			logging.L(ctx).Error("failed to record settlement", "dealCode", d.Code, "error", err)
			d.Settlement = SettlementPending
		}
	}
}

func ledgerWarning(kind EffectKind, err error) string {
	var what string
	switch kind {
	case EffectLedgerRelease:
		what = "on-chain release"
	case EffectLedgerRefund:
		what = "on-chain refund"
	default:
		what = "on-chain dispute mark"
	}
	if errors.Is(err, ledger.ErrUnavailable) {
		return what + " could not reach the ledger; it will be retried"
	}
	return what + " failed: " + err.Error()
}

// dispatch resolves recipients for notify effects and hands them to the
// dispatcher.
func (s *Service) dispatch(ctx context.Context, d *Deal, effects []Effect) {
	var msgs []notify.Message
	for _, e := range effects {
		switch e.Kind {
		case EffectNotifyParty:
			if id := s.partyID(ctx, d, e.To); id != 0 {
				msgs = append(msgs, notify.Message{Recipient: id, Text: e.Text})
			}
		case EffectNotifyArbiters:
			ids, err := s.arbitersToNotify(ctx, d)
			if err != nil {
				logging.L(ctx).Warn("failed to load arbiters for notification", "dealCode", d.Code, "error", err)
			}
			for _, id := range ids {
				msgs = append(msgs, notify.Message{Recipient: id, Text: e.Text})
			}
		}
	}
	if len(msgs) > 0 {
		s.notifier.Dispatch(ctx, msgs...)
	}
}

// arbitersToNotify returns the assigned arbiter when there is one, every
// superuser and roster member otherwise.
func (s *Service) arbitersToNotify(ctx context.Context, d *Deal) ([]int64, error) {
	if d.AssignedTo != 0 {
		return []int64{d.AssignedTo}, nil
	}
	return s.roles.ReviewerIDs(ctx)
}

// partyID resolves a party to a chat identity. The buyer is looked up by
// handle until their identity is bound.
func (s *Service) partyID(ctx context.Context, d *Deal, p Party) int64 {
	switch p {
	case PartySeller:
		return d.SellerID
	case PartyBuyer:
		if d.BuyerID != 0 {
			return d.BuyerID
		}
		u, err := s.users.GetByHandle(ctx, d.BuyerHandle)
		if err != nil {
			logging.L(ctx).Debug("buyer not reachable", "dealCode", d.Code, "buyer", d.BuyerHandle, "error", err)
			return 0
		}
		return u.ID
	}
	return 0
}

func (s *Service) publish(t *Transition) {
	for _, e := range t.Effects {
		if e.Kind == EffectPublish {
			s.publisher.Publish("deal_transition", t.Deal.Code, map[string]interface{}{
				"from":   t.From,
				"to":     t.To,
				"event":  t.Event,
				"tag":    t.Tag,
				"amount": t.Deal.Amount,
			})
			return
		}
	}
}
