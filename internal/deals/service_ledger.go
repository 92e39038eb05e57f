package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/metrics"
	"github.com/dealpact/dealpact/internal/traces"
)

// ObserveLedger feeds an observed ledger state into the lifecycle, on the
// same path as actor requests. It returns ErrNoop when the deal already
// reflects the observation and ErrLedgerMismatch for ledger states no
// transition exists for.
func (s *Service) ObserveLedger(ctx context.Context, code string, esc *ledger.Escrow) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "deals.ObserveLedger", traces.DealCode(code))
	defer span.End()

	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		if d.LedgerRef == "" || esc == nil || !esc.Exists {
			return ErrNoop
		}
		now := s.now().UTC()
		in := Input{FeeBps: s.cfg.FeeBps}

		var t *Transition
		switch esc.Status {
		case ledger.StatusPending:
			return ErrNoop
		case ledger.StatusFunded:
			in.Event = EventLedgerFunded
			tr, err := Apply(d, in, now)
			if err != nil {
				return err
			}
			t = tr
		case ledger.StatusCompleted:
			in.Event = EventLedgerCompleted
			base := d
			if d.Status == StatusPendingDeposit {
				// funded and released between two sweeps
				funded, err := Apply(d, Input{Event: EventLedgerFunded}, now)
				if err != nil {
					return err
				}
				base = funded.Deal
			}
			tr, err := Apply(base, in, now)
			if err != nil {
				return err
			}
			tr.From = d.Status
			t = tr
		case ledger.StatusDisputed:
			// the contract cannot leave Disputed; a cancelled dispute leaves
			// the deal funded off-chain while the ledger still says disputed
			if d.Status == StatusDisputed || (d.Status == StatusFunded && d.DisputedAt != nil) {
				return ErrNoop
			}
			return fmt.Errorf("%w: ledger %s, deal %s", ErrLedgerMismatch, esc.Status, d.Status)
		default:
			return fmt.Errorf("%w: ledger %s, deal %s", ErrLedgerMismatch, esc.Status, d.Status)
		}

		var err error
		out, err = s.commit(ctx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ObserveSettlement confirms a pending settlement against the ledger. When
// the ledger has not moved yet the write is requested again. Outages stay
// pending for the next sweep; a write the contract rejects marks the
// settlement failed and is not sent again.
func (s *Service) ObserveSettlement(ctx context.Context, code string, esc *ledger.Escrow) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "deals.ObserveSettlement", traces.DealCode(code))
	defer span.End()

	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		if d.Settlement != SettlementPending || esc == nil || !esc.Exists {
			return ErrNoop
		}

		var want ledger.StatusCode
		var retry EffectKind
		switch d.Status {
		case StatusCompleted:
			want, retry = ledger.StatusCompleted, EffectLedgerRelease
		case StatusRefunded:
			want, retry = ledger.StatusRefunded, EffectLedgerRefund
		default:
			return ErrNoop
		}

		next := d.Clone()
		out = &Outcome{Deal: next, From: d.Status, To: d.Status}
		switch esc.Status {
		case want:
		case ledger.StatusFunded, ledger.StatusDisputed:
			receipt, err := s.ledgerOp(ctx, d, retry)
			if err != nil {
				if !settlementFinal(err) {
					return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
				}
				// the sweep's read may predate a write that has since landed
				if !s.ledgerShows(ctx, d, want) {
					return s.failSettlement(ctx, next, retry, err)
				}
			} else {
				next.SettlementTx = receipt.TxHash
				out.TxRef = receipt.TxHash
			}
		default:
			return fmt.Errorf("%w: ledger %s, deal %s", ErrLedgerMismatch, esc.Status, d.Status)
		}

		next.Settlement = SettlementConfirmed
		next.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		logging.L(ctx).Info("settlement confirmed", "dealCode", d.Code, "status", d.Status, "txHash", next.SettlementTx)
		s.publisher.Publish("settlement", d.Code, map[string]interface{}{"status": d.Status, "txHash": next.SettlementTx})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settlementFinal reports whether a failed ledger write will fail the same
// way when resent.
func settlementFinal(err error) bool {
	return errors.Is(err, ledger.ErrReverted) || errors.Is(err, ledger.ErrNotFound)
}

// ledgerShows reports whether a fresh ledger read has d at want.
func (s *Service) ledgerShows(ctx context.Context, d *Deal, want ledger.StatusCode) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()
	esc, err := s.ledger.GetEscrow(ctx, d.LedgerRef)
	return err == nil && esc.Exists && esc.Status == want
}

// failSettlement records a rejected settlement write. The deal keeps its
// off-chain outcome and leaves the retry queue.
func (s *Service) failSettlement(ctx context.Context, next *Deal, kind EffectKind, cause error) error {
	next.Settlement = SettlementFailed
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, next); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	metrics.SettlementFailuresTotal.WithLabelValues(string(kind)).Inc()
	logging.L(ctx).Error("settlement rejected by ledger",
		"dealCode", next.Code, "status", next.Status, "effect", kind, "error", cause)
	s.publisher.Publish("settlement", next.Code, map[string]interface{}{"status": next.Status, "settlement": next.Settlement})
	return fmt.Errorf("%w: %s rejected: %w", ErrLedgerMismatch, kind, cause)
}

// SendReminder notifies both parties once when the release window has
// expired. The flag is committed before anything is sent, so a crash can
// lose a reminder but never repeat one.
func (s *Service) SendReminder(ctx context.Context, code string) (bool, error) {
	var sent bool
	err := s.withDeal(ctx, code, func(d *Deal) error {
		if !ReminderDue(d, s.cfg.ReleaseWindow, s.now()) {
			return nil
		}
		ok, err := s.store.MarkReminderSent(ctx, d.Code)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		if !ok {
			return nil
		}
		s.dispatch(ctx, d, []Effect{
			{Kind: EffectNotifyParty, To: PartyBuyer, Text: reminderBuyerText(d)},
			{Kind: EffectNotifyParty, To: PartySeller, Text: reminderSellerText(d)},
		})
		logging.L(ctx).Info("release reminder sent", "dealCode", d.Code)
		sent = true
		return nil
	})
	return sent, err
}

// ListAwaitingLedger returns pending and funded deals bound to the ledger.
func (s *Service) ListAwaitingLedger(ctx context.Context) ([]*Deal, error) {
	return s.store.ListByStatus(ctx, []Status{StatusPendingDeposit, StatusFunded}, true)
}

// ListFunded returns every funded deal.
func (s *Service) ListFunded(ctx context.Context) ([]*Deal, error) {
	return s.store.ListByStatus(ctx, []Status{StatusFunded}, false)
}

// ListSettlementPending returns deals whose settlement write is unconfirmed.
func (s *Service) ListSettlementPending(ctx context.Context) ([]*Deal, error) {
	return s.store.ListSettlementPending(ctx)
}
