package deals

import (
	"math/big"
	"time"

	"github.com/dealpact/dealpact/internal/usdc"
)

// Event is a lifecycle trigger, either an actor request or a ledger
// observation.
type Event string

const (
	EventLedgerFunded    Event = "ledger_funded"
	EventLedgerCompleted Event = "ledger_completed"
	EventCancel          Event = "cancel"
	EventRelease         Event = "release"
	EventDispute         Event = "dispute"
	EventCancelDispute   Event = "cancel_dispute"
	EventResolveRelease  Event = "resolve_release"
	EventResolveRefund   Event = "resolve_refund"
)

// Transition tags.
const (
	TagLedgerObserved    = "ledger_observed"
	TagDisputeOverridden = "dispute_overridden_by_buyer"
	TagArbiterDecision   = "arbiter_decision"
)

// Input carries an event and the context it needs.
type Input struct {
	Event Event
	Actor Actor // zero for ledger observations
	// Party is the actor's side of the deal, when they have one.
	Party    Party
	Reason   string
	Override bool
	FeeBps   int64
}

// Transition is the result of applying one event.
type Transition struct {
	From    Status
	To      Status
	Event   Event
	Tag     string
	Deal    *Deal
	Effects []Effect
}

// Apply validates ev against d's status and returns the next state plus
// the effects to perform. d is not modified. Events outside the lifecycle
// table return a *TransitionError; ledger observations the deal already
// reflects return ErrNoop.
func Apply(d *Deal, in Input, now time.Time) (*Transition, error) {
	next := d.Clone()
	next.UpdatedAt = now
	t := &Transition{From: d.Status, Event: in.Event, Deal: next}

	reject := func(hint string) (*Transition, error) {
		return nil, &TransitionError{Current: d.Status, Event: in.Event, Hint: hint}
	}

	switch in.Event {
	case EventLedgerFunded:
		switch d.Status {
		case StatusPendingDeposit:
			next.Status = StatusFunded
			next.FundedAt = &now
			next.ReminderSent = false
			t.Tag = TagLedgerObserved
			t.notifyBoth(fundedSellerText(d), fundedBuyerText(d))
		case StatusFunded:
			return nil, ErrNoop
		default:
			return reject("")
		}

	case EventLedgerCompleted:
		switch d.Status {
		case StatusFunded:
			complete(next, now, in.FeeBps)
			next.Settlement = SettlementConfirmed
			t.Tag = TagLedgerObserved
			t.notifyBoth(releasedSellerText(d), releasedBuyerText(d))
		case StatusCompleted:
			return nil, ErrNoop
		default:
			return reject("")
		}

	case EventCancel:
		if d.Status != StatusPendingDeposit && d.Status != StatusFunded {
			return reject("only pending or funded deals can be cancelled")
		}
		next.Status = StatusCancelled
		next.CompletedAt = &now
		t.notifyCounterparty(in.Party, cancelledText(d, in.Actor))

	case EventRelease:
		switch d.Status {
		case StatusFunded:
		case StatusDisputed:
			if !in.Override {
				return nil, &TransitionError{
					Current:          d.Status,
					Event:            in.Event,
					Hint:             "deal is disputed; release with override=true to release anyway",
					OverrideRequired: true,
				}
			}
			next.DisputeActive = false
			next.OverrideRelease = true
			t.Tag = TagDisputeOverridden
		default:
			return reject("only funded deals can be released")
		}
		complete(next, now, in.FeeBps)
		t.requestLedger(next, EffectLedgerRelease)
		t.notifyBoth(releasedSellerText(d), releasedBuyerText(d))
		if t.Tag == TagDisputeOverridden {
			t.Effects = append(t.Effects, Effect{Kind: EffectNotifyArbiters, Text: overrideArbiterText(d)})
		}

	case EventDispute:
		if d.Status != StatusFunded {
			return reject("only funded deals can be disputed")
		}
		next.Status = StatusDisputed
		next.DisputedBy = in.Actor.ID
		next.DisputedByHandle = in.Actor.Handle
		next.DisputeReason = in.Reason
		next.DisputedAt = &now
		next.DisputeActive = true
		// a new dispute supersedes any earlier assignment
		next.AssignedTo = 0
		next.AssignedToHandle = ""
		next.AssignedBy = 0
		next.AssignedAt = nil
		if next.LedgerRef != "" {
			t.Effects = append(t.Effects, Effect{Kind: EffectLedgerMarkDisputed})
		}
		t.notifyCounterparty(in.Party, disputeCounterpartyText(next))
		t.Effects = append(t.Effects, Effect{Kind: EffectNotifyArbiters, Text: disputeArbiterText(next)})

	case EventCancelDispute:
		if d.Status != StatusDisputed {
			return reject("deal is not disputed")
		}
		next.Status = StatusFunded
		next.DisputeActive = false
		if in.Party != "" {
			t.notifyCounterparty(in.Party, disputeCancelledText(d))
		} else {
			t.notifyBoth(disputeCancelledText(d), disputeCancelledText(d))
		}

	case EventResolveRelease, EventResolveRefund:
		if d.Status != StatusDisputed {
			return reject("deal is not disputed")
		}
		next.DisputeActive = false
		next.ResolvedBy = in.Actor.ID
		next.ResolvedAt = &now
		t.Tag = TagArbiterDecision
		if in.Event == EventResolveRelease {
			next.Resolution = ResolutionRelease
			complete(next, now, in.FeeBps)
			t.requestLedger(next, EffectLedgerRelease)
		} else {
			next.Resolution = ResolutionRefund
			next.Status = StatusRefunded
			next.CompletedAt = &now
			t.requestLedger(next, EffectLedgerRefund)
		}
		t.notifyBoth(resolvedText(d, next.Resolution, PartySeller), resolvedText(d, next.Resolution, PartyBuyer))

	default:
		return reject("unknown event")
	}

	t.To = next.Status
	t.Effects = append(t.Effects, Effect{Kind: EffectPublish})
	return t, nil
}

// complete moves next to completed and records the advisory fee split.
func complete(next *Deal, now time.Time, feeBps int64) {
	next.Status = StatusCompleted
	next.CompletedAt = &now
	if amount, ok := usdc.Parse(next.Amount); ok {
		fee, due := usdc.FeeSplit(amount, feeBps)
		next.Fee = usdc.Format(fee)
		next.SellerDue = usdc.Format(due)
	}
}

// requestLedger adds a settlement write when the deal is bound on-chain.
func (t *Transition) requestLedger(next *Deal, kind EffectKind) {
	if next.LedgerRef == "" {
		return
	}
	next.Settlement = SettlementPending
	t.Effects = append(t.Effects, Effect{Kind: kind})
}

func (t *Transition) notifyBoth(sellerText, buyerText string) {
	t.Effects = append(t.Effects,
		Effect{Kind: EffectNotifyParty, To: PartySeller, Text: sellerText},
		Effect{Kind: EffectNotifyParty, To: PartyBuyer, Text: buyerText},
	)
}

func (t *Transition) notifyCounterparty(actor Party, text string) {
	switch actor {
	case PartySeller:
		t.Effects = append(t.Effects, Effect{Kind: EffectNotifyParty, To: PartyBuyer, Text: text})
	case PartyBuyer:
		t.Effects = append(t.Effects, Effect{Kind: EffectNotifyParty, To: PartySeller, Text: text})
	default:
		t.notifyBoth(text, text)
	}
}

// Bind records the ledger binding. A deal is bound at most once.
func Bind(d *Deal, ref, txHash string, now time.Time) (*Deal, error) {
	if d.LedgerRef != "" {
		return nil, ErrAlreadyBound
	}
	if d.Status != StatusPendingDeposit {
		return nil, &TransitionError{Current: d.Status, Event: "fund", Hint: "only pending deals can be funded"}
	}
	next := d.Clone()
	next.LedgerRef = ref
	next.TxHash = txHash
	next.UpdatedAt = now
	return next, nil
}

// Assign puts an arbiter on an open dispute.
func Assign(d *Deal, arbiterID int64, arbiterHandle string, by int64, now time.Time) (*Deal, error) {
	if d.Status != StatusDisputed {
		return nil, &TransitionError{Current: d.Status, Event: "assign", Hint: "deal is not disputed"}
	}
	next := d.Clone()
	next.AssignedTo = arbiterID
	next.AssignedToHandle = arbiterHandle
	next.AssignedBy = by
	next.AssignedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Unassign clears the assigned arbiter.
func Unassign(d *Deal, now time.Time) (*Deal, error) {
	if d.Status != StatusDisputed {
		return nil, &TransitionError{Current: d.Status, Event: "unassign", Hint: "deal is not disputed"}
	}
	next := d.Clone()
	next.AssignedTo = 0
	next.AssignedToHandle = ""
	next.AssignedAt = nil
	next.UpdatedAt = now
	return next, nil
}

// ApplyReview records party's rating. Only finished deals accept reviews
// and each party reviews once.
func ApplyReview(d *Deal, party Party, rating int, comment string, now time.Time) (*Deal, error) {
	if d.Status != StatusCompleted && d.Status != StatusRefunded {
		return nil, &TransitionError{Current: d.Status, Event: "review", Hint: "only completed or refunded deals can be reviewed"}
	}
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	next := d.Clone()
	switch party {
	case PartySeller:
		if d.SellerRating != 0 {
			return nil, ErrAlreadyReviewed
		}
		next.SellerRating, next.SellerReview = rating, comment
	case PartyBuyer:
		if d.BuyerRating != 0 {
			return nil, ErrAlreadyReviewed
		}
		next.BuyerRating, next.BuyerReview = rating, comment
	default:
		return nil, ErrUnauthorized
	}
	next.UpdatedAt = now
	return next, nil
}

// ReminderDue reports whether the release-window reminder should fire.
func ReminderDue(d *Deal, window time.Duration, now time.Time) bool {
	return d.Status == StatusFunded &&
		!d.ReminderSent &&
		d.FundedAt != nil &&
		!now.Before(d.ReleaseDeadline(window))
}

// CheckEvidence reports whether evidence may be attached to d.
func CheckEvidence(d *Deal) error {
	if d.Status != StatusDisputed {
		return &TransitionError{Current: d.Status, Event: "evidence", Hint: "evidence is accepted only on disputed deals"}
	}
	return nil
}

func amountOf(d *Deal) *big.Int {
	a, ok := usdc.Parse(d.Amount)
	if !ok {
		return new(big.Int)
	}
	return a
}
