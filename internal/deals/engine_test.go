package deals

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDeal(status Status) *Deal {
	d := &Deal{
		Code:         "DP-7KQM",
		SellerID:     1,
		SellerHandle: "alice",
		BuyerHandle:  "bob",
		Amount:       "50.000000",
		Description:  "Vintage camera",
		Status:       status,
		LedgerRef:    "DP-7KQM",
		CreatedAt:    t0,
		UpdatedAt:    t0,
		Version:      1,
	}
	if status != StatusPendingDeposit {
		funded := t0
		d.FundedAt = &funded
	}
	if status == StatusDisputed {
		d.DisputedBy = 1
		d.DisputedByHandle = "alice"
		d.DisputeActive = true
		d.DisputedAt = &t0
	}
	return d
}

func hasEffect(tr *Transition, kind EffectKind) bool {
	for _, e := range tr.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestApply_TransitionTable(t *testing.T) {
	seller := Actor{ID: 1, Handle: "alice"}
	buyer := Actor{ID: 2, Handle: "bob"}
	root := Actor{ID: 9, Handle: "root", Superuser: true}

	tests := []struct {
		name   string
		from   Status
		in     Input
		want   Status
		effect EffectKind
	}{
		{"ledger funded", StatusPendingDeposit, Input{Event: EventLedgerFunded}, StatusFunded, EffectNotifyParty},
		{"ledger completed", StatusFunded, Input{Event: EventLedgerCompleted}, StatusCompleted, EffectNotifyParty},
		{"cancel pending", StatusPendingDeposit, Input{Event: EventCancel, Actor: seller, Party: PartySeller}, StatusCancelled, EffectNotifyParty},
		{"cancel funded", StatusFunded, Input{Event: EventCancel, Actor: buyer, Party: PartyBuyer}, StatusCancelled, EffectNotifyParty},
		{"release funded", StatusFunded, Input{Event: EventRelease, Actor: buyer, Party: PartyBuyer}, StatusCompleted, EffectLedgerRelease},
		{"override release", StatusDisputed, Input{Event: EventRelease, Actor: buyer, Party: PartyBuyer, Override: true}, StatusCompleted, EffectNotifyArbiters},
		{"dispute", StatusFunded, Input{Event: EventDispute, Actor: seller, Party: PartySeller, Reason: "no show"}, StatusDisputed, EffectLedgerMarkDisputed},
		{"cancel dispute", StatusDisputed, Input{Event: EventCancelDispute, Actor: seller, Party: PartySeller}, StatusFunded, EffectNotifyParty},
		{"resolve release", StatusDisputed, Input{Event: EventResolveRelease, Actor: root}, StatusCompleted, EffectLedgerRelease},
		{"resolve refund", StatusDisputed, Input{Event: EventResolveRefund, Actor: root}, StatusRefunded, EffectLedgerRefund},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDeal(tt.from)
			tr, err := Apply(d, tt.in, t0.Add(time.Hour))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if tr.From != tt.from || tr.To != tt.want || tr.Deal.Status != tt.want {
				t.Fatalf("got %s -> %s (deal %s), want %s -> %s", tr.From, tr.To, tr.Deal.Status, tt.from, tt.want)
			}
			if !hasEffect(tr, tt.effect) {
				t.Errorf("expected %s effect, got %+v", tt.effect, tr.Effects)
			}
			if !hasEffect(tr, EffectPublish) {
				t.Error("every transition should publish")
			}
			if d.Status != tt.from {
				t.Error("Apply must not modify its input")
			}
		})
	}
}

func TestApply_RejectsOutsideTable(t *testing.T) {
	events := []Event{
		EventLedgerFunded, EventLedgerCompleted, EventCancel, EventRelease,
		EventDispute, EventCancelDispute, EventResolveRelease, EventResolveRefund,
	}
	allowed := map[Status]map[Event]bool{
		StatusPendingDeposit: {EventLedgerFunded: true, EventCancel: true},
		StatusFunded: {EventLedgerFunded: true, EventLedgerCompleted: true, EventCancel: true,
			EventRelease: true, EventDispute: true},
		StatusDisputed: {EventRelease: true, EventCancelDispute: true,
			EventResolveRelease: true, EventResolveRefund: true},
		StatusCompleted: {EventLedgerCompleted: true},
	}

	for _, status := range []Status{StatusPendingDeposit, StatusFunded, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusCancelled} {
		for _, ev := range events {
			if allowed[status][ev] {
				continue
			}
			_, err := Apply(testDeal(status), Input{Event: ev}, t0)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s on %s: got %v, want ErrInvalidTransition", ev, status, err)
				continue
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.Current != status {
				t.Errorf("%s on %s: error should carry the current status, got %v", ev, status, err)
			}
		}
	}
}

func TestApply_ReplayedObservationsAreNoops(t *testing.T) {
	if _, err := Apply(testDeal(StatusFunded), Input{Event: EventLedgerFunded}, t0); !errors.Is(err, ErrNoop) {
		t.Errorf("funded replay: got %v, want ErrNoop", err)
	}
	if _, err := Apply(testDeal(StatusCompleted), Input{Event: EventLedgerCompleted}, t0); !errors.Is(err, ErrNoop) {
		t.Errorf("completed replay: got %v, want ErrNoop", err)
	}
}

func TestApply_ReleaseWhileDisputedNeedsOverride(t *testing.T) {
	_, err := Apply(testDeal(StatusDisputed), Input{Event: EventRelease, Party: PartyBuyer}, t0)
	if !errors.Is(err, ErrOverrideRequired) {
		t.Fatalf("got %v, want ErrOverrideRequired", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("override error should also be an invalid transition")
	}

	tr, err := Apply(testDeal(StatusDisputed), Input{Event: EventRelease, Party: PartyBuyer, Override: true}, t0)
	if err != nil {
		t.Fatalf("override release: %v", err)
	}
	if tr.Tag != TagDisputeOverridden || !tr.Deal.OverrideRelease || tr.Deal.DisputeActive {
		t.Errorf("override not recorded: tag=%q override=%v active=%v", tr.Tag, tr.Deal.OverrideRelease, tr.Deal.DisputeActive)
	}
}

func TestApply_ReleaseComputesAdvisoryFee(t *testing.T) {
	tr, err := Apply(testDeal(StatusFunded), Input{Event: EventRelease, Party: PartyBuyer, FeeBps: 100}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.Deal.Fee != "0.500000" || tr.Deal.SellerDue != "49.500000" {
		t.Errorf("fee split = %s / %s, want 0.500000 / 49.500000", tr.Deal.Fee, tr.Deal.SellerDue)
	}
	if tr.Deal.Settlement != SettlementPending {
		t.Errorf("settlement = %q, want pending", tr.Deal.Settlement)
	}
	if tr.Deal.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestApply_UnboundDealHasNoLedgerEffects(t *testing.T) {
	d := testDeal(StatusFunded)
	d.LedgerRef = ""
	tr, err := Apply(d, Input{Event: EventDispute, Party: PartySeller}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, e := range tr.Effects {
		if e.isLedger() {
			t.Errorf("unexpected ledger effect %s on unbound deal", e.Kind)
		}
	}
}

func TestApply_DisputeResetsAssignment(t *testing.T) {
	d := testDeal(StatusFunded)
	d.AssignedTo = 5
	d.AssignedToHandle = "judy"
	tr, err := Apply(d, Input{Event: EventDispute, Actor: Actor{ID: 2, Handle: "bob"}, Party: PartyBuyer, Reason: "broken"}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.Deal.AssignedTo != 0 || tr.Deal.AssignedToHandle != "" {
		t.Error("a new dispute should clear the previous assignment")
	}
	if tr.Deal.DisputedBy != 2 || tr.Deal.DisputeReason != "broken" || !tr.Deal.DisputeActive {
		t.Errorf("dispute fields not set: %+v", tr.Deal)
	}
	var notified []Party
	for _, e := range tr.Effects {
		if e.Kind == EffectNotifyParty {
			notified = append(notified, e.To)
		}
	}
	if len(notified) != 1 || notified[0] != PartySeller {
		t.Errorf("dispute should notify the counterparty only, got %v", notified)
	}
}

func TestApply_LedgerFundedResetsReminder(t *testing.T) {
	d := testDeal(StatusPendingDeposit)
	d.ReminderSent = true
	tr, err := Apply(d, Input{Event: EventLedgerFunded}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.Deal.ReminderSent || tr.Deal.FundedAt == nil || !tr.Deal.FundedAt.Equal(t0) {
		t.Errorf("funded deal state wrong: reminder=%v fundedAt=%v", tr.Deal.ReminderSent, tr.Deal.FundedAt)
	}
	if tr.Tag != TagLedgerObserved {
		t.Errorf("tag = %q", tr.Tag)
	}
}

func TestBind(t *testing.T) {
	d := testDeal(StatusPendingDeposit)
	d.LedgerRef = ""
	next, err := Bind(d, "DP-7KQM", "0xabc", t0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if next.LedgerRef != "DP-7KQM" || next.TxHash != "0xabc" {
		t.Errorf("binding not recorded: %+v", next)
	}
	if _, err := Bind(next, "DP-7KQM", "0xdef", t0); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second bind: got %v, want ErrAlreadyBound", err)
	}

	funded := testDeal(StatusFunded)
	funded.LedgerRef = ""
	if _, err := Bind(funded, "x", "", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("bind funded: got %v, want ErrInvalidTransition", err)
	}
}

func TestAssignUnassign(t *testing.T) {
	if _, err := Assign(testDeal(StatusFunded), 5, "judy", 9, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("assign on funded: got %v", err)
	}
	next, err := Assign(testDeal(StatusDisputed), 5, "judy", 9, t0)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if next.AssignedTo != 5 || next.AssignedBy != 9 || next.AssignedAt == nil {
		t.Errorf("assignment not recorded: %+v", next)
	}
	cleared, err := Unassign(next, t0)
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if cleared.AssignedTo != 0 || cleared.AssignedToHandle != "" || cleared.AssignedAt != nil {
		t.Errorf("assignment not cleared: %+v", cleared)
	}
}

func TestApplyReview(t *testing.T) {
	if _, err := ApplyReview(testDeal(StatusFunded), PartyBuyer, 5, "great", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("review on funded: got %v", err)
	}
	d := testDeal(StatusCompleted)
	if _, err := ApplyReview(d, PartyBuyer, 6, "", t0); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("rating 6: got %v", err)
	}
	next, err := ApplyReview(d, PartyBuyer, 4, "fine", t0)
	if err != nil {
		t.Fatalf("ApplyReview: %v", err)
	}
	if next.BuyerRating != 4 || next.BuyerReview != "fine" {
		t.Errorf("review not stored: %+v", next)
	}
	if _, err := ApplyReview(next, PartyBuyer, 5, "again", t0); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("second review: got %v", err)
	}
	if _, err := ApplyReview(next, PartySeller, 5, "ok", t0); err != nil {
		t.Errorf("seller review after buyer: %v", err)
	}
	if _, err := ApplyReview(testDeal(StatusRefunded), PartySeller, 1, "", t0); err != nil {
		t.Errorf("review on refunded: %v", err)
	}
}

func TestReminderDue(t *testing.T) {
	window := 24 * time.Hour
	d := testDeal(StatusFunded)

	if ReminderDue(d, window, t0.Add(23*time.Hour)) {
		t.Error("reminder due before the window expired")
	}
	if !ReminderDue(d, window, t0.Add(24*time.Hour)) {
		t.Error("reminder not due at the deadline")
	}
	d.ReminderSent = true
	if ReminderDue(d, window, t0.Add(48*time.Hour)) {
		t.Error("reminder due twice")
	}
	if ReminderDue(testDeal(StatusDisputed), window, t0.Add(48*time.Hour)) {
		t.Error("reminder due on a disputed deal")
	}
}

func TestDeal_WindowRemaining(t *testing.T) {
	d := testDeal(StatusFunded)
	if got := d.WindowRemaining(24*time.Hour, t0.Add(90*time.Minute)); got != 22*time.Hour+30*time.Minute {
		t.Errorf("WindowRemaining = %v", got)
	}
	if got := d.WindowRemaining(24*time.Hour, t0.Add(25*time.Hour)); got != 0 {
		t.Errorf("expired window = %v, want 0", got)
	}
	if got := FormatRemaining(22*time.Hour + 30*time.Minute); got != "22h 30m" {
		t.Errorf("FormatRemaining = %q", got)
	}
}

func TestDeal_IsBuyer(t *testing.T) {
	d := testDeal(StatusPendingDeposit)
	if !d.IsBuyer(77, "@BOB") {
		t.Error("handle match should be case-insensitive before the buyer is bound")
	}
	d.BuyerID = 2
	if d.IsBuyer(77, "bob") {
		t.Error("a bound buyer must match by identity, not handle")
	}
	if !d.IsBuyer(2, "renamed") {
		t.Error("bound buyer should match after a handle change")
	}
}
