package deals

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dealpact/dealpact/internal/arbiters"
	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/notify"
	"github.com/dealpact/dealpact/internal/users"
)

var (
	alice = Identity{ID: 1, Handle: "alice"}
	bob   = Identity{ID: 2, Handle: "bob"}
	eve   = Identity{ID: 3, Handle: "eve"}
	judy  = Identity{ID: 5, Handle: "judy"}
	root  = Identity{ID: 9, Handle: "root"}
)

// recordingDispatcher captures notifications synchronously.
type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingDispatcher) Dispatch(_ context.Context, msgs ...notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
}

func (r *recordingDispatcher) to(id int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Recipient == id {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *recordingDispatcher) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// recordingPublisher captures realtime events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType, _ string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	evidence *MemoryEvidenceStore
	ledger   *ledger.Memory
	users    *users.MemoryStore
	roster   *arbiters.MemoryStore
	audit    *audit.MemoryStore
	notes    *recordingDispatcher
	events   *recordingPublisher

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:    NewMemoryStore(),
		evidence: NewMemoryEvidenceStore(),
		ledger:   ledger.NewMemory(),
		users:    users.NewMemoryStore(),
		roster:   arbiters.NewMemoryStore(),
		audit:    audit.NewMemoryStore(),
		notes:    &recordingDispatcher{},
		events:   &recordingPublisher{},
		now:      t0,
	}
	for _, u := range []*users.User{
		{ID: alice.ID, Handle: alice.Handle, WalletAddress: "0x1111111111111111111111111111111111111111"},
		{ID: bob.ID, Handle: bob.Handle, WalletAddress: "0x2222222222222222222222222222222222222222"},
		{ID: eve.ID, Handle: eve.Handle},
		{ID: judy.ID, Handle: judy.Handle},
		{ID: root.ID, Handle: root.Handle},
	} {
		if err := f.users.Upsert(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := f.roster.Activate(ctx, &arbiters.Arbiter{ID: judy.ID, Handle: judy.Handle, AddedBy: root.ID}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}

	f.svc = NewService(Config{
		MinAmount:     big.NewInt(1_000_000),
		MaxAmount:     big.NewInt(500_000_000),
		FeeBps:        100,
		ReleaseWindow: 24 * time.Hour,
		LedgerTimeout: time.Second,
		FrontendURL:   "https://dealpact.test",
	}, Deps{
		Store:     f.store,
		Evidence:  f.evidence,
		Ledger:    f.ledger,
		Users:     f.users,
		Roles:     arbiters.NewRoles([]int64{root.ID}, f.roster),
		Roster:    f.roster,
		Audit:     audit.NewLog(f.audit, logger),
		Notifier:  f.notes,
		Publisher: f.events,
	}, logger).WithClock(f.clock)
	return f
}

// openDeal creates a deal from alice to bob.
func (f *fixture) openDeal(t *testing.T) *Deal {
	t.Helper()
	d, err := f.svc.Create(context.Background(), alice, CreateRequest{BuyerHandle: "@Bob", Amount: "50", Description: "Vintage camera"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

// fundedDeal creates, binds and observes a deposit.
func (f *fixture) fundedDeal(t *testing.T) *Deal {
	t.Helper()
	ctx := context.Background()
	d := f.openDeal(t)
	if _, err := f.svc.BindLedger(ctx, bob, d.Code); err != nil {
		t.Fatalf("BindLedger: %v", err)
	}
	if err := f.ledger.SetStatus(d.Code, ledger.StatusFunded); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	out, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code))
	if err != nil {
		t.Fatalf("ObserveLedger: %v", err)
	}
	if out.Deal.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", out.Deal.Status)
	}
	return out.Deal
}

func (f *fixture) escrow(t *testing.T, code string) *ledger.Escrow {
	t.Helper()
	esc, err := f.ledger.GetEscrow(context.Background(), code)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	return esc
}

func (f *fixture) deal(t *testing.T, code string) *Deal {
	t.Helper()
	d, err := f.store.Get(context.Background(), code)
	if err != nil {
		t.Fatalf("Get %s: %v", code, err)
	}
	return d
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), audit.Filter{Limit: audit.MaxLimit})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	d := f.openDeal(t)

	if d.Status != StatusPendingDeposit || d.Amount != "50.000000" || d.BuyerHandle != "bob" {
		t.Errorf("unexpected deal: %+v", d)
	}
	if len(d.Code) != 7 || d.Code[:3] != "DP-" {
		t.Errorf("code = %q", d.Code)
	}
	if got := f.notes.to(bob.ID); len(got) != 1 {
		t.Errorf("buyer should be told about the new deal, got %v", got)
	}
	if !contains(f.events.events, "deal_created") {
		t.Error("deal_created not published")
	}
}

func TestService_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller Identity
		req    CreateRequest
		want   error
	}{
		{"below minimum", alice, CreateRequest{BuyerHandle: "bob", Amount: "0.5"}, ErrInvalidAmount},
		{"above maximum", alice, CreateRequest{BuyerHandle: "bob", Amount: "501"}, ErrInvalidAmount},
		{"garbage amount", alice, CreateRequest{BuyerHandle: "bob", Amount: "ten"}, ErrInvalidAmount},
		{"self deal by handle", alice, CreateRequest{BuyerHandle: "ALICE", Amount: "10"}, ErrSelfDeal},
		{"seller without wallet", eve, CreateRequest{BuyerHandle: "bob", Amount: "10"}, ErrWalletMissing},
		{"unknown seller", Identity{ID: 77, Handle: "ghost"}, CreateRequest{BuyerHandle: "bob", Amount: "10"}, ErrWalletMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.caller, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	if d.BuyerID != bob.ID {
		t.Errorf("buyer identity not back-filled: %d", d.BuyerID)
	}
	if got := f.notes.to(alice.ID); len(got) == 0 {
		t.Error("seller not told about the deposit")
	}

	f.notes.reset()
	out, err := f.svc.Release(ctx, bob, d.Code, false)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if out.To != StatusCompleted || len(out.Warnings) != 0 || out.TxRef == "" {
		t.Errorf("unexpected outcome: %+v", out)
	}

	stored := f.deal(t, d.Code)
	if stored.Status != StatusCompleted || stored.Settlement != SettlementConfirmed || stored.SettlementTx == "" {
		t.Errorf("stored deal: status=%s settlement=%s tx=%s", stored.Status, stored.Settlement, stored.SettlementTx)
	}
	if stored.Fee != "0.500000" || stored.SellerDue != "49.500000" {
		t.Errorf("fee split = %s/%s", stored.Fee, stored.SellerDue)
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusCompleted {
		t.Errorf("ledger status = %s, want Completed", esc.Status)
	}
	if len(f.notes.to(alice.ID)) != 1 || len(f.notes.to(bob.ID)) != 1 {
		t.Error("both parties should hear about the release")
	}
}

func TestService_BindLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)

	if _, err := f.svc.BindLedger(ctx, alice, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller funding: got %v, want ErrUnauthorized", err)
	}

	out, err := f.svc.BindLedger(ctx, bob, d.Code)
	if err != nil {
		t.Fatalf("BindLedger: %v", err)
	}
	if out.Deal.LedgerRef != d.Code || out.TxRef == "" {
		t.Errorf("binding not recorded: %+v", out)
	}
	if out.DepositURL != "https://dealpact.test?deal="+d.Code {
		t.Errorf("deposit url = %q", out.DepositURL)
	}
	if esc := f.escrow(t, d.Code); !esc.Exists || esc.Amount.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Errorf("escrow not created on the ledger: %+v", esc)
	}

	if _, err := f.svc.BindLedger(ctx, bob, d.Code); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second bind: got %v, want ErrAlreadyBound", err)
	}
}

func TestService_BindLedgerAdoptsExistingEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)

	if _, err := f.ledger.CreateEscrow(ctx, d.Code,
		"0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222",
		big.NewInt(50_000_000)); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	out, err := f.svc.BindLedger(ctx, bob, d.Code)
	if err != nil {
		t.Fatalf("BindLedger: %v", err)
	}
	if out.Deal.LedgerRef != d.Code {
		t.Errorf("existing escrow not adopted: %+v", out.Deal)
	}
}

func TestService_BindLedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)

	f.ledger.SetUnavailable(true)
	if _, err := f.svc.BindLedger(ctx, bob, d.Code); !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("got %v, want ErrLedgerUnavailable", err)
	}
	if got := f.deal(t, d.Code); got.LedgerRef != "" || got.Version != d.Version {
		t.Errorf("deal changed after a failed bind: %+v", got)
	}
}

func TestService_BindLedgerNeedsBuyerWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, alice, CreateRequest{BuyerHandle: "eve", Amount: "10"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.BindLedger(ctx, eve, d.Code); !errors.Is(err, ErrWalletMissing) {
		t.Errorf("got %v, want ErrWalletMissing", err)
	}
}

func TestService_CaseInsensitiveCodes(t *testing.T) {
	f := newFixture(t)
	d := f.openDeal(t)
	got, err := f.svc.Get(context.Background(), bob, " "+strings.ToLower(d.Code))
	if err != nil {
		t.Fatalf("Get lower-case code: %v", err)
	}
	if got.Code != d.Code {
		t.Errorf("code = %s", got.Code)
	}
}

func TestService_GetRequiresPartyOrArbiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)

	if _, err := f.svc.Get(ctx, eve, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider: got %v", err)
	}
	if _, err := f.svc.Get(ctx, judy, d.Code); err != nil {
		t.Errorf("roster arbiter: %v", err)
	}
	if _, err := f.svc.Get(ctx, alice, "DP-ZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing deal: got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)

	if _, err := f.svc.Cancel(ctx, eve, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider cancel: got %v", err)
	}
	f.notes.reset()
	out, err := f.svc.Cancel(ctx, alice, d.Code)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.To != StatusCancelled {
		t.Errorf("status = %s", out.To)
	}
	if len(f.notes.to(bob.ID)) != 1 || len(f.notes.to(alice.ID)) != 0 {
		t.Error("cancel should notify only the counterparty")
	}
	var te *TransitionError
	if _, err := f.svc.Cancel(ctx, alice, d.Code); !errors.As(err, &te) || te.Current != StatusCancelled {
		t.Errorf("second cancel: got %v", err)
	}
}

func TestService_ReleaseWhileDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	if _, err := f.svc.Dispute(ctx, alice, d.Code, "buyer never picked up"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusDisputed {
		t.Errorf("ledger not marked disputed: %s", esc.Status)
	}

	_, err := f.svc.Release(ctx, bob, d.Code, false)
	if !errors.Is(err, ErrOverrideRequired) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("release without override: got %v", err)
	}

	out, err := f.svc.Release(ctx, bob, d.Code, true)
	if err != nil {
		t.Fatalf("override release: %v", err)
	}
	if out.Tag != TagDisputeOverridden || out.To != StatusCompleted {
		t.Errorf("outcome: %+v", out)
	}
	if !contains(f.auditActions(t), audit.ActionOverride) {
		t.Error("override release not audited")
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusCompleted {
		t.Errorf("ledger status = %s", esc.Status)
	}
}

func TestService_LedgerWriteFailureLeavesSettlementPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	f.ledger.SetUnavailable(true)
	out, err := f.svc.Release(ctx, bob, d.Code, false)
	if err != nil {
		t.Fatalf("Release must succeed off-chain: %v", err)
	}
	if len(out.Warnings) != 1 {
		t.Fatalf("warnings = %v", out.Warnings)
	}
	stored := f.deal(t, d.Code)
	if stored.Status != StatusCompleted || stored.Settlement != SettlementPending {
		t.Fatalf("status=%s settlement=%s", stored.Status, stored.Settlement)
	}

	pending, err := f.svc.ListSettlementPending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListSettlementPending = %v, %v", pending, err)
	}

	f.ledger.SetUnavailable(false)
	res, err := f.svc.ObserveSettlement(ctx, d.Code, f.escrow(t, d.Code))
	if err != nil {
		t.Fatalf("ObserveSettlement: %v", err)
	}
	if res.TxRef == "" {
		t.Error("settlement retry should report its transaction")
	}
	if got := f.deal(t, d.Code); got.Settlement != SettlementConfirmed {
		t.Errorf("settlement = %s", got.Settlement)
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusCompleted {
		t.Errorf("ledger status = %s", esc.Status)
	}
	if _, err := f.svc.ObserveSettlement(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrNoop) {
		t.Errorf("confirmed settlement: got %v, want ErrNoop", err)
	}
}

func TestService_ObserveSettlementConfirmsExternalWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	f.ledger.SetUnavailable(true)
	if _, err := f.svc.Release(ctx, bob, d.Code, false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	f.ledger.SetUnavailable(false)
	// the write landed after all
	if err := f.ledger.SetStatus(d.Code, ledger.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ObserveSettlement(ctx, d.Code, f.escrow(t, d.Code)); err != nil {
		t.Fatalf("ObserveSettlement: %v", err)
	}
	if got := f.deal(t, d.Code); got.Settlement != SettlementConfirmed {
		t.Errorf("settlement = %s", got.Settlement)
	}
}

// revertingLedger rejects every release write.
type revertingLedger struct {
	*ledger.Memory
	mu       sync.Mutex
	releases int
}

func (r *revertingLedger) ResolveRelease(context.Context, string) (*ledger.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	return nil, &ledger.TxError{Op: "resolveRelease", TxHash: "0xdead", Err: ledger.ErrReverted}
}

func (r *revertingLedger) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

func TestService_RevertedSettlementIsNotResent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	rl := &revertingLedger{Memory: f.ledger}
	f.svc.ledger = rl

	out, err := f.svc.Release(ctx, bob, d.Code, false)
	if err != nil {
		t.Fatalf("Release must succeed off-chain: %v", err)
	}
	if len(out.Warnings) != 1 || rl.calls() != 1 {
		t.Fatalf("warnings=%v calls=%d", out.Warnings, rl.calls())
	}
	if got := f.deal(t, d.Code); got.Settlement != SettlementPending {
		t.Fatalf("settlement after first write = %s", got.Settlement)
	}

	_, err = f.svc.ObserveSettlement(ctx, d.Code, f.escrow(t, d.Code))
	if !errors.Is(err, ErrLedgerMismatch) || errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("rejected retry: got %v, want ErrLedgerMismatch only", err)
	}
	if !errors.Is(err, ledger.ErrReverted) {
		t.Errorf("cause lost: %v", err)
	}
	if rl.calls() != 2 {
		t.Errorf("release writes = %d, want 2", rl.calls())
	}

	stored := f.deal(t, d.Code)
	if stored.Status != StatusCompleted || stored.Settlement != SettlementFailed {
		t.Fatalf("status=%s settlement=%s", stored.Status, stored.Settlement)
	}
	pending, err := f.svc.ListSettlementPending(ctx)
	if err != nil || len(pending) != 0 {
		t.Errorf("ListSettlementPending = %v, %v", pending, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.ObserveSettlement(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrNoop) {
			t.Errorf("failed settlement observed again: got %v, want ErrNoop", err)
		}
	}
	if rl.calls() != 2 {
		t.Errorf("release writes after failure = %d, want 2", rl.calls())
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusFunded {
		t.Errorf("ledger status = %s", esc.Status)
	}
}

func TestService_RevertedRetryConfirmsLandedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	rl := &revertingLedger{Memory: f.ledger}
	f.svc.ledger = rl
	if _, err := f.svc.Release(ctx, bob, d.Code, false); err != nil {
		t.Fatalf("Release: %v", err)
	}

	stale := f.escrow(t, d.Code)
	if err := f.ledger.SetStatus(d.Code, ledger.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ObserveSettlement(ctx, d.Code, stale); err != nil {
		t.Fatalf("ObserveSettlement: %v", err)
	}
	if got := f.deal(t, d.Code); got.Settlement != SettlementConfirmed {
		t.Errorf("settlement = %s, want confirmed", got.Settlement)
	}
}

// gatedLedger holds release writes until the gate opens.
type gatedLedger struct {
	*ledger.Memory
	entered chan struct{}
	gate    chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *gatedLedger) ResolveRelease(ctx context.Context, externalID string) (*ledger.Receipt, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.gate
	return g.Memory.ResolveRelease(ctx, externalID)
}

func TestService_SettlementRetryWaitsForInflightWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	gl := &gatedLedger{Memory: f.ledger, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f.svc.ledger = gl

	released := make(chan error, 1)
	go func() {
		_, err := f.svc.Release(ctx, bob, d.Code, false)
		released <- err
	}()
	<-gl.entered

	// the committed deal is pending; the sweep read the ledger before the write landed
	esc := f.escrow(t, d.Code)
	retried := make(chan error, 1)
	go func() {
		_, err := f.svc.ObserveSettlement(ctx, d.Code, esc)
		retried <- err
	}()

	select {
	case err := <-retried:
		t.Fatalf("retry ran during the write: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gl.gate)
	if err := <-released; err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-retried; !errors.Is(err, ErrNoop) {
		t.Errorf("retry after confirmation: got %v, want ErrNoop", err)
	}
	gl.mu.Lock()
	calls := gl.calls
	gl.mu.Unlock()
	if calls != 1 {
		t.Errorf("release writes = %d, want 1", calls)
	}
	if got := f.deal(t, d.Code); got.Settlement != SettlementConfirmed {
		t.Errorf("settlement = %s", got.Settlement)
	}
}

// failingStore rejects every update.
type failingStore struct {
	*MemoryStore
}

func (failingStore) Update(context.Context, *Deal) error {
	return errors.New("connection reset by peer")
}

func TestService_StoreWriteFailureAppliesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funded := f.fundedDeal(t)
	disputed := f.fundedDeal(t)
	if _, err := f.svc.Dispute(ctx, bob, disputed.Code, "never arrived"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if _, err := f.svc.AssignArbiter(ctx, root, disputed.Code, "judy"); err != nil {
		t.Fatalf("AssignArbiter: %v", err)
	}

	f.svc.store = failingStore{f.store}
	f.notes.reset()
	auditBefore := len(f.auditActions(t))
	f.events.mu.Lock()
	eventsBefore := len(f.events.events)
	f.events.mu.Unlock()

	tests := []struct {
		name   string
		code   string
		run    func() (*Outcome, error)
		status Status
		ledger ledger.StatusCode
	}{
		{"release", funded.Code, func() (*Outcome, error) { return f.svc.Release(ctx, bob, funded.Code, false) }, StatusFunded, ledger.StatusFunded},
		{"dispute", funded.Code, func() (*Outcome, error) { return f.svc.Dispute(ctx, alice, funded.Code, "late") }, StatusFunded, ledger.StatusFunded},
		{"resolve", disputed.Code, func() (*Outcome, error) { return f.svc.Resolve(ctx, judy, disputed.Code, ResolutionRelease) }, StatusDisputed, ledger.StatusDisputed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.run()
			if !errors.Is(err, ErrStoreWriteFailed) {
				t.Fatalf("got %v, want ErrStoreWriteFailed", err)
			}
			if out != nil {
				t.Errorf("outcome returned for a failed write: %+v", out)
			}
			if got := f.deal(t, tt.code); got.Status != tt.status {
				t.Errorf("status = %s, want %s", got.Status, tt.status)
			}
			if esc := f.escrow(t, tt.code); esc.Status != tt.ledger {
				t.Errorf("ledger status = %s, want %s", esc.Status, tt.ledger)
			}
		})
	}

	f.notes.mu.Lock()
	sent := len(f.notes.msgs)
	f.notes.mu.Unlock()
	if sent != 0 {
		t.Errorf("notifications sent for failed writes: %d", sent)
	}
	f.events.mu.Lock()
	published := len(f.events.events) - eventsBefore
	f.events.mu.Unlock()
	if published != 0 {
		t.Errorf("events published for failed writes: %d", published)
	}
	if n := len(f.auditActions(t)); n != auditBefore {
		t.Errorf("audit entries for failed writes: %d", n-auditBefore)
	}
}

func TestService_ObserveLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("unbound or pending is a noop", func(t *testing.T) {
		f := newFixture(t)
		d := f.openDeal(t)
		if _, err := f.svc.ObserveLedger(ctx, d.Code, &ledger.Escrow{Exists: true, Status: ledger.StatusFunded}); !errors.Is(err, ErrNoop) {
			t.Errorf("unbound: got %v", err)
		}
		if _, err := f.svc.BindLedger(ctx, bob, d.Code); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrNoop) {
			t.Errorf("pending: got %v", err)
		}
	})

	t.Run("replayed funded is a noop", func(t *testing.T) {
		f := newFixture(t)
		d := f.fundedDeal(t)
		if _, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrNoop) {
			t.Errorf("got %v, want ErrNoop", err)
		}
	})

	t.Run("completed from pending in one step", func(t *testing.T) {
		f := newFixture(t)
		d := f.openDeal(t)
		if _, err := f.svc.BindLedger(ctx, bob, d.Code); err != nil {
			t.Fatal(err)
		}
		if err := f.ledger.SetStatus(d.Code, ledger.StatusCompleted); err != nil {
			t.Fatal(err)
		}
		out, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code))
		if err != nil {
			t.Fatalf("ObserveLedger: %v", err)
		}
		if out.From != StatusPendingDeposit || out.To != StatusCompleted {
			t.Errorf("transition %s -> %s", out.From, out.To)
		}
		got := f.deal(t, d.Code)
		if got.FundedAt == nil || got.Settlement != SettlementConfirmed || got.Fee == "" {
			t.Errorf("completed deal incomplete: %+v", got)
		}
	})

	t.Run("refunded drift is a mismatch", func(t *testing.T) {
		f := newFixture(t)
		d := f.fundedDeal(t)
		if err := f.ledger.SetStatus(d.Code, ledger.StatusRefunded); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrLedgerMismatch) {
			t.Errorf("got %v, want ErrLedgerMismatch", err)
		}
		if got := f.deal(t, d.Code); got.Status != StatusFunded {
			t.Errorf("mismatch must not be applied, status = %s", got.Status)
		}
	})

	t.Run("disputed after a cancelled dispute is a noop", func(t *testing.T) {
		f := newFixture(t)
		d := f.fundedDeal(t)
		if _, err := f.svc.Dispute(ctx, bob, d.Code, "late"); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.CancelDispute(ctx, bob, d.Code); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.ObserveLedger(ctx, d.Code, f.escrow(t, d.Code)); !errors.Is(err, ErrNoop) {
			t.Errorf("got %v, want ErrNoop", err)
		}
	})
}

func TestService_DisputeResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	f.notes.reset()
	if _, err := f.svc.Dispute(ctx, bob, d.Code, ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got := f.deal(t, d.Code); got.DisputeReason != "No reason provided" {
		t.Errorf("reason = %q", got.DisputeReason)
	}
	if len(f.notes.to(root.ID)) != 1 || len(f.notes.to(judy.ID)) != 1 {
		t.Error("unassigned dispute should reach every reviewer")
	}

	if _, err := f.svc.Resolve(ctx, judy, d.Code, ResolutionRefund); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unassigned arbiter resolving: got %v", err)
	}
	if _, err := f.svc.AssignArbiter(ctx, judy, d.Code, "judy"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter self-assigning: got %v", err)
	}
	if _, err := f.svc.AssignArbiter(ctx, root, d.Code, "eve"); !errors.Is(err, ErrNotArbiter) {
		t.Errorf("assigning a non-arbiter: got %v", err)
	}

	f.notes.reset()
	out, err := f.svc.AssignArbiter(ctx, root, d.Code, "@Judy")
	if err != nil {
		t.Fatalf("AssignArbiter: %v", err)
	}
	if out.Deal.AssignedTo != judy.ID || out.Deal.AssignedBy != root.ID {
		t.Errorf("assignment: %+v", out.Deal)
	}
	if len(f.notes.to(judy.ID)) != 1 || len(f.notes.to(alice.ID)) != 1 {
		t.Error("assignment should notify the arbiter and both parties")
	}

	out, err = f.svc.Resolve(ctx, judy, d.Code, ResolutionRefund)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.To != StatusRefunded || out.Tag != TagArbiterDecision {
		t.Errorf("outcome: %+v", out)
	}
	got := f.deal(t, d.Code)
	if got.ResolvedBy != judy.ID || got.Resolution != ResolutionRefund || got.Settlement != SettlementConfirmed {
		t.Errorf("resolved deal: %+v", got)
	}
	if esc := f.escrow(t, d.Code); esc.Status != ledger.StatusRefunded {
		t.Errorf("ledger status = %s", esc.Status)
	}

	actions := f.auditActions(t)
	if !contains(actions, audit.ActionAssign) || !contains(actions, audit.ActionResolve) {
		t.Errorf("audit log = %v", actions)
	}
	if _, err := f.svc.Resolve(ctx, root, d.Code, Resolution("split")); !errors.Is(err, ErrBadResolution) {
		t.Errorf("bad resolution: got %v", err)
	}
}

func TestService_UnassignArbiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)
	if _, err := f.svc.Dispute(ctx, alice, d.Code, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AssignArbiter(ctx, root, d.Code, "judy"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UnassignArbiter(ctx, judy, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter unassigning: got %v", err)
	}
	out, err := f.svc.UnassignArbiter(ctx, root, d.Code)
	if err != nil {
		t.Fatalf("UnassignArbiter: %v", err)
	}
	if out.Deal.AssignedTo != 0 {
		t.Error("assignment not cleared")
	}
	if _, err := f.svc.Resolve(ctx, judy, d.Code, ResolutionRelease); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unassigned arbiter resolving: got %v", err)
	}
	if !contains(f.auditActions(t), audit.ActionUnassign) {
		t.Error("unassign not audited")
	}
}

func TestService_CancelDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)
	if _, err := f.svc.Dispute(ctx, alice, d.Code, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelDispute(ctx, bob, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-disputant cancel: got %v", err)
	}
	out, err := f.svc.CancelDispute(ctx, root, d.Code)
	if err != nil {
		t.Fatalf("CancelDispute: %v", err)
	}
	if out.To != StatusFunded || out.Deal.DisputeActive {
		t.Errorf("outcome: %+v", out)
	}
	if !contains(f.auditActions(t), audit.ActionCancelDispute) {
		t.Error("arbiter cancel not audited")
	}
}

func TestService_Evidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	if _, err := f.svc.SubmitEvidence(ctx, alice, d.Code, EvidenceInput{Content: "receipt"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("evidence before dispute: got %v", err)
	}
	if _, err := f.svc.Dispute(ctx, alice, d.Code, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitEvidence(ctx, alice, d.Code, EvidenceInput{}); !errors.Is(err, ErrEmptyEvidence) {
		t.Errorf("empty evidence: got %v", err)
	}
	if _, err := f.svc.SubmitEvidence(ctx, eve, d.Code, EvidenceInput{Content: "hi"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider evidence: got %v", err)
	}

	if _, err := f.svc.SubmitEvidence(ctx, alice, d.Code, EvidenceInput{Content: "shipping receipt"}); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Minute)
	ev, err := f.svc.SubmitEvidence(ctx, bob, d.Code, EvidenceInput{AttachmentRef: "file-123", AttachmentType: "photo"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Content != "Photo" || ev.Role != RoleBuyer {
		t.Errorf("attachment evidence: %+v", ev)
	}
	f.advance(time.Minute)
	if _, err := f.svc.SubmitEvidence(ctx, root, d.Code, EvidenceInput{Content: "asked for tracking"}); err != nil {
		t.Fatal(err)
	}

	_, list, err := f.svc.ListEvidence(ctx, judy, d.Code)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	roles := []string{}
	for _, e := range list {
		roles = append(roles, e.Role)
	}
	if len(roles) != 3 || roles[0] != RoleSeller || roles[1] != RoleBuyer || roles[2] != RoleArbiter {
		t.Errorf("evidence order = %v", roles)
	}
	if _, _, err := f.svc.ListEvidence(ctx, eve, d.Code); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider listing: got %v", err)
	}
}

func TestService_Review(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	if _, err := f.svc.SubmitReview(ctx, bob, d.Code, 5, "great"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("review before completion: got %v", err)
	}
	if _, err := f.svc.Release(ctx, bob, d.Code, false); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.SubmitReview(ctx, bob, d.Code, 5, "")
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if got.BuyerRating != 5 || got.BuyerReview != "No comment" {
		t.Errorf("review: %d %q", got.BuyerRating, got.BuyerReview)
	}
	if _, err := f.svc.SubmitReview(ctx, bob, d.Code, 4, "again"); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("second review: got %v", err)
	}
	if _, err := f.svc.SubmitReview(ctx, alice, d.Code, 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("bad rating: got %v", err)
	}
	if _, err := f.svc.SubmitReview(ctx, eve, d.Code, 3, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider review: got %v", err)
	}
}

func TestService_SendReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	f.notes.reset()
	sent, err := f.svc.SendReminder(ctx, d.Code)
	if err != nil || sent {
		t.Fatalf("reminder inside the window: sent=%v err=%v", sent, err)
	}

	f.advance(25 * time.Hour)
	sent, err = f.svc.SendReminder(ctx, d.Code)
	if err != nil || !sent {
		t.Fatalf("reminder after the window: sent=%v err=%v", sent, err)
	}
	if len(f.notes.to(alice.ID)) != 1 || len(f.notes.to(bob.ID)) != 1 {
		t.Error("both parties should be reminded")
	}
	if !f.deal(t, d.Code).ReminderSent {
		t.Error("reminder flag not persisted")
	}

	sent, err = f.svc.SendReminder(ctx, d.Code)
	if err != nil || sent {
		t.Errorf("second reminder: sent=%v err=%v", sent, err)
	}
}

func TestService_BuyerBoundByIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	// eve takes over the "bob" handle after bob funded the deal
	impostor := Identity{ID: eve.ID, Handle: "bob"}
	if _, err := f.svc.Release(ctx, impostor, d.Code, false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("impostor release: got %v", err)
	}
	renamed := Identity{ID: bob.ID, Handle: "bobby"}
	if _, err := f.svc.Release(ctx, renamed, d.Code, false); err != nil {
		t.Errorf("renamed buyer release: %v", err)
	}
}

func TestService_ConcurrentReleaseAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Release(ctx, bob, d.Code, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != n-1 {
		t.Errorf("ok=%d rejected=%d, want exactly one release", ok, rejected)
	}
}

func TestService_MessageAndBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fundedDeal(t)
	if _, err := f.svc.Dispute(ctx, alice, d.Code, "x"); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.MessageParty(ctx, judy, d.Code, PartyBuyer, "send photos"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unassigned message: got %v", err)
	}
	if err := f.svc.MessageParty(ctx, root, d.Code, Party("both"), "x"); !errors.Is(err, ErrBadParty) {
		t.Errorf("bad party: got %v", err)
	}

	f.notes.reset()
	if err := f.svc.MessageParty(ctx, root, d.Code, PartyBuyer, "send photos"); err != nil {
		t.Fatalf("MessageParty: %v", err)
	}
	if got := f.notes.to(bob.ID); len(got) != 1 || len(f.notes.to(alice.ID)) != 0 {
		t.Errorf("message recipients wrong: buyer=%v", got)
	}

	if err := f.svc.Broadcast(ctx, judy, d.Code, "hello"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter broadcast: got %v", err)
	}
	f.notes.reset()
	if err := f.svc.Broadcast(ctx, root, d.Code, "hello"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(f.notes.to(bob.ID)) != 1 || len(f.notes.to(alice.ID)) != 1 {
		t.Error("broadcast should reach both parties")
	}
	actions := f.auditActions(t)
	if !contains(actions, audit.ActionMessage) || !contains(actions, audit.ActionBroadcast) {
		t.Errorf("audit log = %v", actions)
	}
}

func TestService_ListDisputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.fundedDeal(t)
	b := f.fundedDeal(t)
	for _, d := range []*Deal{a, b} {
		if _, err := f.svc.Dispute(ctx, alice, d.Code, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.AssignArbiter(ctx, root, b.Code, "judy"); err != nil {
		t.Fatal(err)
	}

	all, err := f.svc.ListDisputes(ctx, root, false)
	if err != nil || len(all) != 2 {
		t.Errorf("superuser list = %d, %v", len(all), err)
	}
	mine, err := f.svc.ListDisputes(ctx, judy, false)
	if err != nil || len(mine) != 1 || mine[0].Code != b.Code {
		t.Errorf("roster list = %v, %v", mine, err)
	}
	if _, err := f.svc.ListDisputes(ctx, alice, false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("party listing disputes: got %v", err)
	}
}

func TestService_Roster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddArbiter(ctx, judy, "eve"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter adding arbiter: got %v", err)
	}
	if _, err := f.svc.AddArbiter(ctx, root, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: got %v", err)
	}
	a, err := f.svc.AddArbiter(ctx, root, "@eve")
	if err != nil {
		t.Fatalf("AddArbiter: %v", err)
	}
	if a.ID != eve.ID || !a.Active {
		t.Errorf("arbiter = %+v", a)
	}
	if len(f.notes.to(eve.ID)) != 1 {
		t.Error("new arbiter not notified")
	}

	list, err := f.svc.ListArbiters(ctx, root)
	if err != nil || len(list) != 2 {
		t.Errorf("ListArbiters = %d, %v", len(list), err)
	}

	if err := f.svc.RemoveArbiter(ctx, root, "judy"); err != nil {
		t.Fatalf("RemoveArbiter: %v", err)
	}
	if _, err := f.svc.ListDisputes(ctx, judy, false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("removed arbiter: got %v", err)
	}
	if err := f.svc.RemoveArbiter(ctx, root, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("remove unknown: got %v", err)
	}

	page, err := f.svc.AuditLog(ctx, root, "", 0, "")
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Action != audit.ActionRemoveArbiter {
		t.Errorf("audit entries = %+v", page.Entries)
	}
	if _, err := f.svc.AuditLog(ctx, judy, "", 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter reading audit: got %v", err)
	}
}

func TestMemoryStore_UpdateIsCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := testDeal(StatusFunded)
	if err := s.Insert(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, d); !errors.Is(err, errDuplicateCode) {
		t.Errorf("duplicate insert: got %v", err)
	}

	a, _ := s.Get(ctx, d.Code)
	b, _ := s.Get(ctx, "dp-7kqm")
	a.Description = "first"
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}
	b.Description = "second"
	if err := s.Update(ctx, b); !errors.Is(err, ErrStaleDeal) {
		t.Errorf("stale update: got %v", err)
	}
	if got, _ := s.Get(ctx, d.Code); got.Description != "first" {
		t.Errorf("description = %q", got.Description)
	}

	ok, err := s.MarkReminderSent(ctx, d.Code)
	if err != nil || !ok {
		t.Fatalf("MarkReminderSent = %v, %v", ok, err)
	}
	if ok, _ := s.MarkReminderSent(ctx, d.Code); ok {
		t.Error("MarkReminderSent set the flag twice")
	}
}
