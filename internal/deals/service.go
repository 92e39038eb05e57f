package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	"github.com/dealpact/dealpact/internal/arbiters"
	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/idgen"
	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/metrics"
	"github.com/dealpact/dealpact/internal/syncutil"
	"github.com/dealpact/dealpact/internal/traces"
	"github.com/dealpact/dealpact/internal/usdc"
	"github.com/dealpact/dealpact/internal/users"
)

const maxCodeAttempts = 8

// Config holds the deal rules.
type Config struct {
	MinAmount     *big.Int
	MaxAmount     *big.Int
	FeeBps        int64
	ReleaseWindow time.Duration
	LedgerTimeout time.Duration
	FrontendURL   string
}

// Identity is the authenticated caller before roles are resolved.
type Identity struct {
	ID     int64
	Handle string
}

// UserLookup finds registered identities and wallets.
type UserLookup interface {
	Get(ctx context.Context, id int64) (*users.User, error)
	GetByHandle(ctx context.Context, handle string) (*users.User, error)
}

// RoleStore answers role questions. Loaded once; roster changes go through
// the roster store.
type RoleStore interface {
	IsSuperuser(id int64) bool
	IsActiveArbiter(ctx context.Context, id int64) (bool, error)
	ReviewerIDs(ctx context.Context) ([]int64, error)
}

// Auditor records privileged actions.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
	List(ctx context.Context, f audit.Filter, cursor string) (*audit.Page, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     Store
	Evidence  EvidenceStore
	Ledger    ledger.Client
	Users     UserLookup
	Roles     RoleStore
	Roster    arbiters.Store
	Audit     Auditor
	Notifier  Dispatcher
	Publisher Publisher
}

// Outcome is the result of a state-changing operation.
type Outcome struct {
	Deal       *Deal    `json:"deal"`
	From       Status   `json:"from,omitempty"`
	To         Status   `json:"to,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	TxRef      string   `json:"txRef,omitempty"`
	DepositURL string   `json:"depositUrl,omitempty"`
}

// lockShards sizes the per-deal lock pool. A deal's lock is held across its
// ledger write so a settlement retry never overlaps the original request.
const lockShards = 1024

// Service orchestrates deal operations. Writes to one deal are serialized
// by a keyed lock; the store's version check catches writers in other
// processes.
type Service struct {
	store     Store
	evidence  EvidenceStore
	ledger    ledger.Client
	users     UserLookup
	roles     RoleStore
	roster    arbiters.Store
	audit     Auditor
	notifier  Dispatcher
	publisher Publisher

	guard  Guard
	locks  *syncutil.KeyedMutex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a deal service.
func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	s := &Service{
		store:     deps.Store,
		evidence:  deps.Evidence,
		ledger:    deps.Ledger,
		users:     deps.Users,
		roles:     deps.Roles,
		roster:    deps.Roster,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		locks:     syncutil.NewKeyedMutex(syncutil.CaseInsensitive(), syncutil.WithShards(lockShards)),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.cfg.LedgerTimeout <= 0 {
		s.cfg.LedgerTimeout = 15 * time.Second
	}
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ReleaseWindow returns the configured release window.
func (s *Service) ReleaseWindow() time.Duration {
	return s.cfg.ReleaseWindow
}

// Create opens a deal with the caller as seller.
func (s *Service) Create(ctx context.Context, caller Identity, req CreateRequest) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deals.Create", traces.ActorID(caller.ID))
	defer span.End()

	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 || !usdc.InRange(amount, s.cfg.MinAmount, s.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: must be between %s and %s USDC", ErrInvalidAmount,
			usdc.Display(s.cfg.MinAmount), usdc.Display(s.cfg.MaxAmount))
	}
	buyer := NormalizeHandle(req.BuyerHandle)
	if SameHandle(buyer, caller.Handle) {
		return nil, ErrSelfDeal
	}
	if u, err := s.users.GetByHandle(ctx, buyer); err == nil && u.ID == caller.ID {
		return nil, ErrSelfDeal
	}

	seller, err := s.users.Get(ctx, caller.ID)
	if errors.Is(err, users.ErrNotFound) || (err == nil && !seller.HasWallet()) {
		return nil, fmt.Errorf("%w: seller must register a wallet first", ErrWalletMissing)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &Deal{
		SellerID:     caller.ID,
		SellerHandle: NormalizeHandle(caller.Handle),
		BuyerHandle:  buyer,
		Amount:       usdc.Format(amount),
		Description:  req.Description,
		Status:       StatusPendingDeposit,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	for attempt := 0; ; attempt++ {
		d.Code = idgen.DealCode()
		err = s.store.Insert(ctx, d)
		if err == nil {
			break
		}
		if !errors.Is(err, errDuplicateCode) || attempt == maxCodeAttempts-1 {
			traces.Fail(span, err)
			return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
	}

	metrics.DealsCreatedTotal.Inc()
	logging.L(ctx).Info("deal created", "dealCode", d.Code, "amount", d.Amount, "buyer", d.BuyerHandle)
	s.publisher.Publish("deal_created", d.Code, d)
	s.dispatch(ctx, d, []Effect{{Kind: EffectNotifyParty, To: PartyBuyer, Text: newDealBuyerText(d)}})
	return d, nil
}

// Get returns a deal the caller may view.
func (s *Service) Get(ctx context.Context, caller Identity, code string) (*Deal, error) {
	d, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	actor, err := s.resolveActor(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, d, ActionView); err != nil {
		return nil, s.rejected(err)
	}
	return d, nil
}

// ListForParty returns the caller's deals, newest first.
func (s *Service) ListForParty(ctx context.Context, caller Identity, limit int) ([]*Deal, error) {
	if limit <= 0 || limit > 100 {
		limit = 15
	}
	return s.store.ListForParty(ctx, caller.ID, caller.Handle, limit)
}

// BindLedger creates the on-chain escrow for a pending deal, or adopts one
// that already exists for the code. The deal is unchanged if the ledger
// call fails.
func (s *Service) BindLedger(ctx context.Context, caller Identity, code string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "deals.BindLedger", traces.DealCode(code), traces.ActorID(caller.ID))
	defer span.End()

	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, ActionBind); err != nil {
			return s.rejected(err)
		}
		if d.LedgerRef != "" {
			return s.rejected(ErrAlreadyBound)
		}
		if d.Status != StatusPendingDeposit {
			return s.rejected(&TransitionError{Current: d.Status, Event: "fund", Hint: "only pending deals can be funded"})
		}

		sellerWallet, buyerWallet, err := s.wallets(ctx, d, caller)
		if err != nil {
			return err
		}

		ref, txHash, err := s.createOrAdopt(ctx, d, sellerWallet, buyerWallet)
		if err != nil {
			traces.Fail(span, err)
			return err
		}

		next, err := Bind(s.backfillBuyer(d, actor), ref, txHash, s.now().UTC())
		if err != nil {
			return err
		}
		if err := s.store.Update(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		out = &Outcome{Deal: next, From: d.Status, To: next.Status, TxRef: txHash, DepositURL: s.depositURL(next)}
		logging.L(ctx).Info("deal bound to ledger", "dealCode", next.Code, "txHash", txHash)
		s.publisher.Publish("deal_bound", next.Code, map[string]interface{}{"txHash": txHash})
		return nil
	})
	return out, err
}

func (s *Service) wallets(ctx context.Context, d *Deal, caller Identity) (seller, buyer string, err error) {
	su, err := s.users.Get(ctx, d.SellerID)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		return "", "", err
	}
	if !su.HasWallet() {
		return "", "", fmt.Errorf("%w: seller needs a wallet first", ErrWalletMissing)
	}
	bu, err := s.users.Get(ctx, caller.ID)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		return "", "", err
	}
	if !bu.HasWallet() {
		return "", "", fmt.Errorf("%w: register your wallet first", ErrWalletMissing)
	}
	return su.WalletAddress, bu.WalletAddress, nil
}

func (s *Service) createOrAdopt(ctx context.Context, d *Deal, sellerWallet, buyerWallet string) (ref, txHash string, err error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()

	existing, err := s.ledger.GetEscrow(lctx, d.Code)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	if existing.Exists {
		return d.Code, "", nil
	}

	receipt, err := s.ledger.CreateEscrow(lctx, d.Code, sellerWallet, buyerWallet, amountOf(d))
	switch {
	case errors.Is(err, ledger.ErrAlreadyExists):
		return d.Code, "", nil
	case err != nil:
		return "", "", fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return d.Code, receipt.TxHash, nil
}

func (s *Service) depositURL(d *Deal) string {
	if s.cfg.FrontendURL == "" {
		return ""
	}
	return s.cfg.FrontendURL + "?deal=" + url.QueryEscape(d.Code)
}

// Cancel cancels a pending or funded deal.
func (s *Service) Cancel(ctx context.Context, caller Identity, code string) (*Outcome, error) {
	return s.act(ctx, caller, code, ActionCancel, Input{Event: EventCancel})
}

// Release completes a funded deal. A disputed deal needs override.
func (s *Service) Release(ctx context.Context, caller Identity, code string, override bool) (*Outcome, error) {
	out, err := s.act(ctx, caller, code, ActionRelease, Input{Event: EventRelease, Override: override})
	if err != nil {
		return nil, err
	}
	if out.Tag == TagDisputeOverridden {
		s.record(ctx, audit.ActionOverride, out.Deal.Code, caller, "", "buyer released while disputed")
	}
	return out, nil
}

// Dispute opens a dispute on a funded deal.
func (s *Service) Dispute(ctx context.Context, caller Identity, code, reason string) (*Outcome, error) {
	if reason == "" {
		reason = "No reason provided"
	}
	return s.act(ctx, caller, code, ActionDispute, Input{Event: EventDispute, Reason: reason})
}

// act runs an actor-triggered lifecycle event.
func (s *Service) act(ctx context.Context, caller Identity, code string, action Action, in Input) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "deals."+string(in.Event),
		traces.DealCode(code), traces.Event(string(in.Event)), traces.ActorID(caller.ID))
	defer span.End()

	var out *Outcome
	err := s.withDeal(ctx, code, func(d *Deal) error {
		actor, err := s.resolveActor(ctx, caller)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, d, action); err != nil {
			return s.rejected(err)
		}
		in.Actor = actor
		in.Party, _ = d.PartyOf(actor.ID, actor.Handle)
		in.FeeBps = s.cfg.FeeBps

		t, err := Apply(s.backfillBuyer(d, actor), in, s.now().UTC())
		if err != nil {
			return s.rejected(err)
		}
		out, err = s.commit(ctx, t)
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.DealStatus(string(out.To)))
	return out, nil
}

// commit persists a transition and performs its effects.
func (s *Service) commit(ctx context.Context, t *Transition) (*Outcome, error) {
	if err := s.store.Update(ctx, t.Deal); err != nil {
		logging.L(ctx).Error("failed to save transition",
			"dealCode", t.Deal.Code, "from", t.From, "to", t.To, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}

	metrics.DealTransitionsTotal.WithLabelValues(string(t.From), string(t.To), string(t.Event)).Inc()
	if t.To.IsTerminal() {
		metrics.DealDuration.WithLabelValues(string(t.To)).Observe(t.Deal.UpdatedAt.Sub(t.Deal.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("deal transition",
		"dealCode", t.Deal.Code, "from", t.From, "to", t.To, "event", t.Event, "tag", t.Tag)

	out := &Outcome{Deal: t.Deal, From: t.From, To: t.To, Tag: t.Tag}
	s.runLedgerEffects(ctx, t, out)
	s.dispatch(ctx, t.Deal, t.Effects)
	s.publish(t)
	return out, nil
}

// withDeal loads a deal under its lock and runs fn.
func (s *Service) withDeal(ctx context.Context, code string, fn func(d *Deal) error) error {
	code = NormalizeCode(code)
	unlock, err := s.locks.LockContext(ctx, code)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, code)
	if err != nil {
		return err
	}
	return fn(d)
}

// resolveActor attaches roles to the caller.
func (s *Service) resolveActor(ctx context.Context, caller Identity) (Actor, error) {
	a := Actor{ID: caller.ID, Handle: caller.Handle, Superuser: s.roles.IsSuperuser(caller.ID)}
	if a.Superuser {
		return a, nil
	}
	active, err := s.roles.IsActiveArbiter(ctx, caller.ID)
	if err != nil {
		return Actor{}, fmt.Errorf("resolve roles: %w", err)
	}
	a.RosterArbiter = active
	return a, nil
}

// backfillBuyer binds the buyer's identity the first time they act on the
// deal. From then on the buyer is matched by identity, not handle.
func (s *Service) backfillBuyer(d *Deal, a Actor) *Deal {
	if d.BuyerID != 0 || a.ID == d.SellerID || !SameHandle(a.Handle, d.BuyerHandle) {
		return d
	}
	next := d.Clone()
	next.BuyerID = a.ID
	return next
}

// rejected counts a refused request and passes the error through.
func (s *Service) rejected(err error) error {
	var reason string
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ErrOverrideRequired):
		reason = "override_required"
	case errors.Is(err, ErrInvalidTransition):
		reason = "invalid_transition"
	case errors.Is(err, ErrAlreadyReviewed):
		reason = "already_reviewed"
	case errors.Is(err, ErrAlreadyBound):
		reason = "already_bound"
	default:
		reason = "other"
	}
	metrics.DealRejectionsTotal.WithLabelValues(reason).Inc()
	return err
}
