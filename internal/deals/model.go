// Package deals coordinates peer-to-peer escrow deals.
//
// A deal's funds live on the escrow contract; this package keeps the
// off-chain record (parties, description, dispute narrative, reviews) and
// moves it through the lifecycle:
//
//	pending_deposit -> funded -> completed
//	                        \-> disputed -> completed | refunded | funded
//	pending_deposit | funded -> cancelled
//
// Every status change, whether requested by a party or observed on the
// ledger, goes through Apply. The Service wraps Apply with per-deal locking,
// authorization, persistence and effect execution.
package deals

import (
	"context"
	"strings"
	"time"
)

// Status is a deal's lifecycle state.
type Status string

const (
	StatusPendingDeposit Status = "pending_deposit"
	StatusFunded         Status = "funded"
	StatusDisputed       Status = "disputed"
	StatusCompleted      Status = "completed"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
)

// IsTerminal reports whether no further status change is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Settlement tracks a ledger write requested after an off-chain transition
// was committed.
type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementPending   Settlement = "pending"   // requested, not confirmed on the ledger
	SettlementConfirmed Settlement = "confirmed" // ledger agrees with the off-chain outcome
	SettlementFailed    Settlement = "failed"    // the contract rejected the write; needs an operator
)

// Resolution is an arbiter's decision on a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

// Party identifies one side of a deal.
type Party string

const (
	PartySeller Party = "seller"
	PartyBuyer  Party = "buyer"
)

// Deal is the off-chain record of one escrow transaction.
type Deal struct {
	Code         string `json:"code"`
	SellerID     int64  `json:"sellerId"`
	SellerHandle string `json:"sellerHandle,omitempty"`
	BuyerHandle  string `json:"buyerHandle"`
	BuyerID      int64  `json:"buyerId,omitempty"` // zero until the buyer first acts
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	Status       Status `json:"status"`

	LedgerRef    string     `json:"ledgerRef,omitempty"` // set once, by BindLedger
	TxHash       string     `json:"txHash,omitempty"`
	Settlement   Settlement `json:"settlement,omitempty"`
	SettlementTx string     `json:"settlementTx,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	DisputedBy       int64      `json:"disputedBy,omitempty"`
	DisputedByHandle string     `json:"disputedByHandle,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	DisputedAt       *time.Time `json:"disputedAt,omitempty"`
	DisputeActive    bool       `json:"disputeActive"`
	AssignedTo       int64      `json:"assignedTo,omitempty"`
	AssignedToHandle string     `json:"assignedToHandle,omitempty"`
	AssignedBy       int64      `json:"assignedBy,omitempty"`
	AssignedAt       *time.Time `json:"assignedAt,omitempty"`
	ResolvedBy       int64      `json:"resolvedBy,omitempty"`
	Resolution       Resolution `json:"resolution,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	OverrideRelease  bool       `json:"overrideRelease,omitempty"`

	// Ratings are keyed by the reviewer: SellerRating is the seller's
	// rating of the buyer.
	SellerRating int    `json:"sellerRating,omitempty"`
	SellerReview string `json:"sellerReview,omitempty"`
	BuyerRating  int    `json:"buyerRating,omitempty"`
	BuyerReview  string `json:"buyerReview,omitempty"`

	ReminderSent bool `json:"reminderSent"`

	// Off-chain bookkeeping only. The ledger decides what actually moves.
	Fee       string `json:"advisoryFee,omitempty"`
	SellerDue string `json:"advisorySellerDue,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (d *Deal) Clone() *Deal {
	cp := *d
	cp.FundedAt = cloneTime(d.FundedAt)
	cp.CompletedAt = cloneTime(d.CompletedAt)
	cp.DisputedAt = cloneTime(d.DisputedAt)
	cp.AssignedAt = cloneTime(d.AssignedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	return &cp
}

// IsSeller reports whether id is the seller.
func (d *Deal) IsSeller(id int64) bool {
	return id != 0 && id == d.SellerID
}

// IsBuyer matches by identity once the buyer is bound, by handle before.
func (d *Deal) IsBuyer(id int64, handle string) bool {
	if d.BuyerID != 0 {
		return id != 0 && id == d.BuyerID
	}
	return handle != "" && SameHandle(handle, d.BuyerHandle)
}

// PartyOf returns the party the actor plays in this deal.
func (d *Deal) PartyOf(id int64, handle string) (Party, bool) {
	switch {
	case d.IsSeller(id):
		return PartySeller, true
	case d.IsBuyer(id, handle):
		return PartyBuyer, true
	}
	return "", false
}

// ReleaseDeadline returns the end of the release window, or the zero time
// when the deal was never funded.
func (d *Deal) ReleaseDeadline(window time.Duration) time.Time {
	if d.FundedAt == nil {
		return time.Time{}
	}
	return d.FundedAt.Add(window)
}

// WindowRemaining returns how long the buyer has left to release or
// dispute. Zero means the window has expired or does not apply.
func (d *Deal) WindowRemaining(window time.Duration, now time.Time) time.Duration {
	if d.Status != StatusFunded || d.FundedAt == nil {
		return 0
	}
	if left := d.ReleaseDeadline(window).Sub(now); left > 0 {
		return left
	}
	return 0
}

// Evidence is an append-only dispute submission.
type Evidence struct {
	ID              string    `json:"id"`
	DealCode        string    `json:"dealCode"`
	SubmitterID     int64     `json:"submitterId"`
	SubmitterHandle string    `json:"submitterHandle,omitempty"`
	Role            string    `json:"role"` // seller, buyer or arbiter
	Content         string    `json:"content"`
	AttachmentRef   string    `json:"attachmentRef,omitempty"`
	AttachmentType  string    `json:"attachmentType,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Evidence submitter roles.
const (
	RoleSeller  = "seller"
	RoleBuyer   = "buyer"
	RoleArbiter = "arbiter"
)

// Store persists deals. Codes are matched case-insensitively.
//
// Update is a compare-and-set on Version: it succeeds only when the stored
// version equals d.Version, then increments both. A mismatch returns
// ErrStaleDeal.
type Store interface {
	Insert(ctx context.Context, d *Deal) error
	Get(ctx context.Context, code string) (*Deal, error)
	Update(ctx context.Context, d *Deal) error
	ListByStatus(ctx context.Context, statuses []Status, boundOnly bool) ([]*Deal, error)
	ListForParty(ctx context.Context, id int64, handle string, limit int) ([]*Deal, error)
	ListDisputes(ctx context.Context, assignedTo int64) ([]*Deal, error)
	ListCompletedForHandle(ctx context.Context, handle string) ([]*Deal, error)
	ListSettlementPending(ctx context.Context) ([]*Deal, error)
	// MarkReminderSent sets the reminder flag if it is unset and the deal is
	// still funded. It reports whether this call set it.
	MarkReminderSent(ctx context.Context, code string) (bool, error)
}

// EvidenceStore persists evidence in submission order.
type EvidenceStore interface {
	Append(ctx context.Context, e *Evidence) error
	ListByDeal(ctx context.Context, code string) ([]*Evidence, error)
}

// CreateRequest opens a deal. The seller is the caller.
type CreateRequest struct {
	BuyerHandle string `json:"buyer" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// NormalizeCode upper-cases and trims a deal code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeHandle strips a leading @ and lower-cases.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// SameHandle compares two chat handles.
func SameHandle(a, b string) bool {
	return NormalizeHandle(a) != "" && NormalizeHandle(a) == NormalizeHandle(b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
