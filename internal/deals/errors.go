package deals

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("deal not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOverrideRequired  = errors.New("deal is disputed: release requires override")
	ErrUnauthorized      = errors.New("not authorized for this deal")
	ErrAlreadyReviewed   = errors.New("already reviewed")
	ErrAlreadyBound      = errors.New("deal already bound to the ledger")
	ErrLedgerUnavailable = errors.New("ledger unavailable, try again")
	ErrStoreWriteFailed  = errors.New("failed to save deal")
	ErrStaleDeal         = errors.New("deal was modified concurrently")
	ErrLedgerMismatch    = errors.New("ledger disagrees with the deal record")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrSelfDeal      = errors.New("buyer and seller must differ")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrWalletMissing = errors.New("wallet not registered")
	ErrNotArbiter    = errors.New("target is not an active arbiter")
	ErrUserNotFound  = errors.New("user not found")
	ErrEmptyEvidence = errors.New("evidence needs content or an attachment")
	ErrNoRecipient   = errors.New("recipient has not contacted the bot yet")
	ErrBadResolution = errors.New("resolution must be release or refund")
	ErrBadParty      = errors.New("party must be seller or buyer")

	// ErrNoop marks a ledger observation the deal already reflects.
	ErrNoop = errors.New("no change")
)

// TransitionError is returned when an event is not valid from the deal's
// current status.
type TransitionError struct {
	Current Status
	Event   Event
	Hint    string
	// OverrideRequired is set when the same request with override=true
	// would be accepted.
	OverrideRequired bool
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s: deal is %s", e.Event, e.Current)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrOverrideRequired:
		return e.OverrideRequired
	}
	return false
}

// AuthError is returned when the actor lacks the role an action needs.
type AuthError struct {
	Action   Action
	Required string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("not authorized to %s: requires %s", e.Action, e.Required)
}

func (e *AuthError) Unwrap() error { return ErrUnauthorized }
