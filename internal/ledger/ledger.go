// Package ledger talks to the on-chain escrow contract that holds deal funds.
//
// The contract is the authority for money movement. Deals are addressed by
// their external id (the deal code); the contract maps it to its own numeric id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrUnavailable    = errors.New("ledger: unavailable")
	ErrNotFound       = errors.New("ledger: escrow not found")
	ErrAlreadyExists  = errors.New("ledger: escrow already exists")
	ErrReverted       = errors.New("ledger: transaction reverted")
	ErrUnconfirmed    = errors.New("ledger: transaction not confirmed in time")
	ErrInvalidAddress = errors.New("ledger: invalid address")
	ErrInvalidAmount  = errors.New("ledger: invalid amount")
	ErrInvalidKey     = errors.New("ledger: invalid private key")
)

// TxError wraps a failed ledger operation with the transaction hash when one
// was broadcast.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// StatusCode is the contract's escrow status enum.
type StatusCode uint8

const (
	StatusPending StatusCode = iota
	StatusFunded
	StatusCompleted
	StatusRefunded
	StatusDisputed
	StatusCancelled
)

var statusNames = [...]string{"Pending", "Funded", "Completed", "Refunded", "Disputed", "Cancelled"}

func (s StatusCode) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Escrow is the contract's view of one deal.
type Escrow struct {
	Exists      bool
	ID          *big.Int // contract-assigned id
	ExternalID  string
	Seller      string
	Buyer       string
	Amount      *big.Int
	Status      StatusCode
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Receipt describes a confirmed ledger write.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the ledger surface the coordinator depends on. Write methods
// return once the transaction is confirmed.
type Client interface {
	CreateEscrow(ctx context.Context, externalID, seller, buyer string, amount *big.Int) (*Receipt, error)
	GetEscrow(ctx context.Context, externalID string) (*Escrow, error)
	MarkDisputed(ctx context.Context, externalID string) (*Receipt, error)
	ResolveRelease(ctx context.Context, externalID string) (*Receipt, error)
	ResolveRefund(ctx context.Context, externalID string) (*Receipt, error)
	Ping(ctx context.Context) error
}
