// Package users binds chat identities to payout wallets.
package users

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrInvalidWallet = errors.New("invalid wallet address")
)

// User is a chat identity and its registered wallet.
type User struct {
	ID            int64     `json:"id"`
	Handle        string    `json:"handle,omitempty"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasWallet reports whether a wallet is registered.
func (u *User) HasWallet() bool {
	return u != nil && u.WalletAddress != ""
}

// Store persists users. Upsert keys on ID; empty Handle or WalletAddress
// leave the stored value unchanged. GetByHandle matches case-insensitively
// and prefers the most recently updated identity.
type Store interface {
	Upsert(ctx context.Context, u *User) error
	Get(ctx context.Context, id int64) (*User, error)
	GetByHandle(ctx context.Context, handle string) (*User, error)
}

func normHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
