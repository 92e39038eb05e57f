package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dealpact/dealpact/internal/idgen"
)

// Memory is an in-process ledger for development and tests. It enforces the
// same status rules as the contract.
type Memory struct {
	mu          sync.Mutex
	escrows     map[string]*Escrow
	nextID      int64
	unavailable error
	now         func() time.Time
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{escrows: make(map[string]*Escrow), now: time.Now}
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.unavailable = fmt.Errorf("%w: simulated outage", ErrUnavailable)
	} else {
		m.unavailable = nil
	}
}

// SetStatus forces an escrow's status, as a deposit or external release would.
func (m *Memory) SetStatus(externalID string, status StatusCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[externalID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if status == StatusCompleted || status == StatusRefunded {
		e.CompletedAt = m.now()
	}
	return nil
}

// Ping reports the simulated availability.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailable
}

// CreateEscrow registers a pending escrow.
func (m *Memory) CreateEscrow(_ context.Context, externalID, seller, buyer string, amount *big.Int) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return nil, &TxError{Op: "createDeal", Err: m.unavailable}
	}
	if !common.IsHexAddress(seller) || !common.IsHexAddress(buyer) {
		return nil, ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok := m.escrows[externalID]; ok {
		return nil, &TxError{Op: "createDeal", Err: ErrAlreadyExists}
	}
	m.nextID++
	m.escrows[externalID] = &Escrow{
		Exists:     true,
		ID:         big.NewInt(m.nextID),
		ExternalID: externalID,
		Seller:     seller,
		Buyer:      buyer,
		Amount:     new(big.Int).Set(amount),
		Status:     StatusPending,
		CreatedAt:  m.now(),
	}
	return m.receipt(), nil
}

// GetEscrow returns a copy of the escrow state.
func (m *Memory) GetEscrow(_ context.Context, externalID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return nil, &TxError{Op: "deals", Err: m.unavailable}
	}
	e, ok := m.escrows[externalID]
	if !ok {
		return &Escrow{Exists: false, ExternalID: externalID}, nil
	}
	cp := *e
	cp.ID = new(big.Int).Set(e.ID)
	cp.Amount = new(big.Int).Set(e.Amount)
	return &cp, nil
}

// MarkDisputed moves a funded escrow to disputed.
func (m *Memory) MarkDisputed(_ context.Context, externalID string) (*Receipt, error) {
	return m.move("dispute", externalID, StatusDisputed, StatusFunded)
}

// ResolveRelease completes a funded or disputed escrow.
func (m *Memory) ResolveRelease(_ context.Context, externalID string) (*Receipt, error) {
	return m.move("resolveRelease", externalID, StatusCompleted, StatusFunded, StatusDisputed)
}

// ResolveRefund refunds a funded or disputed escrow.
func (m *Memory) ResolveRefund(_ context.Context, externalID string) (*Receipt, error) {
	return m.move("refund", externalID, StatusRefunded, StatusFunded, StatusDisputed)
}

func (m *Memory) move(op, externalID string, to StatusCode, from ...StatusCode) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return nil, &TxError{Op: op, Err: m.unavailable}
	}
	e, ok := m.escrows[externalID]
	if !ok {
		return nil, &TxError{Op: op, Err: ErrNotFound}
	}
	allowed := false
	for _, s := range from {
		if e.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &TxError{Op: op, Err: fmt.Errorf("%w: status %s", ErrReverted, e.Status)}
	}
	e.Status = to
	if to == StatusCompleted || to == StatusRefunded {
		e.CompletedAt = m.now()
	}
	return m.receipt(), nil
}

func (m *Memory) receipt() *Receipt {
	return &Receipt{TxHash: "0x" + idgen.Hex(32), BlockNumber: uint64(m.nextID)}
}
