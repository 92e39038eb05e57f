package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dealpact/dealpact/internal/circuitbreaker"
	"github.com/dealpact/dealpact/internal/metrics"
	"github.com/dealpact/dealpact/internal/traces"
)

// breakerKey is the single circuit shared by all calls: they hit one RPC
// endpoint.
const breakerKey = "rpc"

// Instrumented bounds every ledger call with a timeout and records metrics
// and spans. Deadline expiry is reported as ErrUnavailable.
type Instrumented struct {
	next    Client
	timeout time.Duration
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

var _ Client = (*Instrumented)(nil)

// InstrumentedOption configures an Instrumented client.
type InstrumentedOption func(*Instrumented)

// WithBreaker fails calls fast with ErrUnavailable while b is open. Only
// ErrUnavailable outcomes count as failures; a revert or a missing escrow
// proves the endpoint is reachable.
func WithBreaker(b *circuitbreaker.Breaker) InstrumentedOption {
	return func(i *Instrumented) { i.breaker = b }
}

// NewInstrumented wraps next.
func NewInstrumented(next Client, timeout time.Duration, logger *slog.Logger, opts ...InstrumentedOption) *Instrumented {
	i := &Instrumented{next: next, timeout: timeout, logger: logger}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Instrumented) CreateEscrow(ctx context.Context, externalID, seller, buyer string, amount *big.Int) (*Receipt, error) {
	var r *Receipt
	err := i.do(ctx, "create", externalID, func(ctx context.Context) (err error) {
		r, err = i.next.CreateEscrow(ctx, externalID, seller, buyer, amount)
		return err
	})
	return r, err
}

func (i *Instrumented) GetEscrow(ctx context.Context, externalID string) (*Escrow, error) {
	var e *Escrow
	err := i.do(ctx, "get", externalID, func(ctx context.Context) (err error) {
		e, err = i.next.GetEscrow(ctx, externalID)
		return err
	})
	return e, err
}

func (i *Instrumented) MarkDisputed(ctx context.Context, externalID string) (*Receipt, error) {
	return i.write(ctx, "mark_disputed", externalID, i.next.MarkDisputed)
}

func (i *Instrumented) ResolveRelease(ctx context.Context, externalID string) (*Receipt, error) {
	return i.write(ctx, "release", externalID, i.next.ResolveRelease)
}

func (i *Instrumented) ResolveRefund(ctx context.Context, externalID string) (*Receipt, error) {
	return i.write(ctx, "refund", externalID, i.next.ResolveRefund)
}

func (i *Instrumented) Ping(ctx context.Context) error {
	return i.do(ctx, "ping", "", i.next.Ping)
}

func (i *Instrumented) write(ctx context.Context, op, externalID string, fn func(context.Context, string) (*Receipt, error)) (*Receipt, error) {
	var r *Receipt
	err := i.do(ctx, op, externalID, func(ctx context.Context) (err error) {
		r, err = fn(ctx, externalID)
		return err
	})
	return r, err
}

func (i *Instrumented) do(ctx context.Context, op, externalID string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.LedgerOp(op), traces.DealCode(externalID))
	defer span.End()

	if i.breaker != nil && !i.breaker.Allow(breakerKey) {
		metrics.LedgerCallsTotal.WithLabelValues(op, "short_circuit").Inc()
		err := fmt.Errorf("%w: %s skipped: %w", ErrUnavailable, op, circuitbreaker.ErrOpen)
		traces.Fail(span, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.LedgerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %s timed out after %s: %v", ErrUnavailable, op, i.timeout, err)
	}
	if i.breaker != nil {
		if errors.Is(err, ErrUnavailable) {
			i.breaker.RecordFailure(breakerKey)
		} else {
			i.breaker.RecordSuccess(breakerKey)
		}
	}
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
		traces.Fail(span, err)
		i.logger.Warn("ledger call failed", "op", op, "dealCode", externalID, "error", err)
		return err
	}
	metrics.LedgerCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}
