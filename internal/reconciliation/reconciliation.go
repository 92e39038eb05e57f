// Package reconciliation sweeps open deals against the on-chain ledger and
// feeds what it observes back through the deal lifecycle.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dealpact/dealpact/internal/deals"
	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/traces"
)

// ErrSweepInProgress is returned when RunOnce is called while a sweep is
// still running.
var ErrSweepInProgress = errors.New("reconciliation sweep already in progress")

// DefaultLedgerTimeout bounds each ledger read.
const DefaultLedgerTimeout = 15 * time.Second

// DealService is the part of the deal service the sweep drives.
type DealService interface {
	ListAwaitingLedger(ctx context.Context) ([]*deals.Deal, error)
	ListFunded(ctx context.Context) ([]*deals.Deal, error)
	ListSettlementPending(ctx context.Context) ([]*deals.Deal, error)
	ObserveLedger(ctx context.Context, code string, esc *ledger.Escrow) (*deals.Outcome, error)
	ObserveSettlement(ctx context.Context, code string, esc *ledger.Escrow) (*deals.Outcome, error)
	SendReminder(ctx context.Context, code string) (bool, error)
}

// LedgerReader reads escrow state by external id.
type LedgerReader interface {
	GetEscrow(ctx context.Context, externalID string) (*ledger.Escrow, error)
}

// Report summarizes one sweep.
type Report struct {
	Checked      int           `json:"checked"`
	Funded       int           `json:"funded"`
	Completed    int           `json:"completed"`
	Settled      int           `json:"settled"`
	Reminders    int           `json:"reminders"`
	ReadFailures int           `json:"readFailures"`
	Mismatches   int           `json:"mismatches"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Runner performs reconciliation sweeps.
type Runner struct {
	deals   DealService
	ledger  LedgerReader
	timeout time.Duration
	logger  *slog.Logger

	inProgress atomic.Bool
}

// NewRunner creates a sweep runner. A non-positive timeout falls back to
// DefaultLedgerTimeout.
func NewRunner(svc DealService, reader LedgerReader, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}
	return &Runner{deals: svc, ledger: reader, timeout: timeout, logger: logger}
}

// RunOnce performs one sweep:
//  1. bound pending and funded deals are compared with the ledger
//  2. unconfirmed settlements are re-checked
//  3. expired release windows get their one-time reminder
//
// A failed read skips that deal until the next sweep. Listing failures are
// joined into the returned error; the report is always returned.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	if !r.inProgress.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer r.inProgress.Store(false)

	ctx, span := traces.StartSpan(ctx, "reconciliation.RunOnce")
	defer span.End()

	start := time.Now()
	report := &Report{}
	var errs []error

	if err := r.observeOpen(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := r.confirmSettlements(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := r.sendReminders(ctx, report); err != nil {
		errs = append(errs, err)
	}

	report.Duration = time.Since(start)
	record(report)

	err := errors.Join(errs...)
	if err != nil {
		traces.Fail(span, err)
	}
	if report.Funded+report.Completed+report.Settled+report.Reminders+report.Mismatches > 0 {
		r.logger.Info("reconciliation sweep",
			"checked", report.Checked,
			"funded", report.Funded,
			"completed", report.Completed,
			"settled", report.Settled,
			"reminders", report.Reminders,
			"readFailures", report.ReadFailures,
			"mismatches", report.Mismatches,
			"duration", report.Duration,
		)
	}
	return report, err
}

// Running reports whether a sweep is in progress.
func (r *Runner) Running() bool {
	return r.inProgress.Load()
}

func (r *Runner) observeOpen(ctx context.Context, report *Report) error {
	open, err := r.deals.ListAwaitingLedger(ctx)
	if err != nil {
		r.logger.Warn("failed to list deals awaiting ledger", "error", err)
		return err
	}

	for _, d := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Checked++

		esc, err := r.read(ctx, d)
		if err != nil {
			report.ReadFailures++
			readFailures.Inc()
			r.logger.Warn("ledger read failed, retrying next sweep", "dealCode", d.Code, "error", err)
			continue
		}

		out, err := r.deals.ObserveLedger(ctx, d.Code, esc)
		if r.classify(d, esc, err, report) {
			continue
		}
		switch out.To {
		case deals.StatusFunded:
			report.Funded++
			applied.WithLabelValues("funded").Inc()
		case deals.StatusCompleted:
			report.Completed++
			applied.WithLabelValues("completed").Inc()
		}
	}
	return nil
}

func (r *Runner) confirmSettlements(ctx context.Context, report *Report) error {
	pending, err := r.deals.ListSettlementPending(ctx)
	if err != nil {
		r.logger.Warn("failed to list pending settlements", "error", err)
		return err
	}

	for _, d := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.LedgerRef == "" {
			continue
		}
		report.Checked++

		esc, err := r.read(ctx, d)
		if err != nil {
			report.ReadFailures++
			readFailures.Inc()
			r.logger.Warn("ledger read failed for pending settlement", "dealCode", d.Code, "error", err)
			continue
		}

		_, err = r.deals.ObserveSettlement(ctx, d.Code, esc)
		if r.classify(d, esc, err, report) {
			continue
		}
		report.Settled++
		applied.WithLabelValues("settled").Inc()
	}
	return nil
}

func (r *Runner) sendReminders(ctx context.Context, report *Report) error {
	funded, err := r.deals.ListFunded(ctx)
	if err != nil {
		r.logger.Warn("failed to list funded deals", "error", err)
		return err
	}

	for _, d := range funded {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.ReminderSent {
			continue
		}
		sent, err := r.deals.SendReminder(ctx, d.Code)
		if err != nil {
			report.Errors++
			r.logger.Warn("failed to send release reminder", "dealCode", d.Code, "error", err)
			continue
		}
		if sent {
			report.Reminders++
			applied.WithLabelValues("reminder").Inc()
		}
	}
	return nil
}

func (r *Runner) read(ctx context.Context, d *deals.Deal) (*ledger.Escrow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.ledger.GetEscrow(ctx, d.LedgerRef)
}

// classify counts an observation error. It reports true when there is no
// outcome to count.
func (r *Runner) classify(d *deals.Deal, esc *ledger.Escrow, err error, report *Report) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, deals.ErrNoop):
	case errors.Is(err, deals.ErrLedgerMismatch):
		report.Mismatches++
		r.logger.Warn("ledger drift not applied",
			"dealCode", d.Code, "dealStatus", d.Status, "ledgerStatus", esc.Status, "error", err)
	case errors.Is(err, deals.ErrLedgerUnavailable):
		report.ReadFailures++
		readFailures.Inc()
		r.logger.Warn("settlement retry failed", "dealCode", d.Code, "error", err)
	default:
		report.Errors++
		r.logger.Warn("reconciliation step failed", "dealCode", d.Code, "error", err)
	}
	return true
}
