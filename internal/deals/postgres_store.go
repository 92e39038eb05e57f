package deals

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dealpact/dealpact/internal/usdc"
	"github.com/lib/pq"
)

// PostgresStore persists deals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `code, seller_id, seller_handle, buyer_handle, buyer_id, amount, description, status,
		ledger_ref, tx_hash, settlement, settlement_tx,
		created_at, updated_at, funded_at, completed_at,
		disputed_by, disputed_by_handle, dispute_reason, disputed_at, dispute_active,
		assigned_to, assigned_to_handle, assigned_by, assigned_at,
		resolved_by, resolution, resolved_at, override_release,
		seller_rating, seller_review, buyer_rating, buyer_review,
		reminder_sent, fee, seller_due, version`

func (p *PostgresStore) Insert(ctx context.Context, d *Deal) error {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28, $29,
			$30, $31, $32, $33,
			$34, $35::NUMERIC(20,6), $36::NUMERIC(20,6), $37
		)`, p.values(d)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errDuplicateCode
	}
	return err
}

func (p *PostgresStore) values(d *Deal) []interface{} {
	return []interface{}{
		NormalizeCode(d.Code), d.SellerID, nullString(d.SellerHandle), d.BuyerHandle, nullInt(d.BuyerID),
		d.Amount, d.Description, string(d.Status),
		nullString(d.LedgerRef), nullString(d.TxHash), nullString(string(d.Settlement)), nullString(d.SettlementTx),
		d.CreatedAt, d.UpdatedAt, nullTime(d.FundedAt), nullTime(d.CompletedAt),
		nullInt(d.DisputedBy), nullString(d.DisputedByHandle), nullString(d.DisputeReason), nullTime(d.DisputedAt), d.DisputeActive,
		nullInt(d.AssignedTo), nullString(d.AssignedToHandle), nullInt(d.AssignedBy), nullTime(d.AssignedAt),
		nullInt(d.ResolvedBy), nullString(string(d.Resolution)), nullTime(d.ResolvedAt), d.OverrideRelease,
		nullInt(int64(d.SellerRating)), nullString(d.SellerReview), nullInt(int64(d.BuyerRating)), nullString(d.BuyerReview),
		d.ReminderSent, nullString(d.Fee), nullString(d.SellerDue), d.Version,
	}
}

func (p *PostgresStore) Get(ctx context.Context, code string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE code = $1`, NormalizeCode(code))
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Update writes every mutable column when the stored version still matches.
func (p *PostgresStore) Update(ctx context.Context, d *Deal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			buyer_id = $2, status = $3,
			ledger_ref = $4, tx_hash = $5, settlement = $6, settlement_tx = $7,
			updated_at = $8, funded_at = $9, completed_at = $10,
			disputed_by = $11, disputed_by_handle = $12, dispute_reason = $13, disputed_at = $14, dispute_active = $15,
			assigned_to = $16, assigned_to_handle = $17, assigned_by = $18, assigned_at = $19,
			resolved_by = $20, resolution = $21, resolved_at = $22, override_release = $23,
			seller_rating = $24, seller_review = $25, buyer_rating = $26, buyer_review = $27,
			reminder_sent = $28, fee = $29::NUMERIC(20,6), seller_due = $30::NUMERIC(20,6),
			version = version + 1
		WHERE code = $1 AND version = $31`,
		NormalizeCode(d.Code), nullInt(d.BuyerID), string(d.Status),
		nullString(d.LedgerRef), nullString(d.TxHash), nullString(string(d.Settlement)), nullString(d.SettlementTx),
		d.UpdatedAt, nullTime(d.FundedAt), nullTime(d.CompletedAt),
		nullInt(d.DisputedBy), nullString(d.DisputedByHandle), nullString(d.DisputeReason), nullTime(d.DisputedAt), d.DisputeActive,
		nullInt(d.AssignedTo), nullString(d.AssignedToHandle), nullInt(d.AssignedBy), nullTime(d.AssignedAt),
		nullInt(d.ResolvedBy), nullString(string(d.Resolution)), nullTime(d.ResolvedAt), d.OverrideRelease,
		nullInt(int64(d.SellerRating)), nullString(d.SellerReview), nullInt(int64(d.BuyerRating)), nullString(d.BuyerReview),
		d.ReminderSent, nullString(d.Fee), nullString(d.SellerDue),
		d.Version,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM deals WHERE code = $1)`, NormalizeCode(d.Code)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleDeal
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, boundOnly bool) ([]*Deal, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = ANY($1) AND ($2 = FALSE OR ledger_ref IS NOT NULL)
		ORDER BY created_at ASC`, pq.Array(names), boundOnly)
}

func (p *PostgresStore) ListForParty(ctx context.Context, id int64, handle string, limit int) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE seller_id = $1
		   OR buyer_id = $1
		   OR (buyer_id IS NULL AND $2 <> '' AND LOWER(buyer_handle) = $2)
		ORDER BY created_at DESC
		LIMIT $3`, id, NormalizeHandle(handle), limit)
}

func (p *PostgresStore) ListDisputes(ctx context.Context, assignedTo int64) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'disputed' AND ($1::BIGINT = 0 OR assigned_to = $1)
		ORDER BY created_at ASC`, assignedTo)
}

func (p *PostgresStore) ListCompletedForHandle(ctx context.Context, handle string) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'completed'
		  AND (LOWER(seller_handle) = $1 OR LOWER(buyer_handle) = $1)
		ORDER BY created_at DESC`, NormalizeHandle(handle))
}

func (p *PostgresStore) ListSettlementPending(ctx context.Context) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE settlement = 'pending'
		ORDER BY updated_at ASC`)
}

func (p *PostgresStore) MarkReminderSent(ctx context.Context, code string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET reminder_sent = TRUE, version = version + 1
		WHERE code = $1 AND status = 'funded' AND reminder_sent = FALSE`, NormalizeCode(code))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*Deal, error) {
	d := &Deal{}
	var (
		sellerHandle, ledgerRef, txHash, settlement, settlementTx sql.NullString
		disputedByHandle, disputeReason, assignedToHandle         sql.NullString
		resolution, sellerReview, buyerReview, fee, sellerDue     sql.NullString
		buyerID, disputedBy, assignedTo, assignedBy, resolvedBy   sql.NullInt64
		sellerRating, buyerRating                                 sql.NullInt64
		fundedAt, completedAt, disputedAt, assignedAt, resolvedAt sql.NullTime
		amount, status                                            string
	)
	err := s.Scan(
		&d.Code, &d.SellerID, &sellerHandle, &d.BuyerHandle, &buyerID, &amount, &d.Description, &status,
		&ledgerRef, &txHash, &settlement, &settlementTx,
		&d.CreatedAt, &d.UpdatedAt, &fundedAt, &completedAt,
		&disputedBy, &disputedByHandle, &disputeReason, &disputedAt, &d.DisputeActive,
		&assignedTo, &assignedToHandle, &assignedBy, &assignedAt,
		&resolvedBy, &resolution, &resolvedAt, &d.OverrideRelease,
		&sellerRating, &sellerReview, &buyerRating, &buyerReview,
		&d.ReminderSent, &fee, &sellerDue, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Amount = canonical(amount)
	d.SellerHandle = sellerHandle.String
	d.BuyerID = buyerID.Int64
	d.LedgerRef = ledgerRef.String
	d.TxHash = txHash.String
	d.Settlement = Settlement(settlement.String)
	d.SettlementTx = settlementTx.String
	d.FundedAt = timePtr(fundedAt)
	d.CompletedAt = timePtr(completedAt)
	d.DisputedBy = disputedBy.Int64
	d.DisputedByHandle = disputedByHandle.String
	d.DisputeReason = disputeReason.String
	d.DisputedAt = timePtr(disputedAt)
	d.AssignedTo = assignedTo.Int64
	d.AssignedToHandle = assignedToHandle.String
	d.AssignedBy = assignedBy.Int64
	d.AssignedAt = timePtr(assignedAt)
	d.ResolvedBy = resolvedBy.Int64
	d.Resolution = Resolution(resolution.String)
	d.ResolvedAt = timePtr(resolvedAt)
	d.SellerRating = int(sellerRating.Int64)
	d.SellerReview = sellerReview.String
	d.BuyerRating = int(buyerRating.Int64)
	d.BuyerReview = buyerReview.String
	if fee.Valid {
		d.Fee = canonical(fee.String)
	}
	if sellerDue.Valid {
		d.SellerDue = canonical(sellerDue.String)
	}
	return d, nil
}

// canonical re-renders a NUMERIC column in 6-decimal form.
func canonical(s string) string {
	if v, ok := usdc.Normalize(s); ok {
		return v
	}
	return s
}

// PostgresEvidenceStore persists evidence in PostgreSQL.
type PostgresEvidenceStore struct {
	db *sql.DB
}

// NewPostgresEvidenceStore creates a PostgreSQL-backed evidence store.
func NewPostgresEvidenceStore(db *sql.DB) *PostgresEvidenceStore {
	return &PostgresEvidenceStore{db: db}
}

func (p *PostgresEvidenceStore) Append(ctx context.Context, e *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence (id, deal_code, submitter_id, submitter_handle, role,
			content, attachment_ref, attachment_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, NormalizeCode(e.DealCode), e.SubmitterID, nullString(e.SubmitterHandle), e.Role,
		e.Content, nullString(e.AttachmentRef), nullString(e.AttachmentType), e.CreatedAt,
	)
	return err
}

func (p *PostgresEvidenceStore) ListByDeal(ctx context.Context, code string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_code, submitter_id, submitter_handle, role,
		       content, attachment_ref, attachment_type, created_at
		FROM evidence WHERE deal_code = $1
		ORDER BY seq ASC`, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Evidence{}
	for rows.Next() {
		e := &Evidence{}
		var handle, ref, typ sql.NullString
		if err := rows.Scan(&e.ID, &e.DealCode, &e.SubmitterID, &handle, &e.Role,
			&e.Content, &ref, &typ, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SubmitterHandle = handle.String
		e.AttachmentRef = ref.String
		e.AttachmentType = typ.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ EvidenceStore = (*PostgresEvidenceStore)(nil)
)
