package arbiters

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists the roster in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed roster.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Activate(ctx context.Context, a *Arbiter) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbiters (id, handle, added_by, active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			added_by = EXCLUDED.added_by,
			active = TRUE,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Handle, a.AddedBy, now,
	)
	return err
}

func (p *PostgresStore) Deactivate(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbiters SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const arbiterColumns = `id, handle, added_by, active, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Arbiter, error) {
	return scanArbiter(p.db.QueryRowContext(ctx, `SELECT `+arbiterColumns+` FROM arbiters WHERE id = $1`, id))
}

func (p *PostgresStore) GetByHandle(ctx context.Context, handle string) (*Arbiter, error) {
	return scanArbiter(p.db.QueryRowContext(ctx, `
		SELECT `+arbiterColumns+` FROM arbiters
		WHERE LOWER(handle) = $1
		ORDER BY updated_at DESC LIMIT 1`, normHandle(handle)))
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Arbiter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+arbiterColumns+` FROM arbiters WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Arbiter
	for rows.Next() {
		a, err := scanArbiter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArbiter(s scanner) (*Arbiter, error) {
	a := &Arbiter{}
	err := s.Scan(&a.ID, &a.Handle, &a.AddedBy, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)
