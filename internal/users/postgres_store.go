package users

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, handle, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			handle = COALESCE(EXCLUDED.handle, users.handle),
			wallet_address = COALESCE(EXCLUDED.wallet_address, users.wallet_address),
			updated_at = EXCLUDED.updated_at`,
		u.ID, nullString(u.Handle), nullString(u.WalletAddress), now,
	)
	return err
}

const userColumns = `id, handle, wallet_address, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetByHandle(ctx context.Context, handle string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(handle) = $1
		ORDER BY updated_at DESC
		LIMIT 1`, normHandle(handle))
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var handle, wallet sql.NullString
	err := row.Scan(&u.ID, &handle, &wallet, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Handle = handle.String
	u.WalletAddress = wallet.String
	return u, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
