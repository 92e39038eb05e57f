package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, deal_code, actor_id, actor_handle, target, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Action, nullString(e.DealCode), e.ActorID,
		nullString(e.ActorHandle), nullString(e.Target), nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT id, action, deal_code, actor_id, actor_handle, target, detail, created_at
		FROM audit_log WHERE TRUE`
	var args []interface{}
	if f.DealCode != "" {
		args = append(args, strings.ToUpper(f.DealCode))
		query += fmt.Sprintf(" AND deal_code = $%d", len(args))
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, f.size())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var dealCode, actorHandle, target, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &dealCode, &e.ActorID, &actorHandle, &target, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DealCode = dealCode.String
		e.ActorHandle = actorHandle.String
		e.Target = target.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
