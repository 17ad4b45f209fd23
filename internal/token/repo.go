package token

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new token row.
func (r *Repository) Insert(ctx context.Context, t Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkin_tokens (id, token_value, session_id, token_date, issued_by, expires_at, is_valid, used_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0)
	`, t.ID, t.Value, t.SessionID, t.Date, t.IssuedBy, t.ExpiresAt, t.IsValid)
	return err
}

// FindByValue returns the token or nil when absent.
func (r *Repository) FindByValue(ctx context.Context, value string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, token_value, session_id, token_date, issued_by, expires_at, is_valid, used_count, created_at
		FROM checkin_tokens WHERE token_value = $1
	`, value)
	var t Token
	if err := row.Scan(&t.ID, &t.Value, &t.SessionID, &t.Date, &t.IssuedBy, &t.ExpiresAt, &t.IsValid, &t.UsedCount, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Date = t.Date.UTC()
	return &t, nil
}

// IncrementUsage bumps the audit counter. A lost increment under
// concurrency is benign; admitting an expired token is not, and expiry is
// decided by the manager before this runs.
func (r *Repository) IncrementUsage(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE checkin_tokens SET used_count = used_count + 1 WHERE id = $1
	`, id)
	return err
}

// Invalidate flips is_valid off. There is no way back on.
func (r *Repository) Invalidate(ctx context.Context, value string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE checkin_tokens SET is_valid = FALSE WHERE token_value = $1
	`, value)
	return err
}

// PurgeExpired removes tokens whose expiry passed before the cutoff.
// Housekeeping for the sweeper; historical expired tokens may coexist
// until then.
func (r *Repository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM checkin_tokens WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
