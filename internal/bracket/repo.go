package bracket

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Repository persists bracket definitions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ListForSession returns all global brackets plus the session's overrides.
// The resolver decides precedence; this just fetches both scopes.
func (r *Repository) ListForSession(ctx context.Context, sessionID string) ([]Bracket, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, min_minutes, max_minutes, weight, label
		FROM late_brackets
		WHERE session_id IS NULL OR session_id = $1
		ORDER BY min_minutes
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bracket
	for rows.Next() {
		var b Bracket
		if err := rows.Scan(&b.ID, &b.SessionID, &b.MinMinutes, &b.MaxMinutes, &b.Weight, &b.Label); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Replace swaps the bracket set for one scope (global when sessionID is
// nil). The set is validated before any write; a malformed set never
// reaches storage.
func (r *Repository) Replace(ctx context.Context, sessionID *string, set []Bracket) error {
	if err := Validate(set); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if sessionID == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM late_brackets WHERE session_id IS NULL`)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM late_brackets WHERE session_id = $1`, *sessionID)
	}
	if err != nil {
		return err
	}

	for _, b := range set {
		id := b.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO late_brackets (id, session_id, min_minutes, max_minutes, weight, label)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, id, sessionID, b.MinMinutes, b.MaxMinutes, b.Weight, b.Label)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Seed installs the default global brackets when none exist yet.
func (r *Repository) Seed(ctx context.Context) error {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM late_brackets WHERE session_id IS NULL`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.Replace(ctx, nil, Defaults())
}
