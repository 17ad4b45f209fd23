package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/schedule"
)

// Token validation failures. All are terminal for the attempt; the host
// must issue a new token.
var (
	ErrNotFound    = errors.New("check-in token not found")
	ErrExpired     = errors.New("check-in token expired")
	ErrInvalidated = errors.New("check-in token invalidated")
)

// Token is an ephemeral check-in credential bound to one (session, date).
type Token struct {
	ID        string    `json:"id"`
	Value     string    `json:"token"`
	SessionID string    `json:"session_id"`
	Date      time.Time `json:"date"`
	IssuedBy  string    `json:"issued_by"`
	ExpiresAt time.Time `json:"expires_at"`
	IsValid   bool      `json:"is_valid"`
	UsedCount int       `json:"used_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Binding identifies what a validated token admits a check-in to.
type Binding struct {
	SessionID string
	Date      time.Time
}

// Store persists tokens.
type Store interface {
	Insert(ctx context.Context, t Token) error
	FindByValue(ctx context.Context, value string) (*Token, error)
	IncrementUsage(ctx context.Context, id string) error
	Invalidate(ctx context.Context, value string) error
}

// Pointer surfaces at most one token as "current" per (session, date).
// Storage may hold several concurrently valid tokens; hosts only see the
// most recently issued one.
type Pointer interface {
	Set(ctx context.Context, sessionID string, date time.Time, value string, ttl time.Duration) error
	Clear(ctx context.Context, sessionID string, date time.Time) error
	Get(ctx context.Context, sessionID string, date time.Time) (string, error)
}

// Manager issues, validates, and invalidates check-in tokens.
type Manager struct {
	store    Store
	current  Pointer // nil disables the current-token pointer
	buffer   time.Duration
	fallback time.Duration
	now      func() time.Time
}

// NewManager creates a manager. bufferMinutes extends the expiry past the
// end of the grace window; fallbackWindow applies when the session has no
// meeting on the requested date.
func NewManager(store Store, current Pointer, bufferMinutes int, fallbackWindow time.Duration) *Manager {
	if bufferMinutes <= 0 {
		bufferMinutes = 30
	}
	if fallbackWindow <= 0 {
		fallbackWindow = time.Hour
	}
	return &Manager{
		store:    store,
		current:  current,
		buffer:   time.Duration(bufferMinutes) * time.Minute,
		fallback: fallbackWindow,
		now:      time.Now,
	}
}

// Issue creates a token for (session, date). Expiry is
// max(session start, now) + grace + buffer when the session meets that
// date, else a flat fallback window from now.
func (m *Manager) Issue(ctx context.Context, s schedule.Session, date time.Time, issuer string) (Token, error) {
	now := m.now().UTC()

	expires := now.Add(m.fallback)
	if start, _, ok := s.Window(date); ok {
		base := start
		if now.After(base) {
			base = now
		}
		expires = base.Add(time.Duration(s.GraceMinutes)*time.Minute + m.buffer)
	}

	value, err := newValue()
	if err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}

	t := Token{
		ID:        uuid.NewString(),
		Value:     value,
		SessionID: s.ID,
		Date:      dateOnly(date),
		IssuedBy:  issuer,
		ExpiresAt: expires,
		IsValid:   true,
	}
	if err := m.store.Insert(ctx, t); err != nil {
		return Token{}, err
	}

	if m.current != nil {
		if err := m.current.Set(ctx, t.SessionID, t.Date, t.Value, expires.Sub(now)); err != nil {
			log.Printf("token pointer set failed for session %s: %v", t.SessionID, err)
		}
	}
	return t, nil
}

// Validate checks a presented token. Expiry is compared against a single
// server-side now snapshot taken on entry, so a token cannot slip past its
// expiry between check and use. The usage increment is audit only: a
// failure there is logged and never blocks admission.
func (m *Manager) Validate(ctx context.Context, value string) (Binding, error) {
	now := m.now().UTC()

	t, err := m.store.FindByValue(ctx, value)
	if err != nil {
		return Binding{}, err
	}
	if t == nil {
		return Binding{}, ErrNotFound
	}
	if !now.Before(t.ExpiresAt) {
		return Binding{}, ErrExpired
	}
	if !t.IsValid {
		return Binding{}, ErrInvalidated
	}

	if err := m.store.IncrementUsage(ctx, t.ID); err != nil {
		log.Printf("token usage increment failed for %s: %v", t.ID, err)
	}
	return Binding{SessionID: t.SessionID, Date: t.Date}, nil
}

// Invalidate closes a check-in window. Irreversible: the token fails with
// ErrInvalidated from now on, even before its natural expiry.
func (m *Manager) Invalidate(ctx context.Context, value string) error {
	t, err := m.store.FindByValue(ctx, value)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}
	if err := m.store.Invalidate(ctx, value); err != nil {
		return err
	}
	if m.current != nil {
		if err := m.current.Clear(ctx, t.SessionID, t.Date); err != nil {
			log.Printf("token pointer clear failed for session %s: %v", t.SessionID, err)
		}
	}
	return nil
}

// Current returns the most recently issued token value for (session, date),
// or empty when none is tracked.
func (m *Manager) Current(ctx context.Context, sessionID string, date time.Time) (string, error) {
	if m.current == nil {
		return "", nil
	}
	return m.current.Get(ctx, sessionID, dateOnly(date))
}

// newValue returns a 128-bit random identifier, hex encoded. Never derived
// from the session, date, or clock.
func newValue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
