package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/schedule"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// --- sessions ---

// CreateSession writes a session, clamping the grace period to [0,60].
func (r *Repository) CreateSession(ctx context.Context, s schedule.Session) (schedule.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.GraceMinutes = schedule.ClampGrace(s.GraceMinutes)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, teacher_id, name, start_time, end_time, weekdays, start_date, end_date, grace_minutes, radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.ID, s.TeacherID, s.Name, s.StartTime, s.EndTime, encodeWeekdays(s.Weekdays),
		s.StartDate, s.EndDate, s.GraceMinutes, s.RadiusMeters)
	return s, err
}

// UpdateSession rewrites the mutable session fields, clamping grace.
func (r *Repository) UpdateSession(ctx context.Context, s schedule.Session) error {
	s.GraceMinutes = schedule.ClampGrace(s.GraceMinutes)
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET name = $2, start_time = $3, end_time = $4, weekdays = $5,
		    start_date = $6, end_date = $7, grace_minutes = $8, radius_meters = $9
		WHERE id = $1
	`, s.ID, s.Name, s.StartTime, s.EndTime, encodeWeekdays(s.Weekdays),
		s.StartDate, s.EndDate, s.GraceMinutes, s.RadiusMeters)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return err
}

// GetSession returns a session or ErrSessionNotFound.
func (r *Repository) GetSession(ctx context.Context, id string) (schedule.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, name, start_time, end_time, weekdays, start_date, end_date, grace_minutes, radius_meters
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// ListSessions returns every session; the sweeper filters by meeting date
// in Go.
func (r *Repository) ListSessions(ctx context.Context) ([]schedule.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, name, start_time, end_time, weekdays, start_date, end_date, grace_minutes, radius_meters
		FROM sessions ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (schedule.Session, error) {
	var s schedule.Session
	var weekdays string
	err := row.Scan(&s.ID, &s.TeacherID, &s.Name, &s.StartTime, &s.EndTime, &weekdays,
		&s.StartDate, &s.EndDate, &s.GraceMinutes, &s.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return schedule.Session{}, err
	}
	s.Weekdays = decodeWeekdays(weekdays)
	return s, nil
}

func encodeWeekdays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(v string) []time.Weekday {
	if v == "" {
		return nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(v, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n >= 0 && n <= 6 {
			out = append(out, time.Weekday(n))
		}
	}
	return out
}

// --- people ---

// SetPersonLocation stores a person's coordinates and address. Coordinates
// belong to the person and are reused across every date they host.
func (r *Repository) SetPersonLocation(ctx context.Context, personID, address string, p *geo.Point) error {
	var lat, lon *float64
	if p != nil {
		lat, lon = &p.Lat, &p.Lon
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO people (id, address, lat, lon)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = NOW()
	`, personID, address, lat, lon)
	return err
}

// --- enrollments ---

// UpsertEnrollment writes an enrollment, enforcing the can_host invariant
// before anything reaches storage: a non-active enrollment can never be a
// host candidate.
func (r *Repository) UpsertEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	if e.CanHost && e.Status != "active" {
		return Enrollment{}, ErrCanHostRequiresActive
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "active"
	}
	// On conflict the existing row keeps its id; RETURNING hands back
	// whichever id actually landed.
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO enrollments (id, session_id, student_id, status, can_host, host_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status, can_host = EXCLUDED.can_host, host_date = EXCLUDED.host_date
		RETURNING id
	`, e.ID, e.SessionID, e.StudentID, e.Status, e.CanHost, e.HostDate).Scan(&e.ID)
	if err != nil {
		return Enrollment{}, err
	}
	return e, nil
}

// EnrollmentByID returns an enrollment by primary key, or nil when none
// exists.
func (r *Repository) EnrollmentByID(ctx context.Context, id string) (*Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, can_host, host_date
		FROM enrollments WHERE id = $1
	`, id)
	var e Enrollment
	if err := row.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.Status, &e.CanHost, &e.HostDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ActiveEnrollment returns the student's active enrollment in the session,
// or nil when none exists.
func (r *Repository) ActiveEnrollment(ctx context.Context, sessionID, studentID string) (*Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, can_host, host_date
		FROM enrollments
		WHERE session_id = $1 AND student_id = $2 AND status = 'active'
	`, sessionID, studentID)
	var e Enrollment
	if err := row.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.Status, &e.CanHost, &e.HostDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// --- hosts ---

// AssignHost records who hosts the session on a date.
func (r *Repository) AssignHost(ctx context.Context, sessionID string, date time.Time, kind HostKind, hostID, address string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO host_assignments (session_id, host_date, host_kind, host_id, address)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id, host_date) DO UPDATE SET
			host_kind = EXCLUDED.host_kind, host_id = EXCLUDED.host_id, address = EXCLUDED.address
	`, sessionID, date, kind, hostID, address)
	return err
}

// HostLocation resolves the effective host coordinates for (session, date):
// the explicit assignment for that date when one exists, else the session's
// teacher. Nil when neither has stored coordinates, which disables the
// proximity gate.
func (r *Repository) HostLocation(ctx context.Context, sessionID string, date time.Time) (*geo.Point, error) {
	var lat, lon *float64
	err := r.db.QueryRowContext(ctx, `
		SELECT p.lat, p.lon
		FROM host_assignments h
		JOIN people p ON p.id = h.host_id
		WHERE h.session_id = $1 AND h.host_date = $2
	`, sessionID, date).Scan(&lat, &lon)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		err = r.db.QueryRowContext(ctx, `
			SELECT p.lat, p.lon
			FROM sessions s
			JOIN people p ON p.id = s.teacher_id
			WHERE s.id = $1
		`, sessionID).Scan(&lat, &lon)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	if lat == nil || lon == nil {
		return nil, nil
	}
	return &geo.Point{Lat: *lat, Lon: *lon}, nil
}

// --- attendance records ---

// UpsertRecord performs the idempotent write keyed on (enrollment, date).
// Concurrent submissions for the same key collapse into one row; the last
// writer wins.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}
	var lat, lon *float64
	if rec.Location != nil {
		lat, lon = &rec.Location.Lat, &rec.Location.Lon
	}
	// Same RETURNING dance as UpsertEnrollment: an overwrite keeps the
	// original row id, not the one generated above.
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, enrollment_id, att_date, status, late_minutes, lat, lon, distance_meters, accuracy_meters, method, marked_by, score_weight, bracket_label, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (enrollment_id, att_date) DO UPDATE SET
			status = EXCLUDED.status,
			late_minutes = EXCLUDED.late_minutes,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			distance_meters = EXCLUDED.distance_meters,
			accuracy_meters = EXCLUDED.accuracy_meters,
			method = EXCLUDED.method,
			marked_by = EXCLUDED.marked_by,
			score_weight = EXCLUDED.score_weight,
			bracket_label = EXCLUDED.bracket_label,
			marked_at = EXCLUDED.marked_at
		RETURNING id
	`, rec.ID, rec.EnrollmentID, rec.Date, rec.Status, rec.LateMinutes, lat, lon,
		rec.DistanceMeters, rec.AccuracyMeters, rec.Method, rec.MarkedBy, rec.ScoreWeight,
		rec.BracketLabel, rec.MarkedAt).Scan(&rec.ID)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, sessionID string, date *time.Time, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT a.id, a.enrollment_id, a.att_date, a.status, a.late_minutes, a.lat, a.lon,
		       a.distance_meters, a.accuracy_meters, a.method, a.marked_by, a.score_weight, a.bracket_label, a.marked_at
		FROM attendance_records a
		JOIN enrollments e ON e.id = a.enrollment_id
		WHERE e.session_id = $1`
	args := []any{sessionID}
	if date != nil {
		query += " AND a.att_date = $2"
		args = append(args, *date)
	}
	query += " ORDER BY a.att_date DESC, a.marked_at DESC LIMIT $" + strconv.Itoa(len(args)+1) +
		" OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var lat, lon *float64
		if err := rows.Scan(&rec.ID, &rec.EnrollmentID, &rec.Date, &rec.Status, &rec.LateMinutes,
			&lat, &lon, &rec.DistanceMeters, &rec.AccuracyMeters, &rec.Method, &rec.MarkedBy,
			&rec.ScoreWeight, &rec.BracketLabel, &rec.MarkedAt); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			rec.Location = &geo.Point{Lat: *lat, Lon: *lon}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkAbsentees fills in absent records for every active enrollment in the
// session with nothing recorded for the date. Existing records are never
// touched; absence only ever arises by omission.
func (r *Repository) MarkAbsentees(ctx context.Context, sessionID string, date time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, enrollment_id, att_date, status, method, marked_by, score_weight, bracket_label)
		SELECT gen_random_uuid(), e.id, $2, 'absent', 'bulk', 'sweeper', 0, 'absent'
		FROM enrollments e
		WHERE e.session_id = $1 AND e.status = 'active'
		ON CONFLICT (enrollment_id, att_date) DO NOTHING
	`, sessionID, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- auth support ---

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, personID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (person_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, personID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
