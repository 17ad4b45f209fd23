package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"rollcall/internal/bracket"
	"rollcall/internal/geo"
	"rollcall/internal/proximity"
	"rollcall/internal/schedule"
	"rollcall/internal/token"
)

// Storage is the persistence surface the recorder needs.
type Storage interface {
	GetSession(ctx context.Context, id string) (schedule.Session, error)
	ListSessions(ctx context.Context) ([]schedule.Session, error)
	ActiveEnrollment(ctx context.Context, sessionID, studentID string) (*Enrollment, error)
	EnrollmentByID(ctx context.Context, id string) (*Enrollment, error)
	HostLocation(ctx context.Context, sessionID string, date time.Time) (*geo.Point, error)
	UpsertRecord(ctx context.Context, rec Record) (Record, error)
	MarkAbsentees(ctx context.Context, sessionID string, date time.Time) (int64, error)
}

// TokenValidator validates presented check-in tokens.
type TokenValidator interface {
	Validate(ctx context.Context, value string) (token.Binding, error)
}

// BracketSource supplies the bracket configuration for a session.
type BracketSource interface {
	ListForSession(ctx context.Context, sessionID string) ([]bracket.Bracket, error)
}

// FaceMatcher is the opaque comparator consulted for photo check-ins.
type FaceMatcher interface {
	Verify(ctx context.Context, userID, imageURL string) (match bool, confidence float64, err error)
}

// Service orchestrates a check-in: token, proximity, grace, bracket, then
// one idempotent write per (enrollment, date).
type Service struct {
	storage  Storage
	tokens   TokenValidator
	brackets BracketSource
	face     FaceMatcher // nil disables photo verification
	loc      *time.Location
	now      func() time.Time
}

// NewService creates the recorder service. loc is the location session
// windows are scheduled in; nil means UTC.
func NewService(storage Storage, tokens TokenValidator, brackets BracketSource, face FaceMatcher, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		storage:  storage,
		tokens:   tokens,
		brackets: brackets,
		face:     face,
		loc:      loc,
		now:      time.Now,
	}
}

// CheckIn resolves and records one token-driven check-in. Every rejection
// carries a typed, actionable reason; nothing fails silently.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	binding, err := s.tokens.Validate(ctx, req.Token)
	if err != nil {
		observeRejection(err)
		return nil, err
	}

	sess, err := s.storage.GetSession(ctx, binding.SessionID)
	if err != nil {
		return nil, err
	}

	enr, err := s.storage.ActiveEnrollment(ctx, sess.ID, req.StudentID)
	if err != nil {
		return nil, err
	}
	if enr == nil {
		observeRejection(ErrNotEnrolled)
		return nil, ErrNotEnrolled
	}

	if req.Method == MethodTokenPhoto && s.face != nil {
		match, confidence, err := s.face.Verify(ctx, req.StudentID, req.PhotoURL)
		if err != nil {
			return nil, fmt.Errorf("face verification: %w", err)
		}
		if !match {
			log.Printf("face mismatch for student %s (confidence %.2f)", req.StudentID, confidence)
			observeRejection(ErrFaceMismatch)
			return nil, ErrFaceMismatch
		}
	}

	hostPoint, err := s.storage.HostLocation(ctx, sess.ID, binding.Date)
	if err != nil {
		return nil, err
	}
	decision, err := proximity.Check(sess.RadiusMeters, hostPoint, req.Coordinates)
	if err != nil {
		observeRejection(err)
		return nil, err
	}

	// The token's date round-trips through storage as a bare calendar
	// date; rebuild it in the schedule's location so the window lands on
	// the same instants issuance computed from.
	day := s.localDate(binding.Date)

	// A token issued through the fallback window can admit on a date the
	// schedule has no meeting for; with no window to be late against, the
	// check-in counts as on time.
	outcome := schedule.Outcome{Status: schedule.StatusOnTime}
	if start, end, ok := sess.Window(day); ok {
		outcome = schedule.Resolve(s.now(), start, end, sess.GraceMinutes)
	}

	late := 0
	if outcome.LateMinutes != nil {
		late = *outcome.LateMinutes
	}
	result := bracket.OnTime
	if late > 0 {
		defs, err := s.brackets.ListForSession(ctx, sess.ID)
		if err != nil {
			// The weight is a reporting annotation; degrade to the
			// fallback rather than reject an otherwise valid check-in.
			log.Printf("bracket lookup failed for session %s: %v", sess.ID, err)
			defs = nil
		}
		result = bracket.Resolve(defs, sess.ID, late)
	}

	rec := Record{
		EnrollmentID:   enr.ID,
		Date:           day,
		Status:         outcome.Status,
		LateMinutes:    outcome.LateMinutes,
		Location:       req.Coordinates,
		DistanceMeters: decision.DistanceMeters,
		AccuracyMeters: req.AccuracyMeters,
		Method:         req.Method,
		MarkedBy:       req.StudentID,
		ScoreWeight:    result.Weight,
		BracketLabel:   result.Label,
		MarkedAt:       s.now().UTC(),
	}
	if _, err := s.storage.UpsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record attendance: %w", err)
	}

	checkinsTotal.WithLabelValues(string(outcome.Status)).Inc()
	return &CheckInResult{
		Status:         outcome.Status,
		LateMinutes:    outcome.LateMinutes,
		AfterSession:   outcome.AfterSession,
		DistanceMeters: decision.DistanceMeters,
		BracketLabel:   result.Label,
		ScoreWeight:    result.Weight,
	}, nil
}

// MarkManual lets a teacher or admin correct or create a record directly.
// The (enrollment, date) key still collapses to a single row.
func (s *Service) MarkManual(ctx context.Context, enrollmentID string, date time.Time, status schedule.Status, lateMinutes *int, markedBy string, method Method) (*Record, error) {
	switch status {
	case schedule.StatusOnTime, schedule.StatusLate, schedule.StatusAbsent, schedule.StatusExcused:
	default:
		return nil, fmt.Errorf("status %q cannot be assigned manually", status)
	}
	if status != schedule.StatusLate {
		lateMinutes = nil
	} else if lateMinutes == nil || *lateMinutes < 0 {
		return nil, errors.New("late status requires non-negative late_minutes")
	}
	if method != MethodManual && method != MethodBulk {
		method = MethodManual
	}

	enr, err := s.storage.EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr == nil {
		return nil, ErrEnrollmentNotFound
	}
	sess, err := s.storage.GetSession(ctx, enr.SessionID)
	if err != nil {
		return nil, err
	}
	day := s.localDate(date)
	if !sess.InDateRange(day) {
		return nil, ErrDateOutsideSession
	}

	weight := bracket.OnTime
	if lateMinutes != nil {
		defs, err := s.brackets.ListForSession(ctx, "")
		if err != nil {
			defs = nil
		}
		weight = bracket.Resolve(defs, "", *lateMinutes)
	}
	if status == schedule.StatusAbsent {
		weight = bracket.Result{Label: "absent", Weight: 0}
	}
	if status == schedule.StatusExcused {
		weight = bracket.Result{Label: "excused", Weight: 1}
	}

	rec := Record{
		EnrollmentID: enrollmentID,
		Date:         day,
		Status:       status,
		LateMinutes:  lateMinutes,
		Method:       method,
		MarkedBy:     markedBy,
		ScoreWeight:  weight.Weight,
		BracketLabel: weight.Label,
		MarkedAt:     s.now().UTC(),
	}
	out, err := s.storage.UpsertRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep assigns absent-by-omission for every session that met on the given
// date. The check-in path never writes absent; this is the only producer.
func (s *Service) Sweep(ctx context.Context, date time.Time) (int64, error) {
	sessions, err := s.storage.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	day := s.localDate(date)
	var total int64
	for _, sess := range sessions {
		if !sess.MeetsOn(day) {
			continue
		}
		n, err := s.storage.MarkAbsentees(ctx, sess.ID, day)
		if err != nil {
			return total, fmt.Errorf("sweep session %s: %w", sess.ID, err)
		}
		total += n
	}
	if total > 0 {
		sweptAbsent.Add(float64(total))
	}
	return total, nil
}

func (s *Service) localDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}
