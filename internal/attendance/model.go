package attendance

import (
	"errors"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/schedule"
)

// Method records how an attendance record came to exist.
type Method string

const (
	MethodTokenQR    Method = "token_qr"
	MethodTokenPhoto Method = "token_photo"
	MethodManual     Method = "manual"
	MethodBulk       Method = "bulk"
)

// HostKind tags the polymorphic host variant.
type HostKind string

const (
	HostStudent HostKind = "student"
	HostTeacher HostKind = "teacher"
)

// Host is whoever's address anchors a session on a given date. Either a
// student or the teacher; the only capability that matters is having
// stored coordinates.
type Host struct {
	Kind    HostKind   `json:"kind"`
	ID      string     `json:"id"`
	Address string     `json:"address,omitempty"`
	Point   *geo.Point `json:"point,omitempty"`
}

// Enrollment links a student to a session. can_host is only meaningful on
// an active enrollment; writes violating that are rejected outright.
type Enrollment struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	StudentID string     `json:"student_id"`
	Status    string     `json:"status"` // active, inactive, withdrawn
	CanHost   bool       `json:"can_host"`
	HostDate  *time.Time `json:"host_date,omitempty"`
}

// Record is the resolved outcome for one (enrollment, date). The pair is
// unique; resubmission overwrites.
type Record struct {
	ID             string          `json:"id"`
	EnrollmentID   string          `json:"enrollment_id"`
	Date           time.Time       `json:"date"`
	Status         schedule.Status `json:"status"`
	LateMinutes    *int            `json:"late_minutes,omitempty"`
	Location       *geo.Point      `json:"location,omitempty"`
	DistanceMeters *float64        `json:"distance_meters,omitempty"`
	AccuracyMeters *float64        `json:"accuracy_meters,omitempty"`
	Method         Method          `json:"method"`
	MarkedBy       string          `json:"marked_by"`
	ScoreWeight    float64         `json:"score_weight"`
	BracketLabel   string          `json:"bracket_label"`
	MarkedAt       time.Time       `json:"marked_at"`
}

// CheckInRequest is the inbound shape of a token-driven check-in.
type CheckInRequest struct {
	Token          string     `json:"token"`
	StudentID      string     `json:"student_id"`
	Coordinates    *geo.Point `json:"coordinates,omitempty"`
	AccuracyMeters *float64   `json:"accuracy_meters,omitempty"`
	Method         Method     `json:"method"`
	PhotoURL       string     `json:"photo_url,omitempty"`
}

// CheckInResult is what a successful check-in reports back.
type CheckInResult struct {
	Status         schedule.Status `json:"status"`
	LateMinutes    *int            `json:"late_minutes,omitempty"`
	AfterSession   bool            `json:"after_session,omitempty"`
	DistanceMeters *float64        `json:"distance_meters,omitempty"`
	BracketLabel   string          `json:"bracket_label"`
	ScoreWeight    float64         `json:"score_weight"`
}

var (
	// ErrSessionNotFound means the token's session has since been removed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotEnrolled rejects a check-in from a student with no active
	// enrollment in the token's session.
	ErrNotEnrolled = errors.New("student not enrolled in session")
	// ErrEnrollmentNotFound means a manual mark named an enrollment that
	// does not exist.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrDateOutsideSession rejects a manual record dated outside the
	// session's active date range.
	ErrDateOutsideSession = errors.New("date outside the session's active range")
	// ErrCanHostRequiresActive rejects an enrollment write that marks a
	// non-active enrollment as a host candidate. Fail-closed: the write is
	// refused, nothing is silently clamped.
	ErrCanHostRequiresActive = errors.New("can_host requires an active enrollment")
	// ErrFaceMismatch rejects a photo check-in whose face did not match
	// the enrolled student.
	ErrFaceMismatch = errors.New("face does not match enrolled student")
)
