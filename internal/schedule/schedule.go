package schedule

import (
	"fmt"
	"time"
)

// Status is the resolved attendance outcome for one (enrollment, date).
type Status string

const (
	StatusOnTime      Status = "on_time"
	StatusLate        Status = "late"
	StatusAbsent      Status = "absent"
	StatusExcused     Status = "excused"
	StatusNotEnrolled Status = "not_enrolled"
)

// Session is a recurring course meeting.
type Session struct {
	ID           string         `json:"id"`
	TeacherID    string         `json:"teacher_id"`
	Name         string         `json:"name"`
	StartTime    string         `json:"start_time"` // "15:04"
	EndTime      string         `json:"end_time"`
	Weekdays     []time.Weekday `json:"weekdays"`
	StartDate    *time.Time     `json:"start_date,omitempty"`
	EndDate      *time.Time     `json:"end_date,omitempty"`
	GraceMinutes int            `json:"grace_minutes"`
	RadiusMeters *float64       `json:"radius_meters,omitempty"`
}

// Outcome is what a single check-in event resolves to. Absent is never an
// outcome here; it is assigned by the sweeper to enrollments that simply
// never checked in.
type Outcome struct {
	Status       Status
	LateMinutes  *int
	AfterSession bool
}

// Resolve computes the status for a check-in at now against the session
// window [start, end] with the given grace period.
//
// late minutes are measured from the scheduled start, not from the end of
// the grace window, so a check-in one minute past a 10-minute grace is 11
// minutes late.
func Resolve(now, start, end time.Time, graceMinutes int) Outcome {
	deadline := start.Add(time.Duration(graceMinutes) * time.Minute)
	if !now.After(deadline) {
		return Outcome{Status: StatusOnTime}
	}
	late := int(now.Sub(start) / time.Minute)
	return Outcome{
		Status:       StatusLate,
		LateMinutes:  &late,
		AfterSession: now.After(end),
	}
}

// ClampGrace bounds a grace period to [0, 60] minutes. Applied when a
// session is written, never at evaluation time.
func ClampGrace(minutes int) int {
	if minutes < 0 {
		return 0
	}
	if minutes > 60 {
		return 60
	}
	return minutes
}

// InDateRange reports whether the date falls inside the session's active
// start/end dates, ignoring the weekly pattern.
func (s Session) InDateRange(date time.Time) bool {
	day := truncate(date)
	if s.StartDate != nil && day.Before(truncate(*s.StartDate)) {
		return false
	}
	if s.EndDate != nil && day.After(truncate(*s.EndDate)) {
		return false
	}
	return true
}

// MeetsOn reports whether the session has a meeting on the given calendar
// date.
func (s Session) MeetsOn(date time.Time) bool {
	if !s.InDateRange(date) {
		return false
	}
	if len(s.Weekdays) == 0 {
		return true
	}
	for _, wd := range s.Weekdays {
		if date.Weekday() == wd {
			return true
		}
	}
	return false
}

// Window returns the concrete start/end instants of the session on the
// given date, in date's location. ok is false when the session does not
// meet that date or its times are malformed.
func (s Session) Window(date time.Time) (start, end time.Time, ok bool) {
	if !s.MeetsOn(date) {
		return time.Time{}, time.Time{}, false
	}
	sh, sm, err := parseClock(s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	eh, em, err := parseClock(s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	start = time.Date(date.Year(), date.Month(), date.Day(), sh, sm, 0, 0, date.Location())
	end = time.Date(date.Year(), date.Month(), date.Day(), eh, em, 0, 0, date.Location())
	if !end.After(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseClock(v string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(v, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("bad clock value %q: %w", v, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock value %q out of range", v)
	}
	return hour, minute, nil
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
