package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollcall/internal/bracket"
	"rollcall/internal/geo"
	"rollcall/internal/proximity"
	"rollcall/internal/schedule"
	"rollcall/internal/token"
)

type fakeStorage struct {
	sessions    map[string]schedule.Session
	enrollments map[string]Enrollment // session|student
	host        *geo.Point
	records     map[string]Record // enrollment|date
	upserts     int
	swept       map[string]int64 // session|date
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sessions:    map[string]schedule.Session{},
		enrollments: map[string]Enrollment{},
		records:     map[string]Record{},
		swept:       map[string]int64{},
	}
}

func (f *fakeStorage) GetSession(_ context.Context, id string) (schedule.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return schedule.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStorage) ListSessions(_ context.Context) ([]schedule.Session, error) {
	var out []schedule.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStorage) ActiveEnrollment(_ context.Context, sessionID, studentID string) (*Enrollment, error) {
	e, ok := f.enrollments[sessionID+"|"+studentID]
	if !ok || e.Status != "active" {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeStorage) EnrollmentByID(_ context.Context, id string) (*Enrollment, error) {
	for _, e := range f.enrollments {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) HostLocation(_ context.Context, _ string, _ time.Time) (*geo.Point, error) {
	return f.host, nil
}

func (f *fakeStorage) UpsertRecord(_ context.Context, rec Record) (Record, error) {
	f.upserts++
	f.records[rec.EnrollmentID+"|"+rec.Date.Format("2006-01-02")] = rec
	return rec, nil
}

func (f *fakeStorage) MarkAbsentees(_ context.Context, sessionID string, date time.Time) (int64, error) {
	key := sessionID + "|" + date.Format("2006-01-02")
	f.swept[key]++
	return 2, nil
}

type fakeTokens struct {
	binding token.Binding
	err     error
}

func (f *fakeTokens) Validate(_ context.Context, _ string) (token.Binding, error) {
	return f.binding, f.err
}

type fakeBrackets struct{ err error }

func (f *fakeBrackets) ListForSession(_ context.Context, _ string) ([]bracket.Bracket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return bracket.Defaults(), nil
}

type fakeFace struct {
	match      bool
	confidence float64
}

func (f *fakeFace) Verify(_ context.Context, _, _ string) (bool, float64, error) {
	return f.match, f.confidence, nil
}

var (
	monday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	radius = 50.0
	sess   = schedule.Session{
		ID:           "sess-1",
		TeacherID:    "teacher-1",
		StartTime:    "09:00",
		EndTime:      "10:00",
		Weekdays:     []time.Weekday{time.Monday},
		GraceMinutes: 10,
		RadiusMeters: &radius,
	}
)

func testService(storage *fakeStorage, tokens *fakeTokens) *Service {
	storage.sessions[sess.ID] = sess
	storage.enrollments["sess-1|student-1"] = Enrollment{
		ID: "enr-1", SessionID: "sess-1", StudentID: "student-1", Status: "active",
	}
	return NewService(storage, tokens, &fakeBrackets{}, nil, time.UTC)
}

func at(s *Service, t time.Time) { s.now = func() time.Time { return t } }

func nearHost(n float64) *geo.Point { return &geo.Point{Lat: n / 111195, Lon: 0} }

func validTokens() *fakeTokens {
	return &fakeTokens{binding: token.Binding{SessionID: "sess-1", Date: monday}}
}

func TestCheckInOnTime(t *testing.T) {
	storage := newFakeStorage()
	storage.host = &geo.Point{Lat: 0, Lon: 0}
	svc := testService(storage, validTokens())
	at(svc, monday.Add(9*time.Hour+5*time.Minute))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Coordinates: nearHost(40), Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != schedule.StatusOnTime || res.LateMinutes != nil {
		t.Fatalf("result = %+v, want on_time", res)
	}
	if res.ScoreWeight != 1.00 {
		t.Fatalf("weight = %v, want 1.00", res.ScoreWeight)
	}
	if res.DistanceMeters == nil {
		t.Fatal("distance should be recorded even on admission")
	}

	rec, ok := storage.records["enr-1|2025-03-03"]
	if !ok {
		t.Fatal("no record stored")
	}
	if rec.Method != MethodTokenQR || rec.DistanceMeters == nil {
		t.Fatalf("stored record = %+v", rec)
	}
}

func TestCheckInStoresReportedAccuracy(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	at(svc, monday.Add(9*time.Hour))

	accuracy := 12.5
	if _, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR, AccuracyMeters: &accuracy,
	}); err != nil {
		t.Fatal(err)
	}
	rec := storage.records["enr-1|2025-03-03"]
	if rec.AccuracyMeters == nil || *rec.AccuracyMeters != accuracy {
		t.Fatalf("accuracy = %v, want %v stored on the record", rec.AccuracyMeters, accuracy)
	}
}

func TestCheckInResolvesWindowInScheduleZone(t *testing.T) {
	// Token dates round-trip through storage as bare calendar dates, so
	// the service must rebuild the window in the schedule's zone, not the
	// zone the date happens to carry.
	loc := time.FixedZone("UTC-5", -5*60*60)
	storage := newFakeStorage()
	storage.sessions[sess.ID] = sess
	storage.enrollments["sess-1|student-1"] = Enrollment{
		ID: "enr-1", SessionID: "sess-1", StudentID: "student-1", Status: "active",
	}
	svc := NewService(storage, validTokens(), &fakeBrackets{}, nil, loc)
	// 09:05 local, five minutes into the window and well within grace.
	at(svc, time.Date(2025, 3, 3, 9, 5, 0, 0, loc))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != schedule.StatusOnTime || res.LateMinutes != nil {
		t.Fatalf("result = %+v, want on_time in the schedule's zone", res)
	}
	if _, ok := storage.records["enr-1|2025-03-03"]; !ok {
		t.Fatal("record should land on the local calendar date")
	}
}

func TestCheckInLate(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	at(svc, monday.Add(9*time.Hour+11*time.Minute))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != schedule.StatusLate || res.LateMinutes == nil || *res.LateMinutes != 11 {
		t.Fatalf("result = %+v, want late by 11", res)
	}
	if res.ScoreWeight != 0.80 {
		t.Fatalf("weight = %v, want 0.80 for 11 minutes", res.ScoreWeight)
	}
	if res.AfterSession {
		t.Fatal("mid-session check-in should not warn")
	}
}

func TestCheckInAfterSessionWarns(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	at(svc, monday.Add(10*time.Hour+time.Minute))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != schedule.StatusLate || !res.AfterSession {
		t.Fatalf("result = %+v, want late with after-session warning", res)
	}
	if res.LateMinutes == nil || *res.LateMinutes != 61 {
		t.Fatalf("late minutes = %v, want 61", res.LateMinutes)
	}
}

func TestCheckInIdempotent(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())

	at(svc, monday.Add(9*time.Hour+5*time.Minute))
	if _, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	}); err != nil {
		t.Fatal(err)
	}
	// Double-submit later in the window: still one row, latest wins.
	at(svc, monday.Add(9*time.Hour+20*time.Minute))
	if _, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	}); err != nil {
		t.Fatal(err)
	}

	if len(storage.records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(storage.records))
	}
	rec := storage.records["enr-1|2025-03-03"]
	if rec.Status != schedule.StatusLate || rec.LateMinutes == nil || *rec.LateMinutes != 20 {
		t.Fatalf("latest submission should win: %+v", rec)
	}
}

func TestCheckInTokenErrors(t *testing.T) {
	for _, want := range []error{token.ErrNotFound, token.ErrExpired, token.ErrInvalidated} {
		storage := newFakeStorage()
		svc := testService(storage, &fakeTokens{err: want})
		_, err := svc.CheckIn(context.Background(), CheckInRequest{Token: "tok", StudentID: "student-1"})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if len(storage.records) != 0 {
			t.Error("token rejection must not write a record")
		}
	}
}

func TestCheckInNotEnrolled(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	_, err := svc.CheckIn(context.Background(), CheckInRequest{Token: "tok", StudentID: "stranger"})
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("err = %v, want ErrNotEnrolled", err)
	}
}

func TestCheckInProximityRejections(t *testing.T) {
	storage := newFakeStorage()
	storage.host = &geo.Point{Lat: 0, Lon: 0}
	svc := testService(storage, validTokens())
	at(svc, monday.Add(9*time.Hour))

	// Too far.
	_, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Coordinates: nearHost(60), Method: MethodTokenQR,
	})
	var tooFar *proximity.TooFarError
	if !errors.As(err, &tooFar) {
		t.Fatalf("err = %v, want TooFarError", err)
	}

	// Missing coordinates while the gate is on.
	_, err = svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if !errors.Is(err, proximity.ErrLocationRequired) {
		t.Fatalf("err = %v, want ErrLocationRequired", err)
	}

	if len(storage.records) != 0 {
		t.Fatal("proximity rejection must not write a record")
	}
}

func TestCheckInGateDisabledWithoutHost(t *testing.T) {
	storage := newFakeStorage() // no host coordinates anywhere
	svc := testService(storage, validTokens())
	at(svc, monday.Add(9*time.Hour))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DistanceMeters != nil {
		t.Fatal("disabled gate records no distance")
	}
}

func TestCheckInFaceMismatch(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	svc.face = &fakeFace{match: false, confidence: 0.3}
	at(svc, monday.Add(9*time.Hour))

	_, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenPhoto, PhotoURL: "https://x/y.jpg",
	})
	if !errors.Is(err, ErrFaceMismatch) {
		t.Fatalf("err = %v, want ErrFaceMismatch", err)
	}
	if len(storage.records) != 0 {
		t.Fatal("face mismatch must not write a record")
	}
}

func TestCheckInBracketLookupFailureDegrades(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	svc.brackets = &fakeBrackets{err: errors.New("db down")}
	at(svc, monday.Add(9*time.Hour+30*time.Minute))

	res, err := svc.CheckIn(context.Background(), CheckInRequest{
		Token: "tok", StudentID: "student-1", Method: MethodTokenQR,
	})
	if err != nil {
		t.Fatalf("bracket failure must not reject the check-in: %v", err)
	}
	if res.ScoreWeight != bracket.FallbackWeight {
		t.Fatalf("weight = %v, want fallback %v", res.ScoreWeight, bracket.FallbackWeight)
	}
}

func TestMarkManual(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())

	late := 12
	rec, err := svc.MarkManual(context.Background(), "enr-1", monday, schedule.StatusLate, &late, "teacher-1", MethodManual)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ScoreWeight != 0.80 || rec.MarkedBy != "teacher-1" {
		t.Fatalf("record = %+v", rec)
	}

	// late_minutes is cleared for non-late statuses.
	rec, err = svc.MarkManual(context.Background(), "enr-1", monday, schedule.StatusExcused, &late, "teacher-1", MethodManual)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LateMinutes != nil {
		t.Fatal("excused record must not carry late_minutes")
	}

	if _, err := svc.MarkManual(context.Background(), "enr-1", monday, schedule.StatusLate, nil, "teacher-1", MethodManual); err == nil {
		t.Fatal("late without late_minutes should be rejected")
	}
	if _, err := svc.MarkManual(context.Background(), "enr-1", monday, schedule.StatusNotEnrolled, nil, "teacher-1", MethodManual); err == nil {
		t.Fatal("not_enrolled cannot be assigned manually")
	}
}

func TestMarkManualUnknownEnrollment(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())

	_, err := svc.MarkManual(context.Background(), "enr-missing", monday, schedule.StatusExcused, nil, "teacher-1", MethodManual)
	if !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("err = %v, want ErrEnrollmentNotFound", err)
	}
}

func TestMarkManualOutsideSessionRange(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	start, end := monday, monday.AddDate(0, 0, 28)
	bounded := sess
	bounded.StartDate, bounded.EndDate = &start, &end
	storage.sessions[sess.ID] = bounded

	for _, date := range []time.Time{
		monday.AddDate(0, 0, -7), // before the session starts
		monday.AddDate(0, 0, 35), // after it ends
	} {
		if _, err := svc.MarkManual(context.Background(), "enr-1", date, schedule.StatusExcused, nil, "teacher-1", MethodManual); !errors.Is(err, ErrDateOutsideSession) {
			t.Errorf("MarkManual(%s) err = %v, want ErrDateOutsideSession", date.Format("2006-01-02"), err)
		}
	}
	if len(storage.records) != 0 {
		t.Fatal("out-of-range dates must not write records")
	}

	// A date inside the range still works, boundary days included.
	if _, err := svc.MarkManual(context.Background(), "enr-1", end, schedule.StatusExcused, nil, "teacher-1", MethodManual); err != nil {
		t.Fatalf("end date should be accepted: %v", err)
	}
}

func TestSweepOnlyMeetingSessions(t *testing.T) {
	storage := newFakeStorage()
	svc := testService(storage, validTokens())
	// A second session that never meets on Mondays.
	storage.sessions["sess-2"] = schedule.Session{
		ID: "sess-2", StartTime: "09:00", EndTime: "10:00",
		Weekdays: []time.Weekday{time.Friday},
	}

	n, err := svc.Sweep(context.Background(), monday)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	if storage.swept["sess-1|2025-03-03"] != 1 {
		t.Fatal("meeting session should be swept once")
	}
	if storage.swept["sess-2|2025-03-03"] != 0 {
		t.Fatal("non-meeting session must not be swept")
	}
}

func TestUpsertEnrollmentRejectsInactiveHost(t *testing.T) {
	// The invariant is checked before any SQL runs, so a nil DB is fine
	// for the rejection path.
	repo := NewRepository(nil)
	_, err := repo.UpsertEnrollment(context.Background(), Enrollment{
		SessionID: "sess-1", StudentID: "student-1", Status: "inactive", CanHost: true,
	})
	if !errors.Is(err, ErrCanHostRequiresActive) {
		t.Fatalf("err = %v, want ErrCanHostRequiresActive", err)
	}
}
