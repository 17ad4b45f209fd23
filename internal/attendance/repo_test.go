package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"rollcall/internal/schedule"
)

// stubConn answers every query with a single "id" row, standing in for
// Postgres resolving an upsert conflict onto an existing row.
type stubConn struct {
	id      string
	queries []string
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx unsupported") }

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.queries = append(c.queries, query)
	return &stubRows{id: c.id}, nil
}

type stubRows struct {
	id   string
	done bool
}

func (r *stubRows) Columns() []string { return []string{"id"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.id
	return nil
}

type stubConnector struct{ conn *stubConn }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return nil, errors.New("open unsupported") }

func stubRepo(id string) (*Repository, *stubConn) {
	conn := &stubConn{id: id}
	return NewRepository(sql.OpenDB(stubConnector{conn: conn})), conn
}

func TestUpsertEnrollmentReturnsStoredID(t *testing.T) {
	repo, conn := stubRepo("enr-existing")

	e, err := repo.UpsertEnrollment(context.Background(), Enrollment{
		SessionID: "sess-1", StudentID: "student-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	// On a conflict the update keeps the original row id, so the returned
	// enrollment must carry what storage reports, not a fresh uuid.
	if e.ID != "enr-existing" {
		t.Fatalf("id = %q, want the row id storage reports", e.ID)
	}
	if len(conn.queries) != 1 || !strings.Contains(conn.queries[0], "RETURNING id") {
		t.Fatalf("upsert must scan the landed row id, got %q", conn.queries)
	}
}

func TestUpsertRecordReturnsStoredID(t *testing.T) {
	repo, conn := stubRepo("rec-existing")

	rec, err := repo.UpsertRecord(context.Background(), Record{
		EnrollmentID: "enr-1",
		Date:         time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Status:       schedule.StatusOnTime,
		Method:       MethodTokenQR,
		MarkedBy:     "student-1",
		ScoreWeight:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "rec-existing" {
		t.Fatalf("id = %q, want the row id storage reports", rec.ID)
	}
	if len(conn.queries) != 1 || !strings.Contains(conn.queries[0], "RETURNING id") {
		t.Fatalf("upsert must scan the landed row id, got %q", conn.queries)
	}
}
