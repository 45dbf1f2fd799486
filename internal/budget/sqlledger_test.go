package budget

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testSQLite(t *testing.T) *SQLLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger_test.db")
	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_AppendAndEntries(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)

	for i, amt := range []float64{0.02, 0.005, 0.01} {
		day := "2026-03-01"
		if i == 2 {
			day = "2026-02-28"
		}
		err := s.Append(ctx, day, 0.25, Entry{TS: ts.Add(time.Duration(i) * time.Second), Amount: amt, Metadata: map[string]any{"status": 200}})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := s.Entries(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Amount != 0.02 || !entries[0].TS.Equal(ts) {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[0].Metadata["status"] != float64(200) {
		t.Errorf("metadata = %v", entries[0].Metadata)
	}

	days, err := s.Days(ctx)
	if err != nil || len(days) != 2 || days[0] != "2026-02-28" || days[1] != "2026-03-01" {
		t.Errorf("Days() = %v, %v", days, err)
	}
}

func TestSQLite_DrivesLedger(t *testing.T) {
	s := testSQLite(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(s, NewFileQueue(filepath.Join(t.TempDir(), "q.md"), nil), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := l.RecordSpend(ctx, 0.02, nil); err != nil {
			t.Fatal(err)
		}
	}
	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.SpendUSD != 0.24 || st.RemainingUSD != 0.01 || st.Entries != 12 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestPostgres_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := NewSQLLedger(db, DialectPostgres)
	ts := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO spend_entries (id, day, ts, amount, cap_usd, metadata) VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs(sqlmock.AnyArg(), "2026-03-01", "2026-03-01T17:00:00Z", 0.02, 0.25, `{"status":201}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Append(context.Background(), "2026-03-01", 0.25, Entry{TS: ts, Amount: 0.02, Metadata: map[string]any{"status": 201}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_Entries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewSQLLedger(db, DialectPostgres)

	rows := sqlmock.NewRows([]string{"ts", "amount", "metadata"}).
		AddRow("2026-03-01T17:00:00Z", 0.02, `{"actionId":"a1"}`).
		AddRow("2026-03-01T17:05:00.5Z", 0.005, `{}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ts, amount, metadata FROM spend_entries WHERE day = $1 ORDER BY id")).
		WithArgs("2026-03-01").
		WillReturnRows(rows)

	entries, err := s.Entries(context.Background(), "2026-03-01")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Metadata["actionId"] != "a1" || entries[1].Amount != 0.005 {
		t.Errorf("entries = %+v", entries)
	}

	mock.ExpectQuery("SELECT ts, amount, metadata").
		WithArgs("2026-03-02").
		WillReturnRows(sqlmock.NewRows([]string{"ts", "amount", "metadata"}).AddRow("yesterday", 0.01, `{}`))
	if _, err := s.Entries(context.Background(), "2026-03-02"); !errors.Is(err, ErrCorruptLedger) {
		t.Errorf("bad timestamp: err = %v, want ErrCorruptLedger", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS spend_entries .*DOUBLE PRECISION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_spend_day").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewSQLLedger(db, DialectPostgres).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO spend_entries").WillReturnError(errors.New("connection reset"))
	err = NewSQLLedger(db, DialectPostgres).Append(context.Background(), "2026-03-01", 0.25, Entry{Amount: 0.01})
	if err == nil {
		t.Fatal("Append() should surface the insert error")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLLedger{dialect: DialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := &SQLLedger{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind = %q", got)
	}
}
