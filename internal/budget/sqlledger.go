package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL dialects understood by [SQLLedger].
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// SQLLedger is an INSERT-only ledger in a spend_entries table. All
// public methods are safe for concurrent use.
type SQLLedger struct {
	db      *sql.DB
	dialect string
}

// OpenSQLite opens (creating if needed) a SQLite ledger at path.
func OpenSQLite(path string) (*SQLLedger, error) {
	db, err := sql.Open(DialectSQLite, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return openSQL(db, DialectSQLite)
}

// OpenPostgres connects to a Postgres ledger described by dsn.
func OpenPostgres(dsn string) (*SQLLedger, error) {
	db, err := sql.Open(DialectPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return openSQL(db, DialectPostgres)
}

func openSQL(db *sql.DB, dialect string) (*SQLLedger, error) {
	s := NewSQLLedger(db, dialect)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// NewSQLLedger wraps an open database. Call [SQLLedger.Migrate] before
// first use.
func NewSQLLedger(db *sql.DB, dialect string) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// Close closes the database connection.
func (s *SQLLedger) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if absent.
func (s *SQLLedger) Migrate(ctx context.Context) error {
	amount := "REAL"
	if s.dialect == DialectPostgres {
		amount = "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spend_entries (
			id       TEXT PRIMARY KEY,
			day      TEXT NOT NULL,
			ts       TEXT NOT NULL,
			amount   ` + amount + ` NOT NULL,
			cap_usd  ` + amount + ` NOT NULL,
			metadata TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spend_day ON spend_entries(day)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts e under day. A UUIDv7 orders entries recorded within
// the same timestamp.
func (s *SQLLedger) Append(ctx context.Context, day string, capUSD float64, e Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate ledger entry ID: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode ledger metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO spend_entries (id, day, ts, amount, cap_usd, metadata) VALUES (?, ?, ?, ?, ?, ?)`),
		id.String(),
		day,
		e.TS.UTC().Format(time.RFC3339Nano),
		e.Amount,
		capUSD,
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Entries returns day's entries in recording order.
func (s *SQLLedger) Entries(ctx context.Context, day string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT ts, amount, metadata FROM spend_entries WHERE day = ? ORDER BY id`),
		day,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var ts, meta string
		var e Entry
		if err := rows.Scan(&ts, &e.Amount, &meta); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w: entry timestamp %q", ErrCorruptLedger, ts)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("%w: entry metadata: %v", ErrCorruptLedger, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Days lists recorded days, oldest first.
func (s *SQLLedger) Days(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT day FROM spend_entries ORDER BY day`)
	if err != nil {
		return nil, fmt.Errorf("query ledger days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan ledger day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *SQLLedger) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
