package budget

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileLedger_AppendAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory", "x_budget_ledger.json")
	l := NewFileLedger(path)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	if err := l.Append(ctx, "2026-03-01", 0.25, Entry{TS: ts, Amount: 0.02, Metadata: map[string]any{"status": 201}}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := l.Append(ctx, "2026-03-01", 0.25, Entry{TS: ts, Amount: 0.005}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := l.Append(ctx, "2026-02-28", 0.25, Entry{TS: ts, Amount: 0.01}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	entries, err := l.Entries(ctx, "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Amount != 0.02 || entries[1].Amount != 0.005 {
		t.Errorf("entries = %+v", entries)
	}
	if entries[1].Metadata == nil {
		t.Error("nil metadata should persist as an empty object")
	}

	days, err := l.Days(ctx)
	if err != nil || len(days) != 2 || days[0] != "2026-02-28" {
		t.Errorf("Days() = %v, %v", days, err)
	}

	data, _ := os.ReadFile(path)
	var doc map[string]struct {
		CapUSD  float64           `json:"capUsd"`
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("ledger is not valid JSON: %v", err)
	}
	if doc["2026-03-01"].CapUSD != 0.25 || len(doc["2026-03-01"].Entries) != 2 {
		t.Errorf("document = %s", data)
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFileLedger_MissingIsEmpty(t *testing.T) {
	l := NewFileLedger(filepath.Join(t.TempDir(), "none.json"))
	entries, err := l.Entries(context.Background(), "2026-01-01")
	if err != nil || len(entries) != 0 {
		t.Errorf("Entries() = %v, %v", entries, err)
	}
}

func TestFileLedger_Ensure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := NewFileLedger(path)
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "{}\n" {
		t.Errorf("ledger = %q, %v", data, err)
	}
	if err := l.Ensure(); err != nil {
		t.Errorf("second Ensure() error: %v", err)
	}
}

func TestFileLedger_CorruptIsNeverOverwritten(t *testing.T) {
	tests := []string{
		"{not json",
		"null",
		`{"2026-03-01": "oops"}`,
		`{"2026-03-01": {"entries": [{"amount": "lots"}]}}`,
	}
	for _, content := range tests {
		path := filepath.Join(t.TempDir(), "ledger.json")
		os.WriteFile(path, []byte(content), 0o644)
		l := NewFileLedger(path)

		err := l.Append(context.Background(), "2026-03-01", 0.25, Entry{Amount: 0.01})
		if !errors.Is(err, ErrCorruptLedger) {
			t.Errorf("Append over %q: err = %v, want ErrCorruptLedger", content, err)
		}
		if _, err := l.Entries(context.Background(), "2026-03-01"); !errors.Is(err, ErrCorruptLedger) {
			t.Errorf("Entries over %q: err = %v", content, err)
		}
		if err := l.Ensure(); !errors.Is(err, ErrCorruptLedger) {
			t.Errorf("Ensure over %q: err = %v", content, err)
		}
		if data, _ := os.ReadFile(path); string(data) != content {
			t.Errorf("corrupt ledger rewritten: %q", data)
		}
	}
}

func TestFileLedger_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate instances model separate processes sharing the file.
			if err := NewFileLedger(path).Append(ctx, "2026-03-01", 0.25, Entry{Amount: 0.01}); err != nil {
				t.Errorf("Append() error: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := NewFileLedger(path).Entries(ctx, "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Errorf("entries = %d, want %d", len(entries), n)
	}
}

func TestFileLedger_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewFileLedger(filepath.Join(t.TempDir(), "ledger.json"))
	if err := l.Append(ctx, "d", 0.25, Entry{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Append() error = %v, want context.Canceled", err)
	}
}
