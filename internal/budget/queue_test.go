package budget

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bort-os/bort/internal/redact"
)

func TestFileQueue_HeaderAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory", "x_queue.md")
	q := NewFileQueue(path, nil)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 17, 4, 5, 123e6, time.UTC)

	if err := q.Append(ctx, QueueEntry{
		TS: ts, Reason: ReasonBlockedByBudget, ActionType: "tweet",
		Method: "POST", Endpoint: "/2/tweets", EstimateUSD: 0.02, Details: `say "hi"`,
	}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := queueHeader + strings.Join([]string{
		"- ts: 2026-03-01T17:04:05.123Z",
		"  reason: blocked_by_budget",
		"  actionType: tweet",
		"  method: POST",
		`  endpoint: "/2/tweets"`,
		"  estimateUsd: 0.02",
		`  details: "say \"hi\""`,
		"",
	}, "\n")
	if string(data) != want {
		t.Errorf("queue document:\n%s\nwant:\n%s", data, want)
	}

	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if !e.TS.Equal(ts) || e.Details != `say "hi"` || e.EstimateUSD != 0.02 || e.Endpoint != "/2/tweets" {
		t.Errorf("entry = %+v", e)
	}
}

func TestFileQueue_HeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_queue.md")
	q := NewFileQueue(path, nil)
	for i := 0; i < 3; i++ {
		if err := q.Append(context.Background(), QueueEntry{Method: "GET", Endpoint: "/2/users/me"}); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "# X Action Queue"); n != 1 {
		t.Errorf("header count = %d, want 1", n)
	}
	entries, err := q.Entries(context.Background())
	if err != nil || len(entries) != 3 {
		t.Errorf("Entries() = %d, %v", len(entries), err)
	}
}

func TestFileQueue_Defaults(t *testing.T) {
	q := NewFileQueue(filepath.Join(t.TempDir(), "q.md"), nil)
	block := q.format(QueueEntry{TS: time.Unix(0, 0)})
	for _, want := range []string{"reason: blocked_by_budget", "actionType: other", "method: GET", `endpoint: ""`, `details: ""`} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
}

func TestFileQueue_DetailsSafety(t *testing.T) {
	q := NewFileQueue(filepath.Join(t.TempDir(), "q.md"), redact.New())

	secret := q.format(QueueEntry{Details: "Authorization: Bearer abc.def"})
	if strings.Contains(secret, "abc.def") {
		t.Errorf("secret leaked into queue:\n%s", secret)
	}

	long := q.format(QueueEntry{Details: strings.Repeat("é\"", 400)})
	var line string
	for _, l := range strings.Split(long, "\n") {
		if strings.HasPrefix(l, "  details: ") {
			line = strings.TrimPrefix(l, "  details: ")
		}
	}
	if n := len([]rune(line)); n > MaxDetails {
		t.Errorf("details length = %d, want <= %d", n, MaxDetails)
	}
	var decoded string
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Errorf("details not a complete quoted string: %s: %v", line, err)
	}
}

func TestFileQueue_HostileFieldsStayParseable(t *testing.T) {
	endpoints := []string{
		"/2/search?q=a #b",
		"/2/users/by/username:",
		"/2/tweets\nx",
		"- [x]",
		"",
	}
	q := NewFileQueue(filepath.Join(t.TempDir(), "q.md"), nil)
	ctx := context.Background()
	for _, ep := range endpoints {
		err := q.Append(ctx, QueueEntry{
			Reason:     "blocked: by\nnewline",
			ActionType: "tweet # comment",
			Method:     "post",
			Endpoint:   ep,
			Details:    "line1\nline2: x",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(entries) != len(endpoints) {
		t.Fatalf("got %d entries, want %d", len(entries), len(endpoints))
	}
	for i, ep := range endpoints {
		if entries[i].Endpoint != ep || entries[i].Details != "line1\nline2: x" {
			t.Errorf("entry %d = %+v", i, entries[i])
		}
	}
}

func TestFileQueue_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.md")
	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := NewFileQueue(path, nil).Append(context.Background(), QueueEntry{Method: "POST", Endpoint: "/2/tweets"}); err != nil {
				t.Errorf("Append() error: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := NewFileQueue(path, nil).Entries(context.Background())
	if err != nil || len(entries) != n {
		t.Errorf("Entries() = %d, %v; want %d", len(entries), err, n)
	}
}

func TestFileQueue_Corrupt(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"no separator": "# X Action Queue\n\n- ts: x\n",
		"bad yaml":     queueHeader + "- ts: [unterminated\n",
		"bad ts":       queueHeader + "- ts: yesterday\n  reason: other\n",
	}
	for name, content := range tests {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".md")
		os.WriteFile(path, []byte(content), 0o644)
		if _, err := NewFileQueue(path, nil).Entries(context.Background()); !errors.Is(err, ErrCorruptQueue) {
			t.Errorf("%s: err = %v, want ErrCorruptQueue", name, err)
		}
	}
}

func TestFileQueue_MissingIsEmpty(t *testing.T) {
	entries, err := NewFileQueue(filepath.Join(t.TempDir(), "none.md"), nil).Entries(context.Background())
	if err != nil || entries != nil {
		t.Errorf("Entries() = %v, %v", entries, err)
	}
}
