package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type ledgerDay struct {
	CapUSD  float64 `json:"capUsd"`
	Entries []Entry `json:"entries"`
}

// FileLedger keeps the whole ledger in one JSON document shaped
// {"YYYY-MM-DD": {"capUsd": n, "entries": [...]}}. Writers serialize
// on an advisory lock and replace the document atomically.
type FileLedger struct {
	path string
}

// NewFileLedger returns a ledger stored at path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// Path returns the ledger document location.
func (l *FileLedger) Path() string { return l.path }

// Ensure creates an empty ledger when none exists and checks an
// existing one parses.
func (l *FileLedger) Ensure() error {
	if _, err := l.load(); err != nil {
		return err
	}
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		return l.withLock(func() error {
			if _, err := os.Stat(l.path); err == nil {
				return nil
			}
			return writeAtomic(l.path, map[string]*ledgerDay{})
		})
	}
	return nil
}

// Append adds e to day under the exclusive lock.
func (l *FileLedger) Append(ctx context.Context, day string, capUSD float64, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.withLock(func() error {
		doc, err := l.load()
		if err != nil {
			return err
		}
		d := doc[day]
		if d == nil {
			d = &ledgerDay{}
			doc[day] = d
		}
		d.CapUSD = capUSD
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		d.Entries = append(d.Entries, e)
		return writeAtomic(l.path, doc)
	})
}

// Entries returns the entries recorded for day.
func (l *FileLedger) Entries(ctx context.Context, day string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	if d := doc[day]; d != nil {
		return d.Entries, nil
	}
	return nil, nil
}

// Days lists the days present in the document.
func (l *FileLedger) Days(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(doc))
	for day, d := range doc {
		if d != nil && len(d.Entries) > 0 {
			days = append(days, day)
		}
	}
	sort.Strings(days)
	return days, nil
}

func (l *FileLedger) load() (map[string]*ledgerDay, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*ledgerDay{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	doc := map[string]*ledgerDay{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptLedger, l.path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s: not an object", ErrCorruptLedger, l.path)
	}
	return doc, nil
}

func (l *FileLedger) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger lock: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer unlockFile(f)
	return fn()
}

// writeAtomic replaces path with the indented JSON encoding of v.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
