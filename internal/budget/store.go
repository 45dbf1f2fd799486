package budget

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptLedger is returned when persisted spend history cannot be
// parsed. The ledger is left untouched for an operator to repair.
var ErrCorruptLedger = errors.New("budget ledger is corrupt")

// Entry is one recorded spend.
type Entry struct {
	TS       time.Time      `json:"ts"`
	Amount   float64        `json:"amount"`
	Metadata map[string]any `json:"metadata"`
}

// LedgerStore persists spend entries keyed by day. Stores only ever
// append; a day's total is always the sum of its entries.
type LedgerStore interface {
	Append(ctx context.Context, day string, capUSD float64, e Entry) error
	Entries(ctx context.Context, day string) ([]Entry, error)
	// Days lists every day with at least one entry, oldest first.
	Days(ctx context.Context) ([]string, error)
}
