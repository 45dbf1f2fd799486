// Package budget enforces the daily spend cap on metered external
// calls. Spend is an append-only log per calendar day; an action that
// would exceed the cap is queued for later instead of executed.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	_ "time/tzdata"

	"github.com/bort-os/bort/internal/audit"
)

// Defaults for the daily window.
const (
	DefaultCapUSD   = 0.25
	DefaultTimezone = "America/Phoenix"
)

// MaxCostUSD bounds a single action's price. Larger amounts are
// treated as input errors rather than spend.
const MaxCostUSD = 1000

// ErrInvalidCost is returned when an explicit cost override is
// negative, not a number or above [MaxCostUSD].
var ErrInvalidCost = errors.New("cost out of range")

// Caps above this are clamped so micro-dollar totals stay in range.
const maxCapUSD = 1e9

// Decision is the outcome of [Ledger.GuardOrQueue]. A blocked action
// is a normal deferred outcome, not an error.
type Decision struct {
	OK          bool    `json:"ok"`
	Blocked     bool    `json:"blocked"`
	Reason      string  `json:"reason,omitempty"`
	EstimateUSD float64 `json:"estimateUsd"`
}

// Status summarizes today's window.
type Status struct {
	Day          string  `json:"day"`
	SpendUSD     float64 `json:"spendUsd"`
	CapUSD       float64 `json:"capUsd"`
	RemainingUSD float64 `json:"remainingUsd"`
	Entries      int     `json:"entries"`
}

// Ledger prices actions, admits them against the daily cap and records
// spend. Two processes may both pass the cap check before either
// records; the cap is soft by that margin.
type Ledger struct {
	store   LedgerStore
	queue   QueueStore
	costs   *CostTable
	pricing *Pricing
	capUSD  float64
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	sink    audit.Sink
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCap sets the daily cap in USD.
func WithCap(usd float64) Option { return func(l *Ledger) { l.capUSD = usd } }

// WithLocation sets the timezone that defines a day.
func WithLocation(loc *time.Location) Option { return func(l *Ledger) { l.loc = loc } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithPricing installs an operator pricing override.
func WithPricing(p *Pricing) Option { return func(l *Ledger) { l.pricing = p } }

// WithCosts replaces the builtin cost table.
func WithCosts(t *CostTable) Option { return func(l *Ledger) { l.costs = t } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithAudit records spend and block events on sink.
func WithAudit(sink audit.Sink) Option { return func(l *Ledger) { l.sink = sink } }

// NewLedger creates a guard over store and queue.
func NewLedger(store LedgerStore, queue QueueStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		queue:  queue,
		costs:  BuiltinCosts(),
		capUSD: DefaultCapUSD,
		now:    time.Now,
		logger: slog.Default(),
		sink:   audit.Nop{},
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		l.loc = loc
	} else {
		l.loc = time.UTC
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Cap returns the daily cap in USD.
func (l *Ledger) Cap() float64 { return l.capUSD }

// DayKey formats t as YYYY-MM-DD in the ledger's timezone.
func (l *Ledger) DayKey(t time.Time) string {
	return t.In(l.loc).Format(time.DateOnly)
}

// Today returns the current day key.
func (l *Ledger) Today() string { return l.DayKey(l.now()) }

// Estimate prices a: an explicit override first, then the pricing
// file, then the builtin table.
func (l *Ledger) Estimate(a Action) float64 {
	a = a.Normalize()
	if a.CostOverride != nil && validCost(*a.CostOverride) {
		return *a.CostOverride
	}
	if c, ok := l.pricing.lookup(a.Method, a.Endpoint); ok {
		return c
	}
	return l.costs.Estimate(a.Method, a.Endpoint)
}

// TodaySpend sums today's entries.
func (l *Ledger) TodaySpend(ctx context.Context) (float64, error) {
	return l.DaySpend(ctx, l.Today())
}

// DaySpend sums the entries recorded for day.
func (l *Ledger) DaySpend(ctx context.Context, day string) (float64, error) {
	entries, err := l.store.Entries(ctx, day)
	if err != nil {
		return 0, err
	}
	total, err := sumMicros(entries)
	if err != nil {
		return 0, err
	}
	return fromMicros(total), nil
}

// CanSpend reports whether amount fits in today's remaining budget.
// A fraction of a micro-dollar counts as a whole one, so any amount
// past the cap is refused. Amounts that are negative, non-finite or
// above [MaxCostUSD] never fit.
func (l *Ledger) CanSpend(ctx context.Context, amount float64) (bool, error) {
	entries, err := l.store.Entries(ctx, l.Today())
	if err != nil {
		return false, err
	}
	spent, err := sumMicros(entries)
	if err != nil {
		return false, err
	}
	if !validCost(amount) || amount > l.capUSD {
		return false, nil
	}
	return spent+ceilMicros(amount) <= l.capMicros(), nil
}

// RecordSpend appends amount to today's log.
func (l *Ledger) RecordSpend(ctx context.Context, amount float64, metadata map[string]any) error {
	if !validCost(amount) {
		return fmt.Errorf("record spend: invalid amount %v", amount)
	}
	now := l.now()
	day := l.DayKey(now)
	if err := l.store.Append(ctx, day, l.capUSD, Entry{TS: now.UTC(), Amount: amount, Metadata: metadata}); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	l.logger.Info("spend recorded", "day", day, "amount_usd", amount, "status", metadata["status"])

	fields := map[string]any{"amountUsd": amount, "capUsd": l.capUSD, "day": day}
	for k, v := range metadata {
		fields[k] = v
	}
	if total, err := l.DaySpend(ctx, day); err == nil {
		fields["spendTodayUsd"] = total
	}
	l.emit(ctx, audit.Event{
		Time:    now,
		Kind:    audit.KindSpend,
		Heading: audit.Stamp(now) + " - x spend",
		Lines: []string{
			fmt.Sprintf("amount: $%.3f", amount),
			fmt.Sprintf("action: %v %v %v", metadata["actionType"], metadata["method"], metadata["endpoint"]),
			fmt.Sprintf("status: %v", metadata["status"]),
		},
		Fields: fields,
	})
	return nil
}

// GuardOrQueue admits a when today's budget covers its estimate;
// otherwise it queues a and reports it blocked. Admission records no
// spend.
func (l *Ledger) GuardOrQueue(ctx context.Context, a Action) (Decision, error) {
	a = a.Normalize()
	if a.CostOverride != nil && !validCost(*a.CostOverride) {
		return Decision{}, fmt.Errorf("guard: %w: override %v", ErrInvalidCost, *a.CostOverride)
	}
	est := l.Estimate(a)
	ok, err := l.CanSpend(ctx, est)
	if err != nil {
		return Decision{EstimateUSD: est}, err
	}
	if ok {
		return Decision{OK: true, EstimateUSD: est}, nil
	}
	if err := l.Queue(ctx, ReasonBlockedByBudget, a, est); err != nil {
		return Decision{Blocked: true, Reason: ReasonBlockedByBudget, EstimateUSD: est}, err
	}
	return Decision{Blocked: true, Reason: ReasonBlockedByBudget, EstimateUSD: est}, nil
}

// Queue defers a with reason.
func (l *Ledger) Queue(ctx context.Context, reason string, a Action, estimate float64) error {
	if l.queue == nil {
		return errors.New("queue action: no queue configured")
	}
	a = a.Normalize()
	now := l.now()
	err := l.queue.Append(ctx, QueueEntry{
		TS:          now,
		Reason:      reason,
		ActionType:  a.Type,
		Method:      a.Method,
		Endpoint:    a.Endpoint,
		EstimateUSD: estimate,
		Details:     a.Details,
	})
	if err != nil {
		return fmt.Errorf("queue action: %w", err)
	}
	l.logger.Warn("action queued", "reason", reason, "action_type", a.Type, "method", a.Method, "endpoint", a.Endpoint, "estimate_usd", estimate)
	l.emit(ctx, audit.Event{
		Time:    now,
		Kind:    audit.KindBlocked,
		Heading: audit.Stamp(now) + " - x action queued",
		Lines: []string{
			"reason: " + reason,
			fmt.Sprintf("action: %s %s %s", a.Type, a.Method, a.Endpoint),
			fmt.Sprintf("estimate: $%.3f", estimate),
		},
		Fields: map[string]any{
			"reason":      reason,
			"actionType":  a.Type,
			"method":      a.Method,
			"endpoint":    a.Endpoint,
			"estimateUsd": estimate,
		},
	})
	return nil
}

// Status reports today's spend against the cap.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	day := l.Today()
	entries, err := l.store.Entries(ctx, day)
	if err != nil {
		return Status{}, err
	}
	spent, err := sumMicros(entries)
	if err != nil {
		return Status{}, err
	}
	remaining := l.capMicros() - spent
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Day:          day,
		SpendUSD:     fromMicros(spent),
		CapUSD:       l.capUSD,
		RemainingUSD: fromMicros(remaining),
		Entries:      len(entries),
	}, nil
}

func (l *Ledger) emit(ctx context.Context, ev audit.Event) {
	if err := audit.Safe(ctx, l.sink, ev); err != nil {
		l.logger.Debug("budget audit failed", "error", err)
	}
}

func (l *Ledger) capMicros() int64 {
	switch {
	case !(l.capUSD > 0):
		return 0
	case l.capUSD > maxCapUSD:
		return micros(maxCapUSD)
	}
	return micros(l.capUSD)
}

// Amounts are compared in whole micro-dollars so that summing many
// small float entries cannot drift across the cap. Callers bound usd
// first.
func micros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// ceilMicros rounds a requested amount up to the next micro-dollar,
// ignoring float noise far below one.
func ceilMicros(usd float64) int64 {
	m := usd * 1e6
	r := math.Round(m)
	if m-r > 1e-6 {
		r++
	}
	return int64(r)
}

func fromMicros(m int64) float64 {
	return float64(m) / 1e6
}

// sumMicros totals entries. A stored amount outside the valid range,
// or a total that would overflow, means the log was not written by
// [Ledger.RecordSpend].
func sumMicros(entries []Entry) (int64, error) {
	var total int64
	for i, e := range entries {
		if !validCost(e.Amount) {
			return 0, fmt.Errorf("%w: entry %d amount %v out of range", ErrCorruptLedger, i, e.Amount)
		}
		m := micros(e.Amount)
		if total > math.MaxInt64-m {
			return 0, fmt.Errorf("%w: day total overflows", ErrCorruptLedger)
		}
		total += m
	}
	return total, nil
}
