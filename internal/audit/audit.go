// Package audit records routing decisions, validator rejections and
// budget outcomes. Every sink is best-effort: callers go through
// [Safe], which swallows errors and panics so recording can never
// change a decision.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bort-os/bort/internal/redact"
)

// Event kinds.
const (
	KindRoute   = "route"
	KindReject  = "reject"
	KindSpend   = "spend"
	KindBlocked = "blocked"
)

// Event is one audit record. Lines are short human-readable facts;
// Fields carry the same facts for structured sinks.
type Event struct {
	Time            time.Time      `json:"ts"`
	Kind            string         `json:"kind"`
	Hat             string         `json:"hat,omitempty"`
	DataSensitivity string         `json:"dataSensitivity,omitempty"`
	Heading         string         `json:"heading,omitempty"`
	Lines           []string       `json:"lines,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements [Sink].
func (Nop) Record(context.Context, Event) error { return nil }

// Safe records ev on sink, absorbing errors and panics. A nil sink is
// a no-op. The returned error is for logging only.
func Safe(ctx context.Context, sink Sink, ev Event) (err error) {
	if sink == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return sink.Record(ctx, ev)
}

// Multi fans an event out to several sinks. Every sink is attempted;
// errors are joined.
type Multi []Sink

// Record implements [Sink].
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := Safe(ctx, s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filtered runs an event's heading, lines and field values through
// Filter before handing it to Next, so no sink downstream sees
// secret-shaped text. Values that are neither strings nor string
// slices are replaced wholesale when their string form matches.
type Filtered struct {
	Next   Sink
	Filter *redact.Filter
}

// Record implements [Sink].
func (f Filtered) Record(ctx context.Context, ev Event) error {
	if f.Filter != nil {
		ev = f.scrub(ev)
	}
	return Safe(ctx, f.Next, ev)
}

func (f Filtered) scrub(ev Event) Event {
	ev.Heading = f.Filter.Suppress(ev.Heading)
	if ev.Lines != nil {
		lines := make([]string, len(ev.Lines))
		for i, l := range ev.Lines {
			lines[i] = f.Filter.Suppress(l)
		}
		ev.Lines = lines
	}
	if ev.Fields != nil {
		fields := make(map[string]any, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = f.value(v)
		}
		ev.Fields = fields
	}
	return ev
}

func (f Filtered) value(v any) any {
	switch v := v.(type) {
	case string:
		return f.Filter.Suppress(v)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = f.Filter.Suppress(s)
		}
		return out
	case nil, bool, int, int64, float64:
		return v
	}
	if !f.Filter.Check(v).OK {
		return redact.Pointer
	}
	return v
}

// Slog writes events to a structured logger at debug level.
type Slog struct {
	Logger *slog.Logger
}

// Record implements [Sink].
func (s Slog) Record(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", ev.Kind, "hat", ev.Hat}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	logger.DebugContext(ctx, "audit event", attrs...)
	return nil
}
