// Package report renders the operator state report: policy hats, model
// availability, sample routes, today's budget window and the deferred
// action queue.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bort-os/bort/internal/budget"
	"github.com/bort-os/bort/internal/envelope"
	"github.com/bort-os/bort/internal/policy"
	"github.com/bort-os/bort/internal/router"
)

// DefaultHistoryDays bounds the spend history section.
const DefaultHistoryDays = 7

// DefaultRecentQueued bounds the queue section.
const DefaultRecentQueued = 5

// Sources supplies the state a report is built from. Ledger, Router and
// Policy are required; Store and Queue are optional.
type Sources struct {
	Host      string
	Workspace string
	Version   string
	Policy    *policy.Table
	Router    *router.Router
	Ledger    *budget.Ledger
	Store     budget.LedgerStore
	Queue     budget.QueueStore
	Logger    *slog.Logger

	HistoryDays  int
	RecentQueued int
}

// DaySpend is one row of the spend history.
type DaySpend struct {
	Day      string  `json:"day"`
	SpendUSD float64 `json:"spendUsd"`
}

// SampleRoute is the routing decision for a reference envelope.
type SampleRoute struct {
	Label    string          `json:"label"`
	Decision router.Decision `json:"decision"`
}

// Report is a point-in-time snapshot.
type Report struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	Host        string              `json:"host,omitempty"`
	Workspace   string              `json:"workspace,omitempty"`
	Version     string              `json:"version,omitempty"`
	PolicySrc   string              `json:"policySource"`
	Hats        []HatRow            `json:"hats"`
	Inventory   router.Inventory    `json:"inventory"`
	Routes      []SampleRoute       `json:"routes"`
	Budget      budget.Status       `json:"budget"`
	History     []DaySpend          `json:"history,omitempty"`
	QueueCounts map[string]int      `json:"queueCounts,omitempty"`
	Queued      []budget.QueueEntry `json:"queued,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// HatRow summarizes one hat.
type HatRow struct {
	Name       string   `json:"name"`
	Identities []string `json:"identities"`
	TaskTypes  []string `json:"taskTypes,omitempty"`
	Chain      []string `json:"defaultModelChain,omitempty"`
	Guards     int      `json:"guards"`
}

// samples mirror the reference envelopes an operator checks routing
// with: one per common task shape, all under ops-core.
var samples = []struct {
	label    string
	taskType string
	taskSize string
}{
	{"summarize", "summarize", "small"},
	{"spec (large)", "spec", "large"},
	{"research", "research", "medium"},
	{"code", "code", "medium"},
}

// Build gathers a report. Store and queue read failures degrade to
// warnings so a damaged queue never hides the budget state; a ledger
// failure is returned.
func Build(ctx context.Context, src Sources, now time.Time) (*Report, error) {
	logger := src.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Report{
		GeneratedAt: now,
		Host:        src.Host,
		Workspace:   src.Workspace,
		Version:     src.Version,
		PolicySrc:   src.Policy.Source(),
		Inventory:   src.Router.Tables().Inventory(),
	}

	for _, name := range src.Policy.Names() {
		h, _ := src.Policy.Hat(name)
		r.Hats = append(r.Hats, HatRow{
			Name:       name,
			Identities: h.AllowedIdentityContexts,
			TaskTypes:  h.AllowedTaskTypes,
			Chain:      h.DefaultModelChain,
			Guards:     len(h.Guards),
		})
	}

	for _, s := range samples {
		env := &envelope.Envelope{
			Hat:             "ops-core",
			Intent:          "report",
			TaskType:        s.taskType,
			TaskSize:        s.taskSize,
			Risk:            "low",
			DataSensitivity: "medium",
			IdentityContext: "agent",
			Actions:         []string{"report"},
		}
		r.Routes = append(r.Routes, SampleRoute{Label: s.label, Decision: src.Router.Preview(env)})
	}

	st, err := src.Ledger.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget status: %w", err)
	}
	r.Budget = st

	if src.Store != nil {
		if err := r.addHistory(ctx, src); err != nil {
			logger.Warn("spend history unavailable", "error", err)
			r.Warnings = append(r.Warnings, "spend history unavailable: "+err.Error())
		}
	}
	if src.Queue != nil {
		if err := r.addQueue(ctx, src); err != nil {
			logger.Warn("action queue unavailable", "error", err)
			r.Warnings = append(r.Warnings, "action queue unavailable: "+err.Error())
		}
	}
	return r, nil
}

func (r *Report) addHistory(ctx context.Context, src Sources) error {
	days, err := src.Store.Days(ctx)
	if err != nil {
		return err
	}
	limit := src.HistoryDays
	if limit <= 0 {
		limit = DefaultHistoryDays
	}
	slices.Sort(days)
	if len(days) > limit {
		days = days[len(days)-limit:]
	}
	for i := len(days) - 1; i >= 0; i-- {
		spend, err := src.Ledger.DaySpend(ctx, days[i])
		if err != nil {
			return fmt.Errorf("day %s: %w", days[i], err)
		}
		r.History = append(r.History, DaySpend{Day: days[i], SpendUSD: spend})
	}
	return nil
}

func (r *Report) addQueue(ctx context.Context, src Sources) error {
	entries, err := src.Queue.Entries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	r.QueueCounts = make(map[string]int)
	for _, e := range entries {
		r.QueueCounts[e.Reason]++
	}
	limit := src.RecentQueued
	if limit <= 0 {
		limit = DefaultRecentQueued
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	r.Queued = entries
	return nil
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Bort State Report\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", r.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Identity / Runtime\n\n")
	bullet(&b, "Host", r.Host)
	bullet(&b, "Workspace", r.Workspace)
	bullet(&b, "Version", r.Version)
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Hats\n\nPolicy source: `%s`\n\n", r.PolicySrc)
	table(&b, []string{"Hat", "Identities", "Task types", "Default chain", "Guards"}, func(row func(...string)) {
		for _, h := range r.Hats {
			types := "any"
			if len(h.TaskTypes) > 0 {
				types = strings.Join(h.TaskTypes, ", ")
			}
			chain := "-"
			if len(h.Chain) > 0 {
				chain = strings.Join(h.Chain, " → ")
			}
			row(h.Name, strings.Join(h.Identities, ", "), types, chain, fmt.Sprint(h.Guards))
		}
	})

	b.WriteString("## Model Config\n\n")
	table(&b, []string{"Provider", "Configured", "Verified"}, func(row func(...string)) {
		for _, p := range r.Inventory.Providers {
			row(p.Name, yesNo(p.Configured), yesNo(p.Verified))
		}
	})
	if len(r.Inventory.Blacklist) > 0 {
		fmt.Fprintf(&b, "Blacklisted: %s\n\n", strings.Join(r.Inventory.Blacklist, ", "))
	}

	b.WriteString("## Per-task Routing\n\n")
	table(&b, []string{"Task", "Model", "Reason", "Web search"}, func(row func(...string)) {
		for _, s := range r.Routes {
			model := s.Decision.Model
			if s.Decision.LastResort {
				model += " (last resort)"
			}
			row(s.Label, model, s.Decision.Reason, yesNo(s.Decision.RequiresWebSearch))
		}
	})

	b.WriteString("## Budget\n\n")
	bullet(&b, "Day", r.Budget.Day)
	bullet(&b, "Spend", usd(r.Budget.SpendUSD))
	bullet(&b, "Cap", usd(r.Budget.CapUSD))
	bullet(&b, "Remaining", usd(r.Budget.RemainingUSD))
	bullet(&b, "Entries", fmt.Sprint(r.Budget.Entries))
	b.WriteString("\n")
	if len(r.History) > 0 {
		table(&b, []string{"Day", "Spend"}, func(row func(...string)) {
			for _, d := range r.History {
				row(d.Day, usd(d.SpendUSD))
			}
		})
	}

	b.WriteString("## Action Queue\n\n")
	if len(r.QueueCounts) == 0 {
		b.WriteString("No deferred actions.\n\n")
	} else {
		reasons := make([]string, 0, len(r.QueueCounts))
		for k := range r.QueueCounts {
			reasons = append(reasons, k)
		}
		slices.Sort(reasons)
		for _, k := range reasons {
			bullet(&b, k, fmt.Sprint(r.QueueCounts[k]))
		}
		b.WriteString("\n")
		table(&b, []string{"Queued", "Reason", "Action", "Endpoint", "Estimate", "Details"}, func(row func(...string)) {
			for _, e := range r.Queued {
				row(e.TS.UTC().Format(time.RFC3339), e.Reason, e.ActionType,
					e.Method+" "+e.Endpoint, usd(e.EstimateUSD), e.Details)
			}
		})
	}

	b.WriteString("## Approvals / Guardrails\n\n")
	b.WriteString("- External state changes require `approvalNeeded: true`.\n")
	b.WriteString("- Shell commands and skills are denied unless a hat allowlists them.\n")
	fmt.Fprintf(&b, "- Metered calls stop at the daily cap of %s; blocked calls are queued.\n", usd(r.Budget.CapUSD))

	if len(r.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

// WriteHTML renders the report as a self-contained HTML page.
func (r *Report) WriteHTML(w io.Writer) error {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var buf bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &buf); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Bort State Report</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>
`, buf.String())
	return err
}

func bullet(b *strings.Builder, label, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(b, "- **%s:** %s\n", label, cell(value))
}

func table(b *strings.Builder, header []string, rows func(row func(...string))) {
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(header)) + "\n")
	rows(func(cols ...string) {
		for i := range cols {
			cols[i] = cell(cols[i])
		}
		b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	})
	b.WriteString("\n")
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "|", `\|`).Replace(s)
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func usd(v float64) string { return fmt.Sprintf("$%.4f", v) }
