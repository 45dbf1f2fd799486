package router

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bort-os/bort/internal/audit"
	"github.com/bort-os/bort/internal/envelope"
	"github.com/bort-os/bort/internal/policy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func env(taskType, taskSize string) *envelope.Envelope {
	return &envelope.Envelope{
		Hat:             "ops-core",
		Intent:          "build",
		TaskType:        taskType,
		TaskSize:        taskSize,
		Risk:            "low",
		DataSensitivity: "low",
		IdentityContext: "agent",
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		taskType, taskSize string
		want               string
		web                bool
	}{
		{"code", "small", CategoryCodeOps, false},
		{"ops", "large", CategoryCodeOps, false},
		{"summarize", "small", CategoryLightweight, false},
		{"classify", "large", CategoryLightweight, false},
		{"research", "small", CategoryResearchWeb, true},
		{"spec", "small", CategorySpecLarge, false},
		{"", "large", CategorySpecLarge, false},
		{"", "small", CategoryDefault, false},
		{"CODE", "small", CategoryCodeOps, false},
	}
	for _, tt := range tests {
		got, web := Categorize(env(tt.taskType, tt.taskSize))
		if got != tt.want || web != tt.web {
			t.Errorf("Categorize(%q, %q) = %q, %v; want %q, %v", tt.taskType, tt.taskSize, got, web, tt.want, tt.web)
		}
	}
}

func TestRoute_Scenarios(t *testing.T) {
	r := New(quietLogger(), nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		env        *envelope.Envelope
		wantModel  string
		wantReason string
		wantWeb    bool
	}{
		{"code small", env("code", "small"), "openai-codex/gpt-5.3-codex", CategoryCodeOps, false},
		{"code large", env("code", "large"), "openai-codex/gpt-5.3-codex", ReasonComplex, false},
		{"research", env("research", "medium"), "openai-codex/gpt-5.3-codex", CategoryResearchWeb, true},
		{"summarize", env("summarize", "small"), "openai-codex/gpt-5.2-codex", CategoryLightweight, false},
		{"spec", env("spec", "medium"), "openai-codex/gpt-5.3-codex", CategorySpecLarge, false},
		{
			"preferred available",
			func() *envelope.Envelope { e := env("code", "small"); e.PreferredModel = "openai/gpt-4.1-mini"; return e }(),
			"openai/gpt-4.1-mini", ReasonPreferred, false,
		},
		{
			"preferred unknown falls through",
			func() *envelope.Envelope { e := env("code", "small"); e.PreferredModel = "acme/unknown-9"; return e }(),
			"openai-codex/gpt-5.3-codex", CategoryCodeOps, false,
		},
		{
			"preferred blacklisted falls through",
			func() *envelope.Envelope { e := env("research", "small"); e.PreferredModel = "openrouter/auto"; return e }(),
			"openai-codex/gpt-5.3-codex", CategoryResearchWeb, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(ctx, tt.env)
			if d.Model != tt.wantModel || d.Reason != tt.wantReason || d.RequiresWebSearch != tt.wantWeb {
				t.Errorf("Route() = %+v, want model %q reason %q web %v", d, tt.wantModel, tt.wantReason, tt.wantWeb)
			}
		})
	}
}

func TestRoute_ThinkingEscalates(t *testing.T) {
	tables := DefaultTables()
	// Without gpt-5.3-codex the complex chain picks opus next, which the
	// code_ops route would never reach.
	tables.Providers["openai-codex"] = Provider{}
	r := New(quietLogger(), tables)

	e := env("ops", "small")
	e.Thinking = "XHigh"
	d := r.Route(context.Background(), e)
	if d.Model != "openrouter/anthropic/claude-opus-4.1" || d.Reason != ReasonComplex {
		t.Errorf("Route() = %+v, want opus via complex chain", d)
	}

	e.Thinking = "low"
	d = r.Route(context.Background(), e)
	if d.Reason == ReasonComplex {
		t.Errorf("low thinking should not escalate: %+v", d)
	}
}

func TestRoute_HatDefaultChain(t *testing.T) {
	doc := `
hats:
  ops-core:
    allowed_identity_contexts: [agent]
    default_model_chain: [acme/unlisted, openai/gpt-4.1]
`
	tbl, err := policy.Parse([]byte(doc), "test")
	if err != nil {
		t.Fatal(err)
	}
	r := New(quietLogger(), nil, WithPolicy(tbl))

	d := r.Route(context.Background(), env("summarize", "small"))
	if d.Model != "openai/gpt-4.1" || d.Reason != ReasonHatDefault {
		t.Errorf("Route() = %+v, want hat default chain", d)
	}

	// Complex code still outranks the hat chain.
	d = r.Route(context.Background(), env("code", "large"))
	if d.Reason != ReasonComplex {
		t.Errorf("Route(code large) reason = %q, want %q", d.Reason, ReasonComplex)
	}
}

func TestRoute_ExplicitOnlyPrefix(t *testing.T) {
	tables := DefaultTables()
	tables.Routes[CategoryLightweight] = []string{"openrouter/openai/o3-mini-high", "openai/gpt-4.1-nano"}
	r := New(quietLogger(), tables)

	d := r.Route(context.Background(), env("classify", "small"))
	if d.Model != "openai/gpt-4.1-nano" {
		t.Errorf("implicit request routed to %q, want openrouter/openai filtered out", d.Model)
	}

	e := env("classify", "small")
	e.PreferredModel = "openrouter/openai/unlisted"
	d = r.Route(context.Background(), e)
	if d.Model != "openrouter/openai/o3-mini-high" || d.Reason != CategoryLightweight {
		t.Errorf("explicit request = %+v, want openrouter/openai candidate kept", d)
	}
}

func TestRoute_FallbacksToDefaultThenLastResort(t *testing.T) {
	tables := DefaultTables()
	tables.Routes[CategoryResearchWeb] = []string{"acme/none"}
	r := New(quietLogger(), tables)
	d := r.Route(context.Background(), env("research", "small"))
	if d.Model != "openai-codex/gpt-5.2-codex" || d.Reason != CategoryResearchWeb || !d.RequiresWebSearch {
		t.Errorf("Route() = %+v, want default chain under research reason", d)
	}

	for name := range tables.Providers {
		tables.Providers[name] = Provider{Configured: false}
	}
	d = r.Route(context.Background(), env("research", "small"))
	if d.Model != "openai/gpt-5.2-chat-latest" || !d.LastResort || !d.RequiresWebSearch {
		t.Errorf("Route() = %+v, want last resort", d)
	}
}

func TestRoute_BlacklistWins(t *testing.T) {
	tables := DefaultTables()
	tables.Models["openrouter/auto"] = Model{Provider: "openrouter", Verified: true}
	tables.Routes[CategoryCodeOps] = []string{"openrouter/auto", "openai-codex/gpt-5.2"}
	r := New(quietLogger(), tables)

	e := env("code", "small")
	e.PreferredModel = "openrouter/auto"
	if d := r.Route(context.Background(), e); d.Model == "openrouter/auto" {
		t.Errorf("blacklisted model returned: %+v", d)
	}
}

func TestRoute_BlacklistedLastResortSkipped(t *testing.T) {
	tables := DefaultTables()
	for name := range tables.Providers {
		tables.Providers[name] = Provider{Configured: false}
	}
	tables.LastResort = "openrouter/auto"
	r := New(quietLogger(), tables)

	d := r.Route(context.Background(), env("code", "small"))
	if d.Model != "openai/gpt-5.2-chat-latest" || !d.LastResort {
		t.Errorf("Route() = %+v, want the default last resort", d)
	}

	tables.Blacklist = append(tables.Blacklist, "openai/gpt-5.2-chat-latest")
	d = r.Route(context.Background(), env("code", "small"))
	if slices.Contains(tables.Blacklist, d.Model) || d.Model == "" || !d.LastResort {
		t.Errorf("Route() = %+v, returned a blacklisted model", d)
	}
}

func TestRoute_NilEnvelope(t *testing.T) {
	d := New(quietLogger(), nil).Route(context.Background(), nil)
	if d.Model == "" || d.Category != CategoryDefault {
		t.Errorf("Route(nil) = %+v", d)
	}
}

type recordingSink struct{ events []audit.Event }

func (s *recordingSink) Record(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

type panicSink struct{}

func (panicSink) Record(context.Context, audit.Event) error { panic("audit down") }

func TestRoute_Audit(t *testing.T) {
	sink := &recordingSink{}
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	r := New(quietLogger(), nil, WithAudit(sink), WithClock(clock))
	r.Route(context.Background(), env("research", "small"))

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Kind != audit.KindRoute || ev.Hat != "ops-core" || ev.Heading != "2026-01-02 03:04:05 UTC - model selection" {
		t.Errorf("event = %+v", ev)
	}
	want := []string{"category: research_web", "model: openai-codex/gpt-5.3-codex (research_web)", "requiresWebSearch: true"}
	if strings.Join(ev.Lines, "|") != strings.Join(want, "|") {
		t.Errorf("Lines = %q, want %q", ev.Lines, want)
	}
}

func TestRoute_AuditFailureIgnored(t *testing.T) {
	r := New(quietLogger(), nil, WithAudit(panicSink{}))
	d := r.Route(context.Background(), env("code", "small"))
	if d.Model != "openai-codex/gpt-5.3-codex" {
		t.Errorf("audit panic changed the decision: %+v", d)
	}
}

func TestRoute_AuditToHatLog(t *testing.T) {
	dir := t.TempDir()
	r := New(quietLogger(), nil, WithAudit(&audit.HatLog{Dir: dir}))
	r.Route(context.Background(), env("ops", "small"))

	data, err := os.ReadFile(filepath.Join(dir, "ops.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "- category: code_ops") {
		t.Errorf("hat log = %q", data)
	}
}

func TestTables_Available(t *testing.T) {
	tables := DefaultTables()
	tables.Models["acme/unverified"] = Model{Provider: "openai", Verified: false}
	tables.Models["acme/orphan"] = Model{Provider: "acme", Verified: true}

	tests := []struct {
		model string
		want  bool
	}{
		{"openai-codex/gpt-5.3-codex", true},
		{"openrouter/auto", false},
		{"acme/unverified", false},
		{"acme/orphan", false},
		{"openrouter/nvidia/nemotron-nano-9b-v2:free", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tables.Available(tt.model); got != tt.want {
			t.Errorf("Available(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestParseTables(t *testing.T) {
	doc := `
providers:
  openai-codex: {configured: false, verified: true}
routes:
  code_ops: [openai/gpt-4.1]
`
	tables, err := ParseTables([]byte(doc))
	if err != nil {
		t.Fatalf("ParseTables() error: %v", err)
	}
	if tables.Providers["openai-codex"].Configured {
		t.Error("provider override not applied")
	}
	if !tables.Providers["openai"].Configured {
		t.Error("untouched provider lost")
	}
	if len(tables.Routes[CategoryCodeOps]) != 1 || len(tables.Routes[CategoryDefault]) == 0 {
		t.Errorf("routes = %v", tables.Routes)
	}

	bad := []string{
		"providers: [\n",
		"unknown_key: 1\n",
		"last_resort: \"\"\n",
		"last_resort: openrouter/auto\n",
		"routes:\n  default: []\n",
		"models:\n  acme/x: {verified: true}\n",
	}
	for _, b := range bad {
		if _, err := ParseTables([]byte(b)); err == nil {
			t.Errorf("ParseTables(%q) should fail", b)
		}
	}
}

func TestLoadTablesOrDefault(t *testing.T) {
	dir := t.TempDir()
	if got := LoadTablesOrDefault(filepath.Join(dir, "missing.yaml"), quietLogger()); got.LastResort == "" {
		t.Error("missing file should yield defaults")
	}
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("routes: {default: []}\n"), 0600)
	if got := LoadTablesOrDefault(bad, quietLogger()); len(got.Routes[CategoryDefault]) == 0 {
		t.Error("malformed file should yield defaults")
	}
}

func TestInventory(t *testing.T) {
	inv := DefaultTables().Inventory()
	if len(inv.Providers) != 3 || inv.Providers[0].Name != "openai" {
		t.Errorf("Providers = %+v", inv.Providers)
	}
	for i := 1; i < len(inv.Models); i++ {
		if inv.Models[i-1].ID > inv.Models[i].ID {
			t.Fatal("models not sorted")
		}
	}
	if len(inv.Blacklist) != 2 {
		t.Errorf("Blacklist = %v", inv.Blacklist)
	}
}

func TestPreview_DoesNotAudit(t *testing.T) {
	sink := &recordingSink{}
	r := New(quietLogger(), nil, WithAudit(sink))
	e := env("code", "small")
	if got, want := r.Preview(e), r.Route(context.Background(), e); got != want {
		t.Errorf("Preview() = %+v, Route() = %+v", got, want)
	}
	if len(sink.events) != 1 {
		t.Errorf("events = %d, want only the Route event", len(sink.events))
	}
}
