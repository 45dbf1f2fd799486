// Package router deterministically selects a model for a validated
// task envelope. Every decision is a pure function of the envelope
// and the static [Tables]; the only side effect is a best-effort audit
// record.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bort-os/bort/internal/audit"
	"github.com/bort-os/bort/internal/envelope"
	"github.com/bort-os/bort/internal/policy"
)

// Decision reasons other than a category name.
const (
	ReasonPreferred  = "preferredModel"
	ReasonComplex    = "complex_code_chain"
	ReasonHatDefault = "hat_default_chain"
)

// Decision is the routing outcome. For category routes Reason is the
// category name.
type Decision struct {
	Model             string `json:"model"`
	Reason            string `json:"reason"`
	RequiresWebSearch bool   `json:"requiresWebSearch"`
	Category          string `json:"category"`
	// LastResort is set when no table candidate was available.
	LastResort bool `json:"lastResort,omitempty"`
}

// Router selects models. It holds no mutable state and is safe for
// concurrent use.
type Router struct {
	logger *slog.Logger
	tables *Tables
	policy policy.Source
	sink   audit.Sink
	now    func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy supplies hat default model chains. Without it the builtin
// policy is used.
func WithPolicy(src policy.Source) Option {
	return func(r *Router) { r.policy = src }
}

// WithAudit records every decision on sink.
func WithAudit(sink audit.Sink) Option {
	return func(r *Router) { r.sink = sink }
}

// WithClock overrides the time source used for audit headings.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router over tables. Nil tables use [DefaultTables].
func New(logger *slog.Logger, tables *Tables, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if tables == nil {
		tables = DefaultTables()
	}
	r := &Router{
		logger: logger,
		tables: tables,
		policy: policy.Builtin(),
		sink:   audit.Nop{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tables returns the tables the router decides from.
func (r *Router) Tables() *Tables {
	return r.tables
}

// Categorize maps an envelope to its route category and whether the
// task needs web search.
func Categorize(env *envelope.Envelope) (category string, requiresWebSearch bool) {
	taskType := strings.ToLower(env.TaskType)
	switch {
	case taskType == "code" || taskType == "ops":
		return CategoryCodeOps, false
	case taskType == "summarize" || taskType == "classify":
		return CategoryLightweight, false
	case taskType == "research":
		return CategoryResearchWeb, true
	case taskType == "spec" || strings.EqualFold(env.TaskSize, "large"):
		return CategorySpecLarge, false
	default:
		return CategoryDefault, false
	}
}

func isComplex(category string, env *envelope.Envelope) bool {
	if category != CategoryCodeOps {
		return false
	}
	thinking := strings.ToLower(env.Thinking)
	return strings.EqualFold(env.TaskSize, "large") || thinking == "high" || thinking == "xhigh"
}

// Route selects a model for env. It always returns a model.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (d Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("routing panic, using last resort", "panic", fmt.Sprint(p))
			d = Decision{Model: r.lastResort(), Reason: CategoryDefault, Category: CategoryDefault, LastResort: true}
		}
	}()

	if env == nil {
		env = &envelope.Envelope{}
	}
	d = r.decide(env)
	r.record(ctx, env, d)
	return d
}

// Preview returns the decision Route would make without logging or
// auditing it.
func (r *Router) Preview(env *envelope.Envelope) (d Decision) {
	defer func() {
		if p := recover(); p != nil {
			d = Decision{Model: r.lastResort(), Reason: CategoryDefault, Category: CategoryDefault, LastResort: true}
		}
	}()
	if env == nil {
		env = &envelope.Envelope{}
	}
	return r.decide(env)
}

func (r *Router) decide(env *envelope.Envelope) Decision {
	category, web := Categorize(env)
	d := Decision{Category: category, RequiresWebSearch: web}

	if env.PreferredModel != "" && r.tables.Available(env.PreferredModel) {
		d.Model, d.Reason = env.PreferredModel, ReasonPreferred
		return d
	}

	if isComplex(category, env) {
		if m, ok := r.tables.FirstAvailable(r.tables.ComplexChain); ok {
			d.Model, d.Reason = m, ReasonComplex
			return d
		}
	}

	if chain := r.hatChain(env.Hat); len(chain) > 0 {
		if m, ok := r.tables.FirstAvailable(chain); ok {
			d.Model, d.Reason = m, ReasonHatDefault
			return d
		}
	}

	d.Reason = category
	route, ok := r.tables.Routes[category]
	if !ok {
		route = r.tables.Routes[CategoryDefault]
	}
	if m, ok := r.tables.FirstAvailable(r.filterExplicitOnly(route, env.PreferredModel)); ok {
		d.Model = m
		return d
	}
	if m, ok := r.tables.FirstAvailable(r.tables.Routes[CategoryDefault]); ok {
		d.Model = m
		return d
	}
	d.Model, d.LastResort = r.lastResort(), true
	return d
}

// filterExplicitOnly drops candidates under an explicit-only prefix
// unless preferred names the same prefix.
func (r *Router) filterExplicitOnly(route []string, preferred string) []string {
	out := make([]string, 0, len(route))
	for _, m := range route {
		keep := true
		for _, prefix := range r.tables.ExplicitOnlyPrefixes {
			if strings.HasPrefix(m, prefix) && !strings.HasPrefix(preferred, prefix) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, m)
		}
	}
	return out
}

func (r *Router) hatChain(hat string) []string {
	if hat == "" || r.policy == nil {
		return nil
	}
	tbl := r.policy.Current()
	if tbl == nil {
		return nil
	}
	h, ok := tbl.Hat(hat)
	if !ok {
		return nil
	}
	return h.DefaultModelChain
}

// lastResort returns the configured last resort, or the default one
// when it is unset or blacklisted.
func (r *Router) lastResort() string {
	def := DefaultTables()
	if r.tables == nil {
		return def.LastResort
	}
	candidates := append([]string{r.tables.LastResort, def.LastResort}, def.Routes[CategoryDefault]...)
	for _, m := range candidates {
		if m != "" && !slices.Contains(r.tables.Blacklist, m) {
			return m
		}
	}
	return def.LastResort
}

func (r *Router) record(ctx context.Context, env *envelope.Envelope, d Decision) {
	r.logger.Debug("model routed",
		"hat", env.Hat,
		"category", d.Category,
		"model", d.Model,
		"reason", d.Reason,
		"requires_web_search", d.RequiresWebSearch,
	)

	model := d.Model
	if d.LastResort {
		model = "(none available) -> " + model
	}
	err := audit.Safe(ctx, r.sink, audit.Event{
		Time:            r.now(),
		Kind:            audit.KindRoute,
		Hat:             env.Hat,
		DataSensitivity: env.DataSensitivity,
		Heading:         audit.Stamp(r.now()) + " - model selection",
		Lines: []string{
			"category: " + d.Category,
			fmt.Sprintf("model: %s (%s)", model, d.Reason),
			fmt.Sprintf("requiresWebSearch: %t", d.RequiresWebSearch),
		},
		Fields: map[string]any{
			"category":          d.Category,
			"model":             d.Model,
			"reason":            d.Reason,
			"requiresWebSearch": d.RequiresWebSearch,
		},
	})
	if err != nil {
		r.logger.Debug("routing audit failed", "error", err)
	}
}
