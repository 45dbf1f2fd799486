package router

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route categories.
const (
	CategoryCodeOps     = "code_ops"
	CategoryLightweight = "lightweight"
	CategoryResearchWeb = "research_web"
	CategorySpecLarge   = "spec_large"
	CategoryDefault     = "default"
)

// Provider is a row of the provider health table.
type Provider struct {
	Configured bool `yaml:"configured" json:"configured"`
	Verified   bool `yaml:"verified" json:"verified"`
}

// Model is a row of the model availability table.
type Model struct {
	Provider string `yaml:"provider" json:"provider"`
	Verified bool   `yaml:"verified" json:"verified"`
}

// Tables is the static data the router decides from. Operators change
// routing by editing a tables file, never code.
type Tables struct {
	Providers map[string]Provider `yaml:"providers" json:"providers"`
	Models    map[string]Model    `yaml:"models" json:"models"`
	// Blacklist wins over every other table.
	Blacklist []string            `yaml:"blacklist" json:"blacklist"`
	Routes    map[string][]string `yaml:"routes" json:"routes"`
	// ComplexChain serves large or deep-thinking code/ops tasks.
	ComplexChain []string `yaml:"complex_chain" json:"complex_chain"`
	// LastResort is returned when nothing else is available.
	LastResort string `yaml:"last_resort" json:"last_resort"`
	// ExplicitOnlyPrefixes are dropped from category routes unless the
	// envelope's preferredModel carries the same prefix.
	ExplicitOnlyPrefixes []string `yaml:"explicit_only_prefixes" json:"explicit_only_prefixes"`
}

const nemotronFree = "openrouter/nvidia/nemotron-nano-9b-v2:free"

// DefaultTables returns the compiled-in routing tables.
func DefaultTables() *Tables {
	return &Tables{
		Providers: map[string]Provider{
			"openai":       {Configured: true, Verified: true},
			"openai-codex": {Configured: true, Verified: true},
			"openrouter":   {Configured: true, Verified: true},
		},
		Models: map[string]Model{
			"openai-codex/gpt-5.3-codex": {Provider: "openai-codex", Verified: true},
			"openai-codex/gpt-5.2":       {Provider: "openai-codex", Verified: true},
			"openai-codex/gpt-5.2-codex": {Provider: "openai-codex", Verified: true},

			"openai/codex-mini-latest":   {Provider: "openai", Verified: true},
			"openai/gpt-5.2":             {Provider: "openai", Verified: true},
			"openai/gpt-5.2-pro":         {Provider: "openai", Verified: true},
			"openai/gpt-5.2-chat-latest": {Provider: "openai", Verified: true},
			"openai/gpt-4.1":             {Provider: "openai", Verified: true},
			"openai/gpt-4.1-mini":        {Provider: "openai", Verified: true},
			"openai/gpt-4.1-nano":        {Provider: "openai", Verified: true},

			"openrouter/google/gemini-2.5-flash-lite": {Provider: "openrouter", Verified: true},
			"openrouter/anthropic/claude-3.7-sonnet":  {Provider: "openrouter", Verified: true},
			"openrouter/anthropic/claude-opus-4.1":    {Provider: "openrouter", Verified: true},
			"openrouter/openai/o3-mini-high":          {Provider: "openrouter", Verified: true},
		},
		Blacklist: []string{"openrouter/openrouter/auto", "openrouter/auto"},
		Routes: map[string][]string{
			CategoryCodeOps: {
				"openai-codex/gpt-5.3-codex",
				"openai-codex/gpt-5.2-codex",
				"openai-codex/gpt-5.2",
				nemotronFree,
			},
			CategoryLightweight: {
				"openai-codex/gpt-5.2-codex",
				"openai-codex/gpt-5.2",
				"openai-codex/gpt-5.3-codex",
				nemotronFree,
			},
			CategoryResearchWeb: {
				"openai-codex/gpt-5.3-codex",
				"openai-codex/gpt-5.2-codex",
				"openai-codex/gpt-5.2",
				"openrouter/anthropic/claude-3.7-sonnet",
				nemotronFree,
			},
			CategorySpecLarge: {
				"openai-codex/gpt-5.3-codex",
				"openai-codex/gpt-5.2-codex",
				"openai-codex/gpt-5.2",
				"openrouter/anthropic/claude-opus-4.1",
				nemotronFree,
			},
			CategoryDefault: {
				"openai-codex/gpt-5.2-codex",
				"openai-codex/gpt-5.2",
				"openai-codex/gpt-5.3-codex",
				nemotronFree,
			},
		},
		ComplexChain: []string{
			"openai-codex/gpt-5.3-codex",
			"openrouter/anthropic/claude-opus-4.1",
			"openai-codex/gpt-5.2-codex",
			"openai-codex/gpt-5.2",
			nemotronFree,
		},
		LastResort:           "openai/gpt-5.2-chat-latest",
		ExplicitOnlyPrefixes: []string{"openrouter/openai/"},
	}
}

// Available reports whether model passes the availability predicate:
// not blacklisted, listed, provider configured, and verified.
func (t *Tables) Available(model string) bool {
	if model == "" || slices.Contains(t.Blacklist, model) {
		return false
	}
	m, ok := t.Models[model]
	if !ok || !m.Verified {
		return false
	}
	p, ok := t.Providers[m.Provider]
	return ok && p.Configured
}

// FirstAvailable returns the first available model in chain.
func (t *Tables) FirstAvailable(chain []string) (string, bool) {
	for _, id := range chain {
		if t.Available(id) {
			return id, true
		}
	}
	return "", false
}

// Validate checks the tables can always produce a decision.
func (t *Tables) Validate() error {
	if strings.TrimSpace(t.LastResort) == "" {
		return errors.New("last_resort must be set")
	}
	if slices.Contains(t.Blacklist, t.LastResort) {
		return fmt.Errorf("last_resort %q is blacklisted", t.LastResort)
	}
	if len(t.Routes[CategoryDefault]) == 0 {
		return fmt.Errorf("routes.%s must list at least one model", CategoryDefault)
	}
	for id, m := range t.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %q has no provider", id)
		}
	}
	return nil
}

// ParseTables decodes a tables document layered over [DefaultTables].
// Map entries merge by key; lists replace the default list.
func ParseTables(data []byte) (*Tables, error) {
	t := DefaultTables()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil {
		return nil, fmt.Errorf("parse routing tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("routing tables: %w", err)
	}
	return t, nil
}

// LoadTables reads a tables document from path.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTables(data)
}

// LoadTablesOrDefault loads path, falling back to [DefaultTables] when
// the file is absent or malformed.
func LoadTablesOrDefault(path string, logger *slog.Logger) *Tables {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return DefaultTables()
	}
	t, err := LoadTables(path)
	switch {
	case err == nil:
		return t
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("routing tables absent, using defaults", "path", path)
	default:
		logger.Warn("routing tables rejected, using defaults", "path", path, "error", err)
	}
	return DefaultTables()
}

// Inventory is a sorted snapshot of the tables for display.
type Inventory struct {
	Providers []ProviderRow       `json:"providers"`
	Models    []ModelRow          `json:"models"`
	Routes    map[string][]string `json:"routes"`
	Blacklist []string            `json:"blacklistedModels"`
}

// ProviderRow is one provider in an [Inventory].
type ProviderRow struct {
	Name       string `json:"provider"`
	Configured bool   `json:"configured"`
	Verified   bool   `json:"verified"`
}

// ModelRow is one model in an [Inventory].
type ModelRow struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Verified  bool   `json:"verified"`
	Available bool   `json:"available"`
}

// Inventory lists providers and models in name order.
func (t *Tables) Inventory() Inventory {
	inv := Inventory{
		Routes:    t.Routes,
		Blacklist: append([]string(nil), t.Blacklist...),
	}
	for name, p := range t.Providers {
		inv.Providers = append(inv.Providers, ProviderRow{Name: name, Configured: p.Configured, Verified: p.Verified})
	}
	sort.Slice(inv.Providers, func(i, j int) bool { return inv.Providers[i].Name < inv.Providers[j].Name })
	for id, m := range t.Models {
		inv.Models = append(inv.Models, ModelRow{ID: id, Provider: m.Provider, Verified: m.Verified, Available: t.Available(id)})
	}
	sort.Slice(inv.Models, func(i, j int) bool { return inv.Models[i].ID < inv.Models[j].ID })
	return inv
}
