// Package config handles bort configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // budget day keys need zone data on minimal hosts

	"gopkg.in/yaml.v3"

	"github.com/bort-os/bort/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./bort.yaml, ~/.config/bort/bort.yaml, /etc/bort/bort.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"bort.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bort", "bort.yaml"))
	}

	paths = append(paths, "/etc/bort/bort.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bort configuration.
type Config struct {
	// Workspace is the directory relative prefix roots are anchored at.
	Workspace string `yaml:"workspace"`
	// Paths maps prefix names ("memory", "os") to directories.
	Paths     map[string]string `yaml:"paths"`
	LogLevel  string            `yaml:"log_level"`
	LogFormat string            `yaml:"log_format"` // text or json
	// Timezone decides where the budget day boundary falls.
	Timezone    string            `yaml:"timezone"`
	Policy      PolicyConfig      `yaml:"policy"`
	Routing     RoutingConfig     `yaml:"routing"`
	Budget      BudgetConfig      `yaml:"budget"`
	XAPI        XAPIConfig        `yaml:"x_api"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Audit       AuditConfig       `yaml:"audit"`
}

// PolicyConfig locates the role policy document.
type PolicyConfig struct {
	File string `yaml:"file"`
	// Watch reloads the document on change in long-running commands.
	Watch bool `yaml:"watch"`
}

// RoutingConfig locates the model availability and route tables.
type RoutingConfig struct {
	File string `yaml:"file"`
}

// BudgetConfig defines the daily spend cap and where spend is kept.
type BudgetConfig struct {
	DailyCapUSD float64      `yaml:"daily_cap_usd"`
	Ledger      LedgerConfig `yaml:"ledger"`
	QueuePath   string       `yaml:"queue_path"`
	PricingFile string       `yaml:"pricing_file"`
}

// LedgerConfig selects the ledger store.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // file, sqlite, postgres
	Path    string `yaml:"path"`    // file and sqlite
	DSN     string `yaml:"dsn"`     // postgres
}

// XAPIConfig defines the metered external API.
type XAPIConfig struct {
	BaseURL    string          `yaml:"base_url"`
	TokenURL   string          `yaml:"token_url"`
	TimeoutSec int             `yaml:"timeout_sec"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles metered calls within one process. A zero
// PerMinute disables the limiter.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// CredentialsConfig selects the credential store.
type CredentialsConfig struct {
	Backend string `yaml:"backend"` // file or sqlite
	File    string `yaml:"file"`
	DB      string `yaml:"db"`
}

// AuditConfig defines where routing and rejection events are recorded.
type AuditConfig struct {
	// Dir receives per-hat markdown logs. Empty disables them.
	Dir  string     `yaml:"dir"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the optional MQTT audit sink. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	ConnectTimeout  int    `yaml:"connect_timeout_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, layered over [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Paths: map[string]string{
			"memory": "memory",
			"os":     "os",
		},
		LogLevel:  "info",
		LogFormat: "text",
		Timezone:  "America/Phoenix",
		Policy: PolicyConfig{
			File: "os:hat-profiles.yaml",
		},
		Routing: RoutingConfig{
			File: "os:routing.yaml",
		},
		Budget: BudgetConfig{
			DailyCapUSD: 0.25,
			Ledger: LedgerConfig{
				Backend: "file",
				Path:    "memory:x_budget_ledger.json",
			},
			QueuePath:   "memory:x_queue.md",
			PricingFile: "os:x_pricing.json",
		},
		XAPI: XAPIConfig{
			BaseURL:    "https://api.x.com",
			TokenURL:   "https://api.x.com/2/oauth2/token",
			TimeoutSec: 30,
		},
		Credentials: CredentialsConfig{
			Backend: "file",
			File:    "~/.openclaw/openclaw.json",
			DB:      "memory:credentials.db",
		},
		Audit: AuditConfig{
			Dir: "memory:",
			MQTT: MQTTConfig{
				DeviceName:      "bort",
				DiscoveryPrefix: "homeassistant",
				ConnectTimeout:  5,
			},
		},
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Budget.DailyCapUSD < 0 {
		return fmt.Errorf("budget.daily_cap_usd must be >= 0, got %v", c.Budget.DailyCapUSD)
	}
	switch c.Budget.Ledger.Backend {
	case "file", "sqlite":
		if c.Budget.Ledger.Path == "" {
			return fmt.Errorf("budget.ledger.path is required for backend %q", c.Budget.Ledger.Backend)
		}
	case "postgres":
		if c.Budget.Ledger.DSN == "" {
			return fmt.Errorf("budget.ledger.dsn is required for backend postgres")
		}
	default:
		return fmt.Errorf("budget.ledger.backend %q (valid: file, sqlite, postgres)", c.Budget.Ledger.Backend)
	}
	switch c.Credentials.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("credentials.backend %q (valid: file, sqlite)", c.Credentials.Backend)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.XAPI.RateLimit.PerMinute < 0 || c.XAPI.RateLimit.Burst < 0 {
		return fmt.Errorf("x_api.rate_limit values must be >= 0")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the timezone the budget day is keyed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Resolver builds the prefix resolver for configured paths.
func (c *Config) Resolver() *paths.Resolver {
	return paths.New(c.Workspace, c.Paths)
}

// ResolvePath expands a configured path value. Empty stays empty.
func (c *Config) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return c.Resolver().Resolve(p)
}
