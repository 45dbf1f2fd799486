package budget

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is a metered external call the guard prices and admits.
type Action struct {
	Type     string // tweet, follow, unfollow, lookup, other
	Method   string
	Endpoint string
	// Details is a short operator-facing note carried into the queue.
	Details string
	// CostOverride, when non-nil and a finite non-negative number, is
	// used instead of any table lookup.
	CostOverride *float64
}

// Normalize upper-cases the method, roots the endpoint and defaults
// the action type.
func (a Action) Normalize() Action {
	a.Method = strings.ToUpper(strings.TrimSpace(a.Method))
	if a.Method == "" {
		a.Method = "GET"
	}
	a.Endpoint = NormalizeEndpoint(a.Endpoint)
	a.Type = strings.TrimSpace(a.Type)
	if a.Type == "" {
		a.Type = "other"
	}
	return a
}

// NormalizeEndpoint returns endpoint with a leading slash.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}

// DefaultUnknownCost is charged for calls that match no cost row.
const DefaultUnknownCost = 0.01

// CostRow prices one method and endpoint pattern. Pattern segments
// beginning with ':' match any single non-empty path segment.
type CostRow struct {
	Method   string  `yaml:"method" json:"method"`
	Endpoint string  `yaml:"endpoint" json:"endpoint"`
	Cost     float64 `yaml:"cost" json:"cost"`
}

// CostTable is an ordered list of rows; the first match wins.
type CostTable struct {
	Rows    []CostRow
	Unknown float64
}

// BuiltinCosts returns the conservative compiled-in table.
func BuiltinCosts() *CostTable {
	return &CostTable{
		Rows: []CostRow{
			{Method: "GET", Endpoint: "/2/users/me", Cost: 0.005},
			{Method: "POST", Endpoint: "/2/tweets", Cost: 0.02},
			{Method: "POST", Endpoint: "/2/users/:id/following", Cost: 0.02},
			{Method: "DELETE", Endpoint: "/2/users/:id/following/:target_user_id", Cost: 0.02},
		},
		Unknown: DefaultUnknownCost,
	}
}

// Lookup returns the cost of the first row matching method and
// endpoint.
func (t *CostTable) Lookup(method, endpoint string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	method = strings.ToUpper(method)
	endpoint = matchPath(endpoint)
	for _, r := range t.Rows {
		if strings.ToUpper(r.Method) == method && matchPattern(r.Endpoint, endpoint) {
			return r.Cost, true
		}
	}
	return 0, false
}

// Estimate returns the matched cost or the table's unknown default.
func (t *CostTable) Estimate(method, endpoint string) float64 {
	if c, ok := t.Lookup(method, endpoint); ok {
		return c
	}
	if t == nil {
		return DefaultUnknownCost
	}
	return t.Unknown
}

// matchPath strips the query string and any trailing slash.
func matchPath(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = NormalizeEndpoint(endpoint)
	if len(endpoint) > 1 {
		endpoint = strings.TrimSuffix(endpoint, "/")
	}
	return endpoint
}

func matchPattern(pattern, path string) bool {
	ps := strings.Split(matchPath(pattern), "/")
	xs := strings.Split(path, "/")
	if len(ps) != len(xs) {
		return false
	}
	for i, p := range ps {
		if strings.HasPrefix(p, ":") {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if p != xs[i] {
			return false
		}
	}
	return true
}

// Pricing is an operator-maintained override of the builtin table.
type Pricing struct {
	Defaults struct {
		Unknown *float64 `yaml:"unknown" json:"unknown"`
	} `yaml:"defaults" json:"defaults"`
	Routes []CostRow `yaml:"routes" json:"routes"`
}

// ParsePricing decodes a pricing document. JSON is accepted as a YAML
// subset.
func ParsePricing(data []byte) (*Pricing, error) {
	var p Pricing
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}
	for i, r := range p.Routes {
		if !validCost(r.Cost) {
			return nil, fmt.Errorf("pricing route %d (%s %s): cost must be between 0 and %d", i, r.Method, r.Endpoint, MaxCostUSD)
		}
	}
	if p.Defaults.Unknown != nil && !validCost(*p.Defaults.Unknown) {
		return nil, fmt.Errorf("pricing defaults.unknown must be between 0 and %d", MaxCostUSD)
	}
	return &p, nil
}

// LoadPricing reads a pricing file. A missing file returns nil and no
// error: the builtin table applies.
func LoadPricing(path string) (*Pricing, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}
	return ParsePricing(data)
}

// lookup prices from the override file; ok is false when the file has
// neither a matching route nor an unknown default.
func (p *Pricing) lookup(method, endpoint string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	t := CostTable{Rows: p.Routes}
	if c, ok := t.Lookup(method, endpoint); ok {
		return c, true
	}
	if p.Defaults.Unknown != nil {
		return *p.Defaults.Unknown, true
	}
	return 0, false
}

func validCost(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= MaxCostUSD
}
