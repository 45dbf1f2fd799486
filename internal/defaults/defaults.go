// Package defaults provides embedded copies of the default operator
// files written by the bort init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example bort.yaml.
//
//go:embed bort.example.yaml
var ConfigYAML []byte

// PolicyYAML is the role policy document matching the builtin hats.
//
//go:embed hat-profiles.yaml
var PolicyYAML []byte

// RoutingYAML is the model availability and route tables document.
//
//go:embed routing.yaml
var RoutingYAML []byte

// PricingJSON is the X API pricing override.
//
//go:embed x_pricing.json
var PricingJSON []byte

// File is one default file and the name init writes it under.
type File struct {
	Name string
	Data []byte
}

// Files lists the operator files in the order init writes them. Names
// are relative to the os: directory except the config.
func Files() []File {
	return []File{
		{Name: "hat-profiles.yaml", Data: PolicyYAML},
		{Name: "routing.yaml", Data: RoutingYAML},
		{Name: "x_pricing.json", Data: PricingJSON},
	}
}
