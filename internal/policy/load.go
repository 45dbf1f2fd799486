package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned when a policy document fails schema
// validation or guard compilation.
var ErrInvalidPolicy = errors.New("invalid policy document")

const schemaURL = "https://bort.local/schemas/hat-profiles.json"

// Document is the on-disk policy format. JSON is accepted as a YAML
// subset.
type Document struct {
	Hats map[string]*Hat `yaml:"hats" json:"hats"`
}

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["hats"],
  "properties": {
    "hats": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": {"pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
      "additionalProperties": {"$ref": "#/$defs/hat"}
    }
  },
  "$defs": {
    "strings": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "hat": {
      "type": "object",
      "additionalProperties": false,
      "required": ["allowed_identity_contexts"],
      "properties": {
        "identity_usage": {"type": "string"},
        "allowed_identity_contexts": {
          "type": "array",
          "minItems": 1,
          "items": {"enum": ["human", "agent"]}
        },
        "allowed_task_types": {
          "type": "array",
          "items": {"enum": ["classify", "summarize", "code", "spec", "research", "ops"]}
        },
        "default_data_sensitivity": {"enum": ["low", "medium", "high"]},
        "allowed_commands": {"$ref": "#/$defs/strings"},
        "allowed_skills": {"$ref": "#/$defs/strings"},
        "default_model_chain": {"$ref": "#/$defs/strings"},
        "log_file": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
        "guards": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name", "when", "ask"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "when": {"type": "string", "minLength": 1},
              "ask": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// Parse validates and compiles a policy document. source is recorded
// on the returned table.
func Parse(data []byte, source string) (*Table, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidPolicy, err)
	}
	// The validator expects encoding/json value shapes.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	var d Document
	if err := json.Unmarshal(buf, &d); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPolicy, err)
	}
	for name, h := range d.Hats {
		if h == nil {
			return nil, fmt.Errorf("%w: hat %q is empty", ErrInvalidPolicy, name)
		}
		h.Name = name
		for i := range h.Guards {
			if err := h.Guards[i].compile(); err != nil {
				return nil, fmt.Errorf("%w: hat %q: %v", ErrInvalidPolicy, name, err)
			}
		}
	}
	return newTable(d.Hats, source), nil
}

// Load reads and parses the policy document at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, path)
}

// LoadOrBuiltin loads the document at path, falling back to [Builtin]
// when path is empty, missing, or malformed. It never fails open.
func LoadOrBuiltin(path string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Builtin()
	}
	t, err := Load(path)
	switch {
	case err == nil:
		logger.Debug("policy loaded", "path", path, "hats", len(t.names))
		return t
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("policy file absent, using builtin", "path", path)
	default:
		logger.Warn("policy file rejected, using builtin", "path", path, "error", err)
	}
	return Builtin()
}
