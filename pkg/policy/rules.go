package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec is the declarative form of a named policy, as it appears in rules
// files and daemon configuration.
type Spec struct {
	// Name is the registry key sessions bind to.
	Name string `json:"name" toml:"name" yaml:"name"`

	// Type selects the policy: "always", "max-value" or "max-len".
	Type string `json:"type" toml:"type" yaml:"type"`

	// Limit is the numeric ceiling for max-value policies.
	Limit uint64 `json:"limit,omitempty" toml:"limit,omitempty" yaml:"limit,omitempty"`

	// MaxDigits is the digit-count ceiling for max-len policies.
	MaxDigits int `json:"max_digits,omitempty" toml:"max_digits,omitempty" yaml:"max_digits,omitempty"`

	// Disabled registers the policy without activating it.
	Disabled bool `json:"disabled,omitempty" toml:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Build instantiates the policy the spec describes.
func (s Spec) Build() (Policy, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrBadSpec)
	}

	switch s.Type {
	case "always":
		return Always(), nil
	case "max-value":
		if s.Limit == 0 {
			return nil, fmt.Errorf("%w: policy %q: max-value needs limit > 0", ErrBadSpec, s.Name)
		}
		return MaxValue(s.Limit), nil
	case "max-len":
		if s.MaxDigits <= 0 {
			return nil, fmt.Errorf("%w: policy %q: max-len needs max_digits > 0", ErrBadSpec, s.Name)
		}
		return MaxLen(s.MaxDigits), nil
	default:
		return nil, fmt.Errorf("%w: policy %q: unknown type %q", ErrBadSpec, s.Name, s.Type)
	}
}

// RulesFile is the on-disk JSON document declaring named policies.
type RulesFile struct {
	Version  int    `json:"version"`
	Policies []Spec `json:"policies"`
}

// RulesVersion is the rules file format version this package reads.
const RulesVersion = 1

// rulesSchema validates rules documents before any spec is interpreted, so
// malformed files fail at load with a precise path instead of surfacing as
// odd policy behavior later.
const rulesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "keypad policy rules",
  "type": "object",
  "required": ["version", "policies"],
  "additionalProperties": false,
  "properties": {
    "version": {"const": 1},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
          "type": {"enum": ["always", "max-value", "max-len"]},
          "limit": {"type": "integer", "minimum": 1},
          "max_digits": {"type": "integer", "minimum": 1},
          "disabled": {"type": "boolean"}
        },
        "allOf": [
          {
            "if": {"properties": {"type": {"const": "max-value"}}},
            "then": {"required": ["limit"]}
          },
          {
            "if": {"properties": {"type": {"const": "max-len"}}},
            "then": {"required": ["max_digits"]}
          }
        ]
      }
    }
  }
}`

var (
	rulesSchemaOnce sync.Once
	rulesSchemaErr  error
	rulesCompiled   *jsonschema.Schema
)

func compiledRulesSchema() (*jsonschema.Schema, error) {
	rulesSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rules.schema.json", strings.NewReader(rulesSchema)); err != nil {
			rulesSchemaErr = fmt.Errorf("add rules schema: %w", err)
			return
		}
		rulesCompiled, rulesSchemaErr = compiler.Compile("rules.schema.json")
	})
	return rulesCompiled, rulesSchemaErr
}

// ValidateRules checks a rules document against the embedded schema.
func ValidateRules(data []byte) error {
	schema, err := compiledRulesSchema()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	return nil
}

// LoadRules reads, validates and decodes a rules file, returning the
// declared specs. Every spec is build-checked so callers can hand the
// result straight to Registry.Replace.
func LoadRules(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	if err := ValidateRules(data); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}

	var rules RulesFile
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode rules file %s: %w", path, err)
	}

	for _, spec := range rules.Policies {
		if _, err := spec.Build(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return rules.Policies, nil
}

// MergeRules combines inline specs with an optional rules file. File
// definitions win on name collisions. An empty path returns the inline
// specs unchanged.
func MergeRules(inline []Spec, path string) ([]Spec, error) {
	specs := append([]Spec(nil), inline...)
	if path == "" {
		return specs, nil
	}

	fileSpecs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(specs))
	for i, s := range specs {
		byName[s.Name] = i
	}
	for _, s := range fileSpecs {
		if i, ok := byName[s.Name]; ok {
			specs[i] = s
			continue
		}
		specs = append(specs, s)
	}
	return specs, nil
}
