package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// policySchema validates the policy document shape before strict decoding.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "planners", "executors"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "planners": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "executors": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "guards": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expr": {"type": "string", "minLength": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// supportedVersions gates which policy document versions this build accepts.
const supportedVersions = "^1"

// File is the on-disk shape of the policy document.
type File struct {
	Version   string   `yaml:"version" json:"version"`
	Planners  []string `yaml:"planners" json:"planners"`
	Executors []string `yaml:"executors" json:"executors"`
	Guards    []Guard  `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// Policy is the loaded, validated policy document with identities resolved.
type Policy struct {
	Version   *semver.Version
	Planners  []uuid.UUID
	Executors []uuid.UUID
	Guards    []Guard
}

// GuardSet compiles the policy's guards.
func (p *Policy) GuardSet() (*GuardSet, error) {
	return NewGuardSet(p.Guards)
}

// Load reads and parses the policy file at path. Any validation failure is
// fatal: a service with a bad policy must not start.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Parse validates raw YAML against the policy schema, gates the version, and
// resolves role identities.
func Parse(data []byte) (*Policy, error) {
	// 1. Decode generically and validate the document shape.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	// 2. Strict decode into the typed form.
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}

	// 3. Gate the document version.
	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid policy version %q: %w", f.Version, err)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("policy version %s not supported (requires %s)", f.Version, supportedVersions)
	}

	// 4. Resolve role identities.
	planners, err := parseAccounts("planners", f.Planners)
	if err != nil {
		return nil, err
	}
	executors, err := parseAccounts("executors", f.Executors)
	if err != nil {
		return nil, err
	}

	return &Policy{
		Version:   v,
		Planners:  planners,
		Executors: executors,
		Guards:    f.Guards,
	}, nil
}

func validateSchema(doc any) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("policy.json", strings.NewReader(policySchema)); err != nil {
		return fmt.Errorf("failed to add policy schema: %w", err)
	}
	schema, err := compiler.Compile("policy.json")
	if err != nil {
		return fmt.Errorf("failed to compile policy schema: %w", err)
	}
	// jsonschema validates values decoded by encoding/json, so round-trip
	// the YAML document through JSON first.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to normalize policy document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("failed to normalize policy document: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("policy document invalid: %w", err)
	}
	return nil
}

func parseAccounts(field string, raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	seen := make(map[uuid.UUID]bool, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid account %q in %s: %w", s, field, err)
		}
		if id == uuid.Nil {
			return nil, fmt.Errorf("nil account in %s", field)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate account %s in %s", id, field)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
