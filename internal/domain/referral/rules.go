package referral

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// CardinalityRule requires at least Min resources of Entity.
type CardinalityRule struct {
	Entity string `yaml:"entity"`
	Min    int    `yaml:"min"`
}

// FieldRule requires Field to be set on the first resource of Entity.
type FieldRule struct {
	Entity string
	Field  string
}

func (r FieldRule) String() string {
	return r.Entity + "." + r.Field
}

// Rules is the mandatory-data rule set applied to a projected bundle.
type Rules struct {
	Required    []string
	Cardinality []CardinalityRule
	Fields      []FieldRule
}

type rulesFile struct {
	Required    []string          `yaml:"required"`
	Cardinality []CardinalityRule `yaml:"cardinality"`
	Fields      []string          `yaml:"fields"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded referral rules: %v", err))
	}
	return r
}

// LoadRules reads a rule file, or returns the embedded rules when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and checks a YAML rule set. Unknown entity names and
// malformed field rules are rejected.
func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	r := &Rules{Required: f.Required, Cardinality: f.Cardinality}
	for _, e := range f.Required {
		if !knownEntity(e) {
			return nil, fmt.Errorf("required: unknown entity %q", e)
		}
	}
	for _, c := range f.Cardinality {
		if !countable(c.Entity) {
			return nil, fmt.Errorf("cardinality: entity %q is not countable", c.Entity)
		}
		if c.Min < 1 {
			return nil, fmt.Errorf("cardinality: %s min must be at least 1, got %d", c.Entity, c.Min)
		}
	}
	for _, s := range f.Fields {
		entity, field, ok := strings.Cut(s, ".")
		if !ok || field == "" {
			return nil, fmt.Errorf("fields: %q must be Entity.field", s)
		}
		if canonical := resourceTypes[strings.ToLower(entity)]; canonical != entity {
			return nil, fmt.Errorf("fields: unknown entity %q", entity)
		}
		r.Fields = append(r.Fields, FieldRule{Entity: entity, Field: field})
	}
	return r, nil
}

// Validate applies every rule and returns all failures. An entity that is
// absent is reported once; field rules for it are skipped.
func (r *Rules) Validate(p BundleProjection) []ValidationFailure {
	var failures []ValidationFailure
	missing := map[string]bool{}

	for _, e := range r.Required {
		if p.Has(e) {
			continue
		}
		missing[e] = true
		failures = append(failures, ValidationFailure{
			Field:   e,
			Message: fmt.Sprintf("The required FHIR bundle entity '%s' is missing", e),
			Code:    CodeMissingBundleEntity,
		})
	}

	for _, c := range r.Cardinality {
		n := p.Count(c.Entity)
		if n >= c.Min || missing[c.Entity] {
			continue
		}
		failures = append(failures, ValidationFailure{
			Field:   c.Entity,
			Message: fmt.Sprintf("The FHIR bundle must contain at least %d '%s' entities, found %d", c.Min, c.Entity, n),
			Code:    CodeMinCardinality,
		})
	}

	for _, f := range r.Fields {
		if !p.Has(f.Entity) || p.HasField(f.Entity, f.Field) {
			continue
		}
		failures = append(failures, ValidationFailure{
			Field:   f.String(),
			Message: f.String() + " is required",
			Code:    CodeMissingEntityField,
		})
	}
	return failures
}
