// Package policy decides which delegations are allowed. Rules are loaded
// once from a YAML document, validated against a JSON schema, checked
// for ambiguity, and immutable afterwards; every exchange evaluates
// against the same in-memory rule set with no locking.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/handoff-labs/handoff/pkg/scope"
)

var (
	// ErrDenied means no rule permits the requested delegation, or a
	// rule condition evaluated false. Never retryable.
	ErrDenied = errors.New("delegation denied by policy")
	// ErrRuleConflict means two rules could match the same exchange.
	ErrRuleConflict = errors.New("ambiguous policy rules")
	// ErrInvalidRules covers structural problems in the rules document.
	ErrInvalidRules = errors.New("invalid policy rules")
)

// Rule permits one actor to exchange tokens addressed to audiences
// matching SubjectAudience for tokens addressed to TargetAudience, with
// MaxScopes as the ceiling. Condition, when present, is a CEL expression
// that must evaluate to true for the rule to apply.
type Rule struct {
	ActorID         string   `yaml:"actor_id" json:"actor_id"`
	SubjectAudience string   `yaml:"subject_audience" json:"subject_audience"`
	TargetAudience  string   `yaml:"target_audience" json:"target_audience"`
	MaxScopes       []string `yaml:"max_scopes" json:"max_scopes"`
	Condition       string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Document is the on-disk rules file.
type Document struct {
	Version int    `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

type compiledRule struct {
	rule    Rule
	index   int
	ceiling scope.Set
	program cel.Program // nil when the rule has no condition
}

// RuleSet is an immutable compiled rules document.
type RuleSet struct {
	rules []compiledRule
}

// Load reads and compiles a rules file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy rules %q: %w", path, err)
	}
	return rs, nil
}

// Parse compiles a YAML rules document. All validation happens here:
// schema shape, glob syntax, CEL conditions, and the single-match
// invariant. A document that parses is safe to evaluate forever.
func Parse(data []byte) (*RuleSet, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: cel environment: %v", ErrInvalidRules, err)
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(doc.Rules))}
	for i, r := range doc.Rules {
		cr := compiledRule{rule: r, index: i, ceiling: scope.New(r.MaxScopes...)}
		if cr.ceiling.IsEmpty() {
			return nil, fmt.Errorf("%w: rule %d has no effective max_scopes", ErrInvalidRules, i)
		}
		if r.Condition != "" {
			prg, err := compileCondition(env, r.Condition)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d condition: %v", ErrInvalidRules, i, err)
			}
			cr.program = prg
		}
		rs.rules = append(rs.rules, cr)
	}

	if err := rs.checkAmbiguity(); err != nil {
		return nil, err
	}
	return rs, nil
}

// checkAmbiguity enforces the single-match invariant: within one
// (actor, target audience) pair, no two subject audience patterns may
// both match some string.
func (rs *RuleSet) checkAmbiguity() error {
	for i := 0; i < len(rs.rules); i++ {
		for j := i + 1; j < len(rs.rules); j++ {
			a, b := rs.rules[i].rule, rs.rules[j].rule
			if a.ActorID != b.ActorID || a.TargetAudience != b.TargetAudience {
				continue
			}
			if globsOverlap(a.SubjectAudience, b.SubjectAudience) {
				return fmt.Errorf("%w: rules %d and %d both match subject audiences under actor %q, target %q",
					ErrRuleConflict, i, j, a.ActorID, a.TargetAudience)
			}
		}
	}
	return nil
}

// match finds the rule for the triple, if any. At most one can match
// once checkAmbiguity has passed.
func (rs *RuleSet) match(actor, subjectAudience, targetAudience string) (*compiledRule, bool) {
	for i := range rs.rules {
		r := &rs.rules[i]
		if r.rule.ActorID != actor || r.rule.TargetAudience != targetAudience {
			continue
		}
		if matchGlob(r.rule.SubjectAudience, subjectAudience) {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Rules returns the declared rules in document order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.rule
	}
	return out
}

func validateSchema(data []byte) error {
	// YAML decodes to richer types than JSON; round-trip through JSON so
	// the schema sees exactly what it was written against.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := rulesSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return nil
}

var rulesSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://handoff.schemas.local/policy/rules.schema.json"
	if err := c.AddResource(url, bytes.NewReader([]byte(rulesSchemaJSON))); err != nil {
		panic(fmt.Sprintf("policy schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("policy schema compile: %v", err))
	}
	return s
}
