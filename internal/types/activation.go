package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleKind discriminates the closed set of activation rule variants.
type RuleKind string

const (
	RuleAll       RuleKind = "ALL"
	RuleAny       RuleKind = "ANY"
	RuleAnyN      RuleKind = "ANY_N"
	RuleTemporal  RuleKind = "TEMPORAL"
	RuleProximity RuleKind = "PROXIMITY"
	RuleSentiment RuleKind = "SENTIMENT"
	RuleNegation  RuleKind = "NEGATION"
	RulePattern   RuleKind = "PATTERN"
	RuleComposite RuleKind = "COMPOSITE"
)

// Sentiment alignment values accepted by SENTIMENT rules.
const (
	AlignConsistent  = "consistent"
	AlignContrasting = "contrasting"
)

// ActivationRule is a closed tagged union. Exactly the fields belonging to
// Kind are meaningful; everything else stays zero. The wire form is an
// object with a "type" discriminator; unknown types are rejected at decode
// time so a registry snapshot can never hold a rule the evaluator does not
// understand.
type ActivationRule struct {
	Kind RuleKind

	// ALL / ANY / ANY_N / TEMPORAL / PROXIMITY
	Components []string

	// ANY_N
	Count int

	// TEMPORAL
	Window      int
	StrictOrder bool

	// PROXIMITY
	MaxDistance int

	// SENTIMENT
	Alignment string

	// NEGATION
	Inner          *ActivationRule
	AllowsNegation bool

	// PATTERN
	Pattern string

	// COMPOSITE
	Rules      []ActivationRule
	Combinator RuleKind // ALL or ANY
}

// rawRule is the permissive wire shape shared by JSON and YAML decoding.
type rawRule struct {
	Type           string           `json:"type" yaml:"type"`
	Components     []string         `json:"components" yaml:"components"`
	Count          int              `json:"count" yaml:"count"`
	Window         int              `json:"window" yaml:"window"`
	StrictOrder    bool             `json:"strict_order" yaml:"strict_order"`
	MaxDistance    int              `json:"max_distance" yaml:"max_distance"`
	Alignment      string           `json:"alignment" yaml:"alignment"`
	Rule           *ActivationRule  `json:"rule" yaml:"rule"`
	AllowsNegation bool             `json:"allows_negation" yaml:"allows_negation"`
	Pattern        string           `json:"pattern" yaml:"pattern"`
	Rules          []ActivationRule `json:"rules" yaml:"rules"`
	Combinator     string           `json:"combinator" yaml:"combinator"`
}

// Defaults mirrored from the original rule corpus.
const (
	defaultTemporalWindow  = 10
	defaultProximityTokens = 20
	defaultAnyNCount       = 2
)

func (r *ActivationRule) fromRaw(raw rawRule) error {
	kind := RuleKind(strings.ToUpper(strings.TrimSpace(raw.Type)))
	switch kind {
	case RuleAll, RuleAny:
		if len(raw.Components) == 0 {
			return fmt.Errorf("rule %s: components are required", kind)
		}
		*r = ActivationRule{Kind: kind, Components: raw.Components}
	case RuleAnyN:
		if len(raw.Components) == 0 {
			return fmt.Errorf("rule ANY_N: components are required")
		}
		n := raw.Count
		if n <= 0 {
			n = defaultAnyNCount
		}
		*r = ActivationRule{Kind: kind, Components: raw.Components, Count: n}
	case RuleTemporal:
		if len(raw.Components) == 0 {
			return fmt.Errorf("rule TEMPORAL: components are required")
		}
		w := raw.Window
		if w <= 0 {
			w = defaultTemporalWindow
		}
		*r = ActivationRule{Kind: kind, Components: raw.Components, Window: w, StrictOrder: raw.StrictOrder}
	case RuleProximity:
		if len(raw.Components) == 0 {
			return fmt.Errorf("rule PROXIMITY: components are required")
		}
		d := raw.MaxDistance
		if d <= 0 {
			d = defaultProximityTokens
		}
		*r = ActivationRule{Kind: kind, Components: raw.Components, MaxDistance: d}
	case RuleSentiment:
		a := strings.ToLower(strings.TrimSpace(raw.Alignment))
		switch a {
		case SentimentPositive, SentimentNegative, SentimentNeutral, AlignConsistent, AlignContrasting:
		default:
			return fmt.Errorf("rule SENTIMENT: unknown alignment %q", raw.Alignment)
		}
		*r = ActivationRule{Kind: kind, Alignment: a}
	case RuleNegation:
		if raw.Rule == nil {
			return fmt.Errorf("rule NEGATION: inner rule is required")
		}
		*r = ActivationRule{Kind: kind, Inner: raw.Rule, AllowsNegation: raw.AllowsNegation}
	case RulePattern:
		if strings.TrimSpace(raw.Pattern) == "" {
			return fmt.Errorf("rule PATTERN: pattern is required")
		}
		*r = ActivationRule{Kind: kind, Pattern: raw.Pattern}
	case RuleComposite:
		if len(raw.Rules) == 0 {
			return fmt.Errorf("rule COMPOSITE: rules are required")
		}
		comb := RuleKind(strings.ToUpper(strings.TrimSpace(raw.Combinator)))
		if comb == "" {
			comb = RuleAll
		}
		if comb != RuleAll && comb != RuleAny {
			return fmt.Errorf("rule COMPOSITE: combinator must be ALL or ANY, got %q", raw.Combinator)
		}
		*r = ActivationRule{Kind: kind, Rules: raw.Rules, Combinator: comb}
	default:
		return fmt.Errorf("unknown activation rule type %q", raw.Type)
	}
	return nil
}

// UnmarshalJSON decodes the tagged wire form, rejecting unknown rule types.
func (r *ActivationRule) UnmarshalJSON(data []byte) error {
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return r.fromRaw(raw)
}

// UnmarshalYAML decodes the same tagged form from YAML documents.
func (r *ActivationRule) UnmarshalYAML(value *yaml.Node) error {
	var raw rawRule
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return r.fromRaw(raw)
}

// MarshalJSON re-emits the tagged wire form.
func (r ActivationRule) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": string(r.Kind)}
	switch r.Kind {
	case RuleAll, RuleAny:
		out["components"] = r.Components
	case RuleAnyN:
		out["components"] = r.Components
		out["count"] = r.Count
	case RuleTemporal:
		out["components"] = r.Components
		out["window"] = r.Window
		if r.StrictOrder {
			out["strict_order"] = true
		}
	case RuleProximity:
		out["components"] = r.Components
		out["max_distance"] = r.MaxDistance
	case RuleSentiment:
		out["alignment"] = r.Alignment
	case RuleNegation:
		out["rule"] = r.Inner
		if r.AllowsNegation {
			out["allows_negation"] = true
		}
	case RulePattern:
		out["pattern"] = r.Pattern
	case RuleComposite:
		out["rules"] = r.Rules
		out["combinator"] = string(r.Combinator)
	}
	return json.Marshal(out)
}

// Referenced collects every marker id referenced anywhere in the rule tree.
func (r *ActivationRule) Referenced() []string {
	seen := map[string]struct{}{}
	var walk func(*ActivationRule)
	walk = func(n *ActivationRule) {
		if n == nil {
			return
		}
		for _, c := range n.Components {
			seen[c] = struct{}{}
		}
		walk(n.Inner)
		for i := range n.Rules {
			walk(&n.Rules[i])
		}
	}
	walk(r)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Depth returns the nesting depth of the rule tree (a leaf rule is 1).
func (r *ActivationRule) Depth() int {
	if r == nil {
		return 0
	}
	max := 0
	if d := r.Inner.Depth(); d > max {
		max = d
	}
	for i := range r.Rules {
		if d := r.Rules[i].Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Patterns collects every regex carried by PATTERN rules in the tree.
func (r *ActivationRule) Patterns() []string {
	var out []string
	var walk func(*ActivationRule)
	walk = func(n *ActivationRule) {
		if n == nil {
			return
		}
		if n.Kind == RulePattern {
			out = append(out, n.Pattern)
		}
		walk(n.Inner)
		for i := range n.Rules {
			walk(&n.Rules[i])
		}
	}
	walk(r)
	return out
}
