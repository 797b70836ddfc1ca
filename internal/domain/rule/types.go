// Package rule contains the declarative rule model for PolicyShield.
package rule

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Verdict is the engine's decision for a single tool call.
type Verdict string

const (
	// VerdictAllow permits the tool call to proceed unchanged.
	VerdictAllow Verdict = "ALLOW"
	// VerdictRedact permits the call with PII-redacted arguments.
	VerdictRedact Verdict = "REDACT"
	// VerdictApprove blocks the call pending an out-of-band human decision.
	VerdictApprove Verdict = "APPROVE"
	// VerdictBlock denies the tool call.
	VerdictBlock Verdict = "BLOCK"
)

// ParseVerdict parses a verdict spelling in either case.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return VerdictAllow, nil
	case "REDACT":
		return VerdictRedact, nil
	case "APPROVE":
		return VerdictApprove, nil
	case "BLOCK":
		return VerdictBlock, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// Restrictiveness orders verdicts for tie-breaking: ALLOW < REDACT < APPROVE < BLOCK.
func (v Verdict) Restrictiveness() int {
	switch v {
	case VerdictAllow:
		return 0
	case VerdictRedact:
		return 1
	case VerdictApprove:
		return 2
	case VerdictBlock:
		return 3
	default:
		return -1
	}
}

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	return v.Restrictiveness() >= 0
}

// Severity is a secondary sort key for rule ranking.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity parses a severity spelling in either case.
// An empty string parses to SeverityMedium.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return SeverityMedium, nil
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Rank returns the ordering LOW < MEDIUM < HIGH < CRITICAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ApprovalStrategy controls how long an approval decision is cached.
type ApprovalStrategy string

const (
	// StrategyOnce never caches; every matching call asks again.
	StrategyOnce ApprovalStrategy = "once"
	// StrategyPerSession caches the decision for the session/rule pair.
	StrategyPerSession ApprovalStrategy = "per_session"
	// StrategyPerRule caches the decision process-wide for the rule.
	StrategyPerRule ApprovalStrategy = "per_rule"
	// StrategyPerTool caches the decision for the session/tool pair.
	StrategyPerTool ApprovalStrategy = "per_tool"
)

// Valid reports whether the strategy is one of the known values.
func (s ApprovalStrategy) Valid() bool {
	switch s {
	case StrategyOnce, StrategyPerSession, StrategyPerRule, StrategyPerTool:
		return true
	}
	return false
}

// ToolPattern matches the `when.tool` key: a single string, a list of
// strings, or a regex. The distinction between literal and regex is made
// at compile time by the matcher.
type ToolPattern struct {
	// Values holds the raw pattern strings from YAML.
	Values []string
}

// UnmarshalYAML accepts either a scalar string or a sequence of strings.
func (t *ToolPattern) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		t.Values = []string{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		t.Values = list
		return nil
	default:
		return fmt.Errorf("tool must be a string or a list of strings")
	}
}

// IsZero reports whether no tool pattern was configured.
func (t ToolPattern) IsZero() bool {
	return len(t.Values) == 0
}

// ArgPredicate is a single match predicate over an argument's string form.
// Exactly one of the fields should be set.
type ArgPredicate struct {
	// Regex is searched (not full-matched) against the string form.
	Regex string `yaml:"regex,omitempty"`
	// Eq compares the string form for equality.
	Eq *string `yaml:"eq,omitempty"`
	// Contains requires the string form to contain the substring.
	Contains string `yaml:"contains,omitempty"`
	// NotContains requires the string form to not contain the substring.
	// A missing argument field satisfies this predicate.
	NotContains string `yaml:"not_contains,omitempty"`
}

// SessionCondition compares a session counter against a threshold.
// Exactly one of the fields should be set.
type SessionCondition struct {
	Gt  *float64 `yaml:"gt,omitempty"`
	Gte *float64 `yaml:"gte,omitempty"`
	Lt  *float64 `yaml:"lt,omitempty"`
	Lte *float64 `yaml:"lte,omitempty"`
	Eq  *float64 `yaml:"eq,omitempty"`
}

// Evaluate applies the condition to a counter value.
func (c SessionCondition) Evaluate(value float64) bool {
	switch {
	case c.Gt != nil:
		return value > *c.Gt
	case c.Gte != nil:
		return value >= *c.Gte
	case c.Lt != nil:
		return value < *c.Lt
	case c.Lte != nil:
		return value <= *c.Lte
	case c.Eq != nil:
		return value == *c.Eq
	default:
		return false
	}
}

// When is the declarative match clause of a rule. All present keys must
// hold for the rule to match.
type When struct {
	// Tool matches the tool name: exact string, list of exact strings, or regex.
	Tool ToolPattern `yaml:"tool,omitempty"`
	// Args maps argument fields to predicates.
	Args map[string]ArgPredicate `yaml:"args,omitempty"`
	// ArgsMatch is an accepted alias for Args.
	ArgsMatch map[string]ArgPredicate `yaml:"args_match,omitempty"`
	// Sender is a regex over the caller-supplied sender identity.
	Sender string `yaml:"sender,omitempty"`
	// Session maps counter names (total_calls, tool_count.<name>) to comparisons.
	Session map[string]SessionCondition `yaml:"session,omitempty"`
	// Context maps context keys to expected values. Scalars compare for
	// equality, lists for membership; a "!" prefix negates. The built-in
	// keys time_of_day and day_of_week take range expressions.
	Context map[string]interface{} `yaml:"context,omitempty"`
}

// EffectiveArgs merges Args and ArgsMatch, with Args taking precedence.
func (w When) EffectiveArgs() map[string]ArgPredicate {
	if len(w.ArgsMatch) == 0 {
		return w.Args
	}
	merged := make(map[string]ArgPredicate, len(w.Args)+len(w.ArgsMatch))
	for k, v := range w.ArgsMatch {
		merged[k] = v
	}
	for k, v := range w.Args {
		merged[k] = v
	}
	return merged
}

// ChainStep is one historical step of a chain rule. The step is satisfied
// when the session's event buffer holds at least MinCount matching events
// newer than WithinSeconds.
type ChainStep struct {
	// Tool is the exact tool name the events must carry.
	Tool string `yaml:"tool"`
	// WithinSeconds is the lookback window. Default 300.
	WithinSeconds int `yaml:"within_seconds,omitempty"`
	// MinCount is the minimum number of matching events. Default 1.
	MinCount int `yaml:"min_count,omitempty"`
	// Verdict optionally filters events by their recorded verdict.
	Verdict string `yaml:"verdict,omitempty"`
}

// DefaultChainWindowSeconds is the lookback applied when a chain step
// omits within_seconds.
const DefaultChainWindowSeconds = 300

// Rule is a single immutable policy rule.
type Rule struct {
	// ID is unique within a rule set.
	ID string `yaml:"id"`
	// Description is optional human-readable documentation.
	Description string `yaml:"description,omitempty"`
	// When is the match clause.
	When When `yaml:"when"`
	// Then is the verdict produced when the rule matches.
	Then Verdict `yaml:"then"`
	// Message is returned to the caller when the rule fires.
	Message string `yaml:"message,omitempty"`
	// Severity is a secondary ranking key. Default MEDIUM.
	Severity Severity `yaml:"severity,omitempty"`
	// Enabled rules participate in matching. Default true.
	Enabled bool `yaml:"enabled,omitempty"`
	// Priority orders matches; lower is more specific. Default 1.
	Priority int `yaml:"priority,omitempty"`
	// ApprovalStrategy selects the approval cache scope for APPROVE rules.
	ApprovalStrategy ApprovalStrategy `yaml:"approval_strategy,omitempty"`
	// Chain is an ordered list of historical steps that must all be satisfied.
	Chain []ChainStep `yaml:"chain,omitempty"`
}

// PIIPattern is a custom PII detector declared in the rule file.
type PIIPattern struct {
	// Name identifies the pattern in messages and traces.
	Name string `yaml:"name"`
	// Pattern is the regex source. Length-capped like all rule regexes.
	Pattern string `yaml:"pattern"`
}

// Set is an immutable, validated collection of rules plus a default
// verdict. Reload swaps whole sets atomically; a Set is never mutated
// after Load returns it.
type Set struct {
	// ShieldName labels the rule set.
	ShieldName string
	// Version is the rule-file schema version declared by the author.
	Version int
	// DefaultVerdict applies when no rule matches. Default ALLOW.
	DefaultVerdict Verdict
	// Rules in file order.
	Rules []Rule
	// Honeypots are tool names that must never be called.
	Honeypots []string
	// PIIPatterns are custom detectors compiled with type CUSTOM.
	PIIPatterns []PIIPattern
	// TaintChain lists chain-rule IDs that additionally require the
	// session to be PII-tainted before they fire.
	TaintChain []string
}

// IsHoneypot reports whether the tool name is a configured honeypot.
func (s *Set) IsHoneypot(tool string) bool {
	for _, h := range s.Honeypots {
		if h == tool {
			return true
		}
	}
	return false
}

// RequiresTaint reports whether the rule ID is listed in taint_chain.
func (s *Set) RequiresTaint(ruleID string) bool {
	for _, id := range s.TaintChain {
		if id == ruleID {
			return true
		}
	}
	return false
}

// EnabledRules returns the enabled rules in file order.
func (s *Set) EnabledRules() []Rule {
	out := make([]Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
