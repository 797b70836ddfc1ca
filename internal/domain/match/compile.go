// Package match compiles rule sets into indexed form and evaluates tool
// calls against them.
package match

import (
	"fmt"
	"regexp"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// argPredicate is one compiled argument check.
type argPredicate struct {
	field string
	src   rule.ArgPredicate
	regex *regexp.Regexp // set when src.Regex is non-empty
}

// chainStep is a ChainStep with defaults applied and the window as a Duration.
type chainStep struct {
	tool     string
	within   time.Duration
	minCount int
	verdict  *rule.Verdict
}

// CompiledRule is an enabled rule with every regex precompiled and the
// structured clauses retained for evaluation.
type CompiledRule struct {
	Rule *rule.Rule

	literalTools map[string]struct{}
	toolRegexes  []*regexp.Regexp
	args         []argPredicate
	sender       *regexp.Regexp
	session      map[string]rule.SessionCondition
	context      map[string]interface{}
	chain        []chainStep
}

// Snapshot is an immutable compiled rule set. Lookups merge the exact
// index bucket for the tool with the wildcard slice.
type Snapshot struct {
	Set *rule.Set

	// Exact indexes rules whose tool patterns are all literal strings.
	Exact map[string][]*CompiledRule
	// Wildcard holds rules with regex tool patterns or no tool clause.
	Wildcard []*CompiledRule
}

// Compile builds a Snapshot from a loaded rule set. The loader has
// already validated every regex, so compile errors indicate a rule set
// constructed in code rather than loaded from YAML.
func Compile(set *rule.Set) (*Snapshot, error) {
	snap := &Snapshot{
		Set:   set,
		Exact: make(map[string][]*CompiledRule),
	}

	for i := range set.Rules {
		r := &set.Rules[i]
		if !r.Enabled {
			continue
		}

		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}

		if len(cr.toolRegexes) == 0 && len(cr.literalTools) > 0 {
			for tool := range cr.literalTools {
				snap.Exact[tool] = append(snap.Exact[tool], cr)
			}
			continue
		}
		snap.Wildcard = append(snap.Wildcard, cr)
	}

	return snap, nil
}

func compileRule(r *rule.Rule) (*CompiledRule, error) {
	cr := &CompiledRule{
		Rule:    r,
		session: r.When.Session,
		context: r.When.Context,
	}

	for _, pat := range r.When.Tool.Values {
		if rule.IsLiteralTool(pat) {
			if cr.literalTools == nil {
				cr.literalTools = make(map[string]struct{})
			}
			cr.literalTools[pat] = struct{}{}
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("tool pattern %q: %w", pat, err)
		}
		cr.toolRegexes = append(cr.toolRegexes, re)
	}

	// Deterministic predicate order: sorted by field name.
	argMap := r.When.EffectiveArgs()
	for _, field := range sortedKeys(argMap) {
		pred := argPredicate{field: field, src: argMap[field]}
		if pred.src.Regex != "" {
			re, err := regexp.Compile(pred.src.Regex)
			if err != nil {
				return nil, fmt.Errorf("args predicate %q: %w", field, err)
			}
			pred.regex = re
		}
		cr.args = append(cr.args, pred)
	}

	if r.When.Sender != "" {
		re, err := regexp.Compile(r.When.Sender)
		if err != nil {
			return nil, fmt.Errorf("sender pattern: %w", err)
		}
		cr.sender = re
	}

	for _, step := range r.Chain {
		cs := chainStep{
			tool:     step.Tool,
			within:   time.Duration(step.WithinSeconds) * time.Second,
			minCount: step.MinCount,
		}
		if cs.within <= 0 {
			cs.within = rule.DefaultChainWindowSeconds * time.Second
		}
		if cs.minCount <= 0 {
			cs.minCount = 1
		}
		if step.Verdict != "" {
			v, err := rule.ParseVerdict(step.Verdict)
			if err != nil {
				return nil, fmt.Errorf("chain step for %q: %w", step.Tool, err)
			}
			cs.verdict = &v
		}
		cr.chain = append(cr.chain, cs)
	}

	return cr, nil
}

// matchesTool checks the compiled tool clause. No clause matches any tool.
func (cr *CompiledRule) matchesTool(tool string) bool {
	if len(cr.literalTools) == 0 && len(cr.toolRegexes) == 0 {
		return true
	}
	if _, ok := cr.literalTools[tool]; ok {
		return true
	}
	for _, re := range cr.toolRegexes {
		if re.MatchString(tool) {
			return true
		}
	}
	return false
}

// Candidates returns the rules that may match the tool, exact bucket first.
func (s *Snapshot) Candidates(tool string) []*CompiledRule {
	exact := s.Exact[tool]
	if len(s.Wildcard) == 0 {
		return exact
	}
	out := make([]*CompiledRule, 0, len(exact)+len(s.Wildcard))
	out = append(out, exact...)
	out = append(out, s.Wildcard...)
	return out
}
