package match

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// SessionView resolves session predicate keys to counter values.
// A missing counter resolves to 0.
type SessionView interface {
	Counter(key string) float64
}

// EventCounter counts session events for chain predicates. A nil counter
// means the session has no buffer, which fails every chain.
type EventCounter func(tool string, within time.Duration, verdict *rule.Verdict) int

// Query is one tool call to evaluate against a Snapshot.
type Query struct {
	Tool    string
	Args    map[string]interface{}
	Sender  string
	Context map[string]interface{}

	// Session may be nil when the call carries no session.
	Session SessionView
	// CountEvents may be nil when the session has no event buffer.
	CountEvents EventCounter
	// SessionTainted gates rules listed in the set's taint_chain: those
	// only fire when PII has already flowed through the session.
	SessionTainted bool
}

// Match evaluates the query against every candidate rule and returns the
// best match under the ranking (priority ASC, restrictiveness DESC,
// severity DESC). The second return is false when no rule matched.
func (s *Snapshot) Match(q Query, ctxEval *ContextEvaluator) (*CompiledRule, bool) {
	var matched []*CompiledRule
	for _, cr := range s.Candidates(q.Tool) {
		if s.evaluate(cr, q, ctxEval) {
			matched = append(matched, cr)
		}
	}
	if len(matched) == 0 {
		return nil, false
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].Rule, matched[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ar, br := a.Then.Restrictiveness(), b.Then.Restrictiveness(); ar != br {
			return ar > br
		}
		return a.Severity.Rank() > b.Severity.Rank()
	})
	return matched[0], true
}

// evaluate runs the clause checks in fixed order; the first failing
// clause discards the candidate.
func (s *Snapshot) evaluate(cr *CompiledRule, q Query, ctxEval *ContextEvaluator) bool {
	if !cr.matchesTool(q.Tool) {
		return false
	}
	if s.Set != nil && s.Set.RequiresTaint(cr.Rule.ID) && !q.SessionTainted {
		return false
	}
	if !cr.matchesArgs(q.Args) {
		return false
	}
	if !cr.matchesSession(q.Session) {
		return false
	}
	if cr.sender != nil && !cr.sender.MatchString(q.Sender) {
		return false
	}
	if len(cr.context) > 0 {
		if ctxEval == nil {
			ctxEval = NewContextEvaluator(nil)
		}
		if !ctxEval.Evaluate(cr.context, q.Context) {
			return false
		}
	}
	return cr.matchesChain(q.CountEvents)
}

// matchesArgs runs the compiled predicates left to right, short-circuiting
// on the first failure. A missing argument never matches, except for
// not_contains which is satisfied by absence.
func (cr *CompiledRule) matchesArgs(args map[string]interface{}) bool {
	for _, pred := range cr.args {
		value, present := lookupField(args, pred.field)
		if !matchPredicate(pred, value, present) {
			return false
		}
	}
	return true
}

func matchPredicate(pred argPredicate, value string, present bool) bool {
	switch {
	case pred.src.NotContains != "":
		if !present {
			return true
		}
		return !strings.Contains(value, pred.src.NotContains)
	case !present:
		return false
	case pred.regex != nil:
		return pred.regex.MatchString(value)
	case pred.src.Eq != nil:
		return value == *pred.src.Eq
	case pred.src.Contains != "":
		return strings.Contains(value, pred.src.Contains)
	default:
		// An empty predicate only requires the field to be present.
		return true
	}
}

// matchesSession applies every session comparison; missing counters
// evaluate against 0.
func (cr *CompiledRule) matchesSession(view SessionView) bool {
	if len(cr.session) == 0 {
		return true
	}
	for _, key := range sortedConditionKeys(cr.session) {
		value := 0.0
		if view != nil {
			value = view.Counter(key)
		}
		if !cr.session[key].Evaluate(value) {
			return false
		}
	}
	return true
}

// matchesChain requires every step to have enough recent events.
func (cr *CompiledRule) matchesChain(count EventCounter) bool {
	if len(cr.chain) == 0 {
		return true
	}
	if count == nil {
		return false
	}
	for _, step := range cr.chain {
		if count(step.tool, step.within, step.verdict) < step.minCount {
			return false
		}
	}
	return true
}

// lookupField resolves a possibly dotted field path against the args tree
// and returns the value's string form.
func lookupField(args map[string]interface{}, field string) (string, bool) {
	var current interface{} = args
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok {
			return "", false
		}
	}
	return stringify(current), true
}

// stringify renders an argument value the way predicates compare it.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]rule.ArgPredicate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedConditionKeys(m map[string]rule.SessionCondition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
