package match

import (
	"strconv"
	"strings"
	"time"
)

// Built-in context keys interpreted against the clock rather than the
// caller-supplied context map.
const (
	ContextKeyTimeOfDay = "time_of_day"
	ContextKeyDayOfWeek = "day_of_week"
)

// weekdays in declared range order. time.Weekday starts at Sunday.
var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// ContextEvaluator evaluates `when.context` clauses. The time source is
// injected so tests are deterministic.
type ContextEvaluator struct {
	now func() time.Time
}

// NewContextEvaluator creates an evaluator. A nil clock uses time.Now.
func NewContextEvaluator(now func() time.Time) *ContextEvaluator {
	if now == nil {
		now = time.Now
	}
	return &ContextEvaluator{now: now}
}

// Evaluate checks every key of the clause; all must hold.
func (e *ContextEvaluator) Evaluate(clause, provided map[string]interface{}) bool {
	for key, raw := range clause {
		if !e.evaluateKey(key, raw, provided) {
			return false
		}
	}
	return true
}

func (e *ContextEvaluator) evaluateKey(key string, raw interface{}, provided map[string]interface{}) bool {
	switch key {
	case ContextKeyTimeOfDay:
		spec, ok := raw.(string)
		return ok && e.matchTimeOfDay(spec)
	case ContextKeyDayOfWeek:
		spec, ok := raw.(string)
		return ok && e.matchDayOfWeek(spec)
	default:
		return matchContextValue(raw, provided, key)
	}
}

// matchTimeOfDay matches "HH:MM-HH:MM", inclusive on both ends. A range
// with end before start wraps midnight. A "!" prefix negates.
func (e *ContextEvaluator) matchTimeOfDay(spec string) bool {
	spec, negate := cutNegation(spec)

	bounds := strings.SplitN(spec, "-", 2)
	if len(bounds) != 2 {
		return false
	}
	start, ok1 := parseMinutes(bounds[0])
	end, ok2 := parseMinutes(bounds[1])
	if !ok1 || !ok2 {
		return false
	}

	t := e.now()
	now := t.Hour()*60 + t.Minute()

	var in bool
	if start <= end {
		in = now >= start && now <= end
	} else {
		in = now >= start || now <= end
	}
	return in != negate
}

// matchDayOfWeek matches "Mon-Fri" ranges or "Sat,Sun" lists, in week
// order Mon through Sun. A "!" prefix negates.
func (e *ContextEvaluator) matchDayOfWeek(spec string) bool {
	spec, negate := cutNegation(spec)

	allowed := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if from, to, ok := strings.Cut(part, "-"); ok {
			lo, ok1 := dayIndex(from)
			hi, ok2 := dayIndex(to)
			if !ok1 || !ok2 {
				return false
			}
			for d := lo; ; d = (d + 1) % len(weekdays) {
				allowed[d] = true
				if d == hi {
					break
				}
			}
			continue
		}
		d, ok := dayIndex(part)
		if !ok {
			return false
		}
		allowed[d] = true
	}

	// Monday is index 0 in range order.
	today := (int(e.now().Weekday()) + 6) % 7
	return allowed[today] != negate
}

// matchContextValue compares a clause value against the caller-supplied
// context. Scalars compare for equality, lists for membership; a "!"
// prefix inverts. A missing key fails the positive form and passes the
// negated form.
func matchContextValue(raw interface{}, provided map[string]interface{}, key string) bool {
	var got string
	value, present := provided[key]
	if present {
		got = stringify(value)
	}

	switch expected := raw.(type) {
	case []interface{}:
		if !present {
			return false
		}
		for _, item := range expected {
			if stringify(item) == got {
				return true
			}
		}
		return false
	case string:
		want, negate := cutNegation(expected)
		if !present {
			return negate
		}
		return (got == want) != negate
	default:
		return present && got == stringify(raw)
	}
}

func cutNegation(s string) (string, bool) {
	if strings.HasPrefix(s, "!") {
		return s[1:], true
	}
	return s, false
}

// parseMinutes parses "HH:MM" into minutes since midnight.
func parseMinutes(s string) (int, bool) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// dayIndex resolves a day name to its index in range order, Monday first.
func dayIndex(s string) (int, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	if len(name) > 3 {
		name = name[:3]
	}
	for i, d := range weekdays {
		if d == name {
			return i, true
		}
	}
	return 0, false
}
