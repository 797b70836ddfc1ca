package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// maskFunc produces the deterministic replacement for a matched span.
type maskFunc func(string) string

// validateFunc rejects regex matches that fail a semantic check
// (e.g. IP octets above 255). Nil means every regex match counts.
type validateFunc func(string) bool

// compiledDetector is one typed pattern ready for scanning.
type compiledDetector struct {
	typ      Type
	name     string // set for custom patterns
	re       *regexp.Regexp
	mask     maskFunc
	validate validateFunc
}

// Detector scans strings and nested structures for PII. All patterns are
// compiled at construction time; a Detector is safe for concurrent use.
type Detector struct {
	detectors []compiledDetector
	luhnCheck bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithLuhnValidation enables Luhn checking of credit card candidates to
// lower the false-positive rate.
func WithLuhnValidation(enabled bool) Option {
	return func(d *Detector) { d.luhnCheck = enabled }
}

// NewDetector creates a Detector with the built-in patterns plus any
// custom patterns. Custom patterns that fail to compile are reported;
// the rule loader pre-validates them so this only fails on programmer error.
func NewDetector(custom []CustomPattern, opts ...Option) (*Detector, error) {
	d := &Detector{luhnCheck: true}
	for _, opt := range opts {
		opt(d)
	}

	d.detectors = builtinDetectors(d.luhnCheck)

	for _, cp := range custom {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom pattern %q: %w", cp.Name, err)
		}
		d.detectors = append(d.detectors, compiledDetector{
			typ:  TypeCustom,
			name: cp.Name,
			re:   re,
			mask: maskGeneric,
		})
	}

	return d, nil
}

// builtinDetectors returns the compiled built-in pattern table.
func builtinDetectors(luhn bool) []compiledDetector {
	cardValidate := validateCardLength
	if luhn {
		cardValidate = func(s string) bool {
			return validateCardLength(s) && luhnValid(s)
		}
	}

	return []compiledDetector{
		{
			typ:  TypeEmail,
			re:   regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			mask: maskEmail,
		},
		{
			typ:      TypeCreditCard,
			re:       regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			mask:     maskNumeric,
			validate: cardValidate,
		},
		{
			typ:  TypeSSN,
			re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			mask: maskNumeric,
		},
		{
			typ:  TypeIBAN,
			re:   regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			mask: maskGeneric,
		},
		{
			typ:      TypeIPAddress,
			re:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			mask:     maskNumeric,
			validate: validateIPOctets,
		},
		{
			// Letter prefix plus 7-9 digits; shorter digit runs are
			// product codes, not passports.
			typ:  TypePassport,
			re:   regexp.MustCompile(`\b[A-Z]{1,2}\d{7,9}\b`),
			mask: maskGeneric,
		},
		{
			typ:      TypeDateOfBirth,
			re:       regexp.MustCompile(`\b(?:\d{2}[./-]\d{2}[./-]\d{4}|\d{4}-\d{2}-\d{2})\b`),
			mask:     maskNumeric,
			validate: validateDate,
		},
		{
			typ:      TypeRUPhone,
			re:       regexp.MustCompile(`(?:\+7|\b8)[\s(-]*\d{3}[\s)-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}\b`),
			mask:     maskNumeric,
			validate: func(s string) bool { return digitCount(s) == 11 },
		},
		{
			typ:      TypePhone,
			re:       regexp.MustCompile(`\+\d[\d\s().-]{8,16}\d`),
			mask:     maskNumeric,
			validate: func(s string) bool { c := digitCount(s); return c >= 10 && c <= 15 },
		},
		{
			typ:  TypeSNILS,
			re:   regexp.MustCompile(`\b\d{3}-\d{3}-\d{3}[ -]?\d{2}\b`),
			mask: maskNumeric,
		},
		{
			typ:  TypeRUPassport,
			re:   regexp.MustCompile(`\b\d{4} \d{6}\b`),
			mask: maskNumeric,
		},
		{
			typ:  TypeINN,
			re:   regexp.MustCompile(`\b\d{12}\b|\b\d{10}\b`),
			mask: maskNumeric,
		},
	}
}

// Scan returns all matches found in s, ordered by start offset. Spans are
// byte offsets into the original UTF-8 string.
func (d *Detector) Scan(s string) []Match {
	if s == "" {
		return nil
	}

	var matches []Match
	for _, det := range d.detectors {
		for _, loc := range det.re.FindAllStringIndex(s, -1) {
			text := s[loc[0]:loc[1]]
			if det.validate != nil && !det.validate(text) {
				continue
			}
			matches = append(matches, Match{
				Type:        det.typ,
				Start:       loc[0],
				End:         loc[1],
				MaskedValue: det.mask(text),
				Pattern:     det.name,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})
	return matches
}

// ScanValue walks a nested structure (maps, slices, strings) and returns
// all matches with dotted field paths including bracketed list indices.
func (d *Detector) ScanValue(v interface{}) []Match {
	var matches []Match
	d.scanValue(v, "", &matches)
	return matches
}

// scanValue recurses into maps and slices, scanning every string leaf.
// Map keys are visited in sorted order so results are deterministic.
func (d *Detector) scanValue(v interface{}, path string, out *[]Match) {
	switch val := v.(type) {
	case string:
		for _, m := range d.Scan(val) {
			m.Field = path
			*out = append(*out, m)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.scanValue(val[k], joinPath(path, k), out)
		}
	case []interface{}:
		for i, item := range val {
			d.scanValue(item, path+"["+strconv.Itoa(i)+"]", out)
		}
	}
}

// Redact returns a deep copy of v with every matched span replaced by its
// mask, along with the matches that drove the replacements. Redaction is
// idempotent: masked values do not re-match any detector.
func (d *Detector) Redact(v interface{}) (interface{}, []Match) {
	var matches []Match
	redacted := d.redactValue(v, "", &matches)
	return redacted, matches
}

// redactValue deep-copies v, replacing matched spans in string leaves.
func (d *Detector) redactValue(v interface{}, path string, out *[]Match) interface{} {
	switch val := v.(type) {
	case string:
		found := d.Scan(val)
		if len(found) == 0 {
			return val
		}
		for i := range found {
			found[i].Field = path
		}
		*out = append(*out, found...)
		return replaceSpans(val, found)
	case map[string]interface{}:
		copied := make(map[string]interface{}, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			copied[k] = d.redactValue(val[k], joinPath(path, k), out)
		}
		return copied
	case []interface{}:
		copied := make([]interface{}, len(val))
		for i, item := range val {
			copied[i] = d.redactValue(item, path+"["+strconv.Itoa(i)+"]", out)
		}
		return copied
	default:
		return v
	}
}

// replaceSpans rewrites s with each match's mask. Matches are sorted by
// start; overlapping matches after the first are skipped.
func replaceSpans(s string, matches []Match) string {
	var b strings.Builder
	b.Grow(len(s))

	pos := 0
	for _, m := range matches {
		if m.Start < pos {
			continue // overlaps a span already replaced
		}
		b.WriteString(s[pos:m.Start])
		b.WriteString(m.MaskedValue)
		pos = m.End
	}
	b.WriteString(s[pos:])
	return b.String()
}

// joinPath appends a map key to a dotted path.
func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// digitCount counts ASCII digits in s.
func digitCount(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// validateIPOctets requires every dotted octet to be at most 255.
func validateIPOctets(s string) bool {
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// validateCardLength requires 13-19 digits once separators are stripped.
func validateCardLength(s string) bool {
	c := digitCount(s)
	return c >= 13 && c <= 19
}

// validateDate requires plausible day and month fields.
func validateDate(s string) bool {
	sep := "."
	switch {
	case strings.Contains(s, "/"):
		sep = "/"
	case strings.Contains(s, "-"):
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return false
	}

	// ISO form YYYY-MM-DD has the year first.
	dayIdx, monthIdx := 0, 1
	if len(parts[0]) == 4 {
		monthIdx, dayIdx = 1, 2
	}

	day, err := strconv.Atoi(parts[dayIdx])
	if err != nil {
		return false
	}
	month, err := strconv.Atoi(parts[monthIdx])
	if err != nil {
		return false
	}
	return day >= 1 && day <= 31 && month >= 1 && month <= 12
}

// luhnValid runs the Luhn checksum over the digits of s.
func luhnValid(s string) bool {
	var digits []int
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, int(s[i]-'0'))
		}
	}
	if len(digits) == 0 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
