// Package sanitize normalizes and bound-checks tool call arguments before
// policy evaluation, and rejects calls matching known-malicious patterns.
package sanitize

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Defaults for argument bounds.
const (
	DefaultMaxStringLength = 10000
	DefaultMaxArgsDepth    = 10
	DefaultMaxTotalKeys    = 100
)

// Config bounds the sanitizer's normalization pass and selects detectors.
type Config struct {
	// MaxStringLength truncates longer string values. Default 10000.
	MaxStringLength int
	// MaxArgsDepth drops subtrees nested deeper. Default 10.
	MaxArgsDepth int
	// MaxTotalKeys drops keys beyond this count across all maps. Default 100.
	MaxTotalKeys int
	// BuiltinDetectors names the detectors to run (see DetectorNames).
	// Nil enables all of them; an empty non-nil slice disables all.
	BuiltinDetectors []string
	// BlockedPatterns are additional regexes that reject the call.
	// They run after the built-in detectors.
	BlockedPatterns []string
}

// Result is the outcome of sanitizing one argument tree.
type Result struct {
	// Args is the normalized deep copy. Nil when Rejected.
	Args map[string]interface{}
	// Rejected is true when a detector or blocked pattern matched.
	Rejected bool
	// RejectionReason explains the rejection; detector matches identify
	// themselves ("Built-in detector 'ssrf' matched ...").
	RejectionReason string
	// Warnings lists non-fatal normalizations (dropped subtrees, truncations).
	Warnings []string
}

// Sanitizer normalizes argument trees and screens them against built-in
// detectors and configured blocked patterns. Safe for concurrent use.
type Sanitizer struct {
	maxStringLength int
	maxArgsDepth    int
	maxTotalKeys    int
	detectors       []detector
	blocked         []blockedPattern
}

// New creates a Sanitizer. It fails only when a configured detector name
// is unknown or a blocked pattern does not compile.
func New(cfg Config) (*Sanitizer, error) {
	s := &Sanitizer{
		maxStringLength: cfg.MaxStringLength,
		maxArgsDepth:    cfg.MaxArgsDepth,
		maxTotalKeys:    cfg.MaxTotalKeys,
	}
	if s.maxStringLength <= 0 {
		s.maxStringLength = DefaultMaxStringLength
	}
	if s.maxArgsDepth <= 0 {
		s.maxArgsDepth = DefaultMaxArgsDepth
	}
	if s.maxTotalKeys <= 0 {
		s.maxTotalKeys = DefaultMaxTotalKeys
	}

	var err error
	s.detectors, err = selectDetectors(cfg.BuiltinDetectors)
	if err != nil {
		return nil, err
	}

	s.blocked, err = compileBlockedPatterns(cfg.BlockedPatterns)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Sanitize normalizes args and screens the result. It never returns an
// error; the worst case is Rejected=true.
func (s *Sanitizer) Sanitize(args map[string]interface{}) Result {
	res := Result{}

	keyBudget := s.maxTotalKeys
	normalized := s.sanitizeMap(args, 1, &keyBudget, &res.Warnings)

	flat := flattenStrings(normalized)

	for _, det := range s.detectors {
		if loc := det.re.FindString(flat); loc != "" {
			res.Rejected = true
			res.RejectionReason = fmt.Sprintf("Built-in detector %q matched %q", det.name, truncateForReason(loc))
			return res
		}
	}

	for _, bp := range s.blocked {
		if loc := bp.re.FindString(flat); loc != "" {
			res.Rejected = true
			res.RejectionReason = fmt.Sprintf("Blocked pattern %q matched %q", bp.source, truncateForReason(loc))
			return res
		}
	}

	res.Args = normalized
	return res
}

// sanitizeMap deep-copies a map, normalizing leaves and enforcing the
// depth and key budgets. Excess is dropped with a warning, not rejected.
func (s *Sanitizer) sanitizeMap(m map[string]interface{}, depth int, keyBudget *int, warnings *[]string) map[string]interface{} {
	if depth > s.maxArgsDepth {
		*warnings = append(*warnings, fmt.Sprintf("dropped map nested beyond depth %d", s.maxArgsDepth))
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if *keyBudget <= 0 {
			*warnings = append(*warnings, fmt.Sprintf("dropped keys beyond limit %d", s.maxTotalKeys))
			break
		}
		*keyBudget--
		out[k] = s.sanitizeValue(v, depth+1, keyBudget, warnings)
	}
	return out
}

// sanitizeValue normalizes one value of the argument tree.
func (s *Sanitizer) sanitizeValue(v interface{}, depth int, keyBudget *int, warnings *[]string) interface{} {
	switch val := v.(type) {
	case string:
		return s.sanitizeString(val, warnings)
	case map[string]interface{}:
		return s.sanitizeMap(val, depth, keyBudget, warnings)
	case []interface{}:
		if depth > s.maxArgsDepth {
			*warnings = append(*warnings, fmt.Sprintf("dropped list nested beyond depth %d", s.maxArgsDepth))
			return []interface{}{}
		}
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue(item, depth+1, keyBudget, warnings)
		}
		return out
	default:
		// Numbers, booleans, nil pass through unchanged.
		return v
	}
}

// sanitizeString applies the string normalization pipeline: control-char
// stripping, NFC normalization, whitespace trim, length truncation.
func (s *Sanitizer) sanitizeString(str string, warnings *[]string) string {
	str = stripControls(str)
	str = norm.NFC.String(str)
	str = strings.TrimSpace(str)

	if len(str) > s.maxStringLength {
		str = str[:s.maxStringLength]
		*warnings = append(*warnings, fmt.Sprintf("truncated string to %d bytes", s.maxStringLength))
	}
	return str
}

// stripControls removes NUL and C0/C1 control characters except \n \r \t.
func stripControls(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
}

// flattenStrings joins every string key and value of the tree into one
// newline-separated view for detector scanning.
func flattenStrings(v interface{}) string {
	var b strings.Builder
	collectStrings(v, &b)
	return b.String()
}

// collectStrings appends string leaves and map keys to the builder.
func collectStrings(v interface{}, b *strings.Builder) {
	switch val := v.(type) {
	case string:
		b.WriteString(val)
		b.WriteByte('\n')
	case map[string]interface{}:
		for k, item := range val {
			b.WriteString(k)
			b.WriteByte('\n')
			collectStrings(item, b)
		}
	case []interface{}:
		for _, item := range val {
			collectStrings(item, b)
		}
	}
}

// truncateForReason bounds matched text quoted in rejection reasons.
func truncateForReason(s string) string {
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
