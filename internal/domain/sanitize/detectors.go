package sanitize

import (
	"fmt"
	"regexp"
)

// detector is one named built-in screen over the flattened argument view.
type detector struct {
	name string
	re   *regexp.Regexp
}

// blockedPattern is a user-configured rejection regex.
type blockedPattern struct {
	source string
	re     *regexp.Regexp
}

// Built-in detector names accepted in Config.BuiltinDetectors.
const (
	DetectorPathTraversal  = "path_traversal"
	DetectorShellInjection = "shell_injection"
	DetectorSQLInjection   = "sql_injection"
	DetectorSSRF           = "ssrf"
	DetectorURLSchemes     = "url_schemes"
)

// builtinDetectorTable maps detector names to their compiled patterns.
// Order here is the evaluation order when all detectors are enabled.
var builtinDetectorTable = []detector{
	{
		name: DetectorPathTraversal,
		re:   regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%2e%2e%5c)`),
	},
	{
		name: DetectorShellInjection,
		re: regexp.MustCompile(
			"(?i)(;|\\|\\||&&|\\$\\(|`)\\s*(rm|curl|wget|nc|sh|bash|zsh|chmod|chown|python\\d?|perl|ruby|eval)\\b"),
	},
	{
		name: DetectorSQLInjection,
		re: regexp.MustCompile(
			`(?i)('\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+|\bunion\s+(all\s+)?select\b|;\s*(drop|truncate|delete|insert|update|alter)\b|--\s*$)`),
	},
	{
		name: DetectorSSRF,
		re: regexp.MustCompile(
			`(?i)(169\.254\.169\.254|metadata\.google\.internal|\blocalhost\b|127\.0\.0\.1|\b0\.0\.0\.0\b|\[::1\]|//::1\b|\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b|\b192\.168\.\d{1,3}\.\d{1,3}\b|\b172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}\b)`),
	},
	{
		name: DetectorURLSchemes,
		re: regexp.MustCompile(
			`(?i)(file://|javascript:|vbscript:|data:text/html|gopher://|dict://)`),
	},
}

// DetectorNames returns the built-in detector names in evaluation order.
func DetectorNames() []string {
	names := make([]string, len(builtinDetectorTable))
	for i, d := range builtinDetectorTable {
		names[i] = d.name
	}
	return names
}

// selectDetectors resolves configured names to compiled detectors.
// Nil selects the full table.
func selectDetectors(names []string) ([]detector, error) {
	if names == nil {
		return builtinDetectorTable, nil
	}

	byName := make(map[string]detector, len(builtinDetectorTable))
	for _, d := range builtinDetectorTable {
		byName[d.name] = d
	}

	out := make([]detector, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown built-in detector %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}

// compileBlockedPatterns compiles user-configured rejection regexes.
func compileBlockedPatterns(patterns []string) ([]blockedPattern, error) {
	out := make([]blockedPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", p, err)
		}
		out = append(out, blockedPattern{source: p, re: re})
	}
	return out, nil
}
