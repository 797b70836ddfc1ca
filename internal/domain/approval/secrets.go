package approval

import (
	"fmt"
	"regexp"
)

// MaxApprovalValueLength truncates argument values shown to approvers.
const MaxApprovalValueLength = 200

const secretMask = "***MASKED***"

// secretPatterns match credential material that must never reach an
// approval transport. Replacement keeps key= prefixes readable.
var secretPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	// AWS access key IDs.
	{regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), secretMask},
	// OpenAI-style API keys.
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`), secretMask},
	// Bearer tokens in header-ish strings.
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/-]{8,}=*`), "$1 " + secretMask},
	// key=value credentials.
	{regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api_key|apikey)(\s*[=:]\s*)\S+`), "$1$2" + secretMask},
}

// MaskSecrets replaces credential material in s and truncates the result
// for approval display.
func MaskSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	if len(s) > MaxApprovalValueLength {
		s = s[:MaxApprovalValueLength] + "..."
	}
	return s
}

// SanitizeArgs deep-copies args with every string value passed through
// MaskSecrets. Non-string leaves are formatted, not inspected.
func SanitizeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return MaskSecrets(val)
	case map[string]interface{}:
		return SanitizeArgs(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case nil, bool, float64, int, int64:
		return val
	default:
		return MaskSecrets(fmt.Sprintf("%v", val))
	}
}
