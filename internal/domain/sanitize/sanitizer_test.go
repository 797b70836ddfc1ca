package sanitize

import (
	"strings"
	"testing"
)

func newTestSanitizer(t *testing.T, cfg Config) *Sanitizer {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSanitizeNormalizesStrings(t *testing.T) {
	s := newTestSanitizer(t, Config{})

	res := s.Sanitize(map[string]interface{}{
		"note": "  hello\x00world\x1b  ",
	})
	if res.Rejected {
		t.Fatalf("unexpected rejection: %s", res.RejectionReason)
	}
	if got := res.Args["note"]; got != "helloworld" {
		t.Errorf("note = %q, want %q", got, "helloworld")
	}
}

func TestSanitizeKeepsAllowedWhitespace(t *testing.T) {
	s := newTestSanitizer(t, Config{})

	res := s.Sanitize(map[string]interface{}{
		"body": "line one\nline two\ttabbed",
	})
	if got := res.Args["body"]; got != "line one\nline two\ttabbed" {
		t.Errorf("body = %q, newline and tab should survive", got)
	}
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	s := newTestSanitizer(t, Config{MaxStringLength: 16})

	res := s.Sanitize(map[string]interface{}{
		"payload": strings.Repeat("a", 100),
	})
	if got := res.Args["payload"].(string); len(got) != 16 {
		t.Errorf("len(payload) = %d, want 16", len(got))
	}
	if len(res.Warnings) == 0 {
		t.Error("truncation should emit a warning")
	}
}

func TestSanitizeDropsDeepSubtrees(t *testing.T) {
	s := newTestSanitizer(t, Config{MaxArgsDepth: 2})

	res := s.Sanitize(map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{
				"c": "too deep",
			},
		},
	})
	if res.Rejected {
		t.Fatalf("depth overflow must warn, not reject: %s", res.RejectionReason)
	}

	inner := res.Args["a"].(map[string]interface{})["b"].(map[string]interface{})
	if len(inner) != 0 {
		t.Errorf("subtree beyond depth should be empty, got %v", inner)
	}
	if len(res.Warnings) == 0 {
		t.Error("dropped subtree should emit a warning")
	}
}

func TestSanitizeEnforcesKeyBudget(t *testing.T) {
	s := newTestSanitizer(t, Config{MaxTotalKeys: 3})

	args := map[string]interface{}{}
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		args[k] = "v"
	}

	res := s.Sanitize(args)
	if res.Rejected {
		t.Fatalf("key overflow must warn, not reject: %s", res.RejectionReason)
	}
	if len(res.Args) != 3 {
		t.Errorf("len(args) = %d, want 3", len(res.Args))
	}
	if len(res.Warnings) == 0 {
		t.Error("dropped keys should emit a warning")
	}
}

func TestSanitizePassesThroughNonStrings(t *testing.T) {
	s := newTestSanitizer(t, Config{})

	res := s.Sanitize(map[string]interface{}{
		"count":   float64(3),
		"enabled": true,
		"blank":   nil,
	})
	if res.Args["count"] != float64(3) || res.Args["enabled"] != true || res.Args["blank"] != nil {
		t.Errorf("non-strings changed: %v", res.Args)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	s := newTestSanitizer(t, Config{})

	args := map[string]interface{}{
		"note": "  padded  ",
		"nested": map[string]interface{}{
			"inner": "\x00x",
		},
	}
	s.Sanitize(args)

	if args["note"] != "  padded  " {
		t.Error("input string mutated")
	}
	if args["nested"].(map[string]interface{})["inner"] != "\x00x" {
		t.Error("nested input mutated")
	}
}

func TestBlockedPatterns(t *testing.T) {
	s := newTestSanitizer(t, Config{
		BlockedPatterns: []string{`(?i)forbidden_token`},
	})

	res := s.Sanitize(map[string]interface{}{"q": "has FORBIDDEN_TOKEN inside"})
	if !res.Rejected {
		t.Fatal("blocked pattern should reject")
	}
	if !strings.Contains(res.RejectionReason, "Blocked pattern") {
		t.Errorf("reason = %q, want blocked-pattern wording", res.RejectionReason)
	}
	if res.Args != nil {
		t.Error("rejected result must not carry args")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{BuiltinDetectors: []string{"no_such_detector"}}); err == nil {
		t.Error("unknown detector name should fail")
	}
	if _, err := New(Config{BlockedPatterns: []string{"("}}); err == nil {
		t.Error("invalid blocked pattern should fail")
	}
}

func TestEmptyDetectorListDisablesScreening(t *testing.T) {
	s := newTestSanitizer(t, Config{BuiltinDetectors: []string{}})

	res := s.Sanitize(map[string]interface{}{"path": "../../etc/passwd"})
	if res.Rejected {
		t.Errorf("empty detector list should disable screening, got %s", res.RejectionReason)
	}
}
