package rule

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeRuleFile writes YAML content to a temp file and returns its path.
func writeRuleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const basicRules = `
shield_name: test-shield
version: 1
default_verdict: allow
rules:
  - id: block-exec
    when:
      tool: exec
    then: BLOCK
    message: exec is not allowed
    severity: high
  - id: approve-delete
    when:
      tool: [delete_file, delete_dir]
    then: approve
    approval_strategy: per_rule
    priority: 2
`

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "rules.yaml", basicRules)

	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if set.ShieldName != "test-shield" {
		t.Errorf("ShieldName = %q, want test-shield", set.ShieldName)
	}
	if set.DefaultVerdict != VerdictAllow {
		t.Errorf("DefaultVerdict = %q, want ALLOW", set.DefaultVerdict)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(set.Rules))
	}

	first := set.Rules[0]
	if first.Then != VerdictBlock {
		t.Errorf("rules[0].Then = %q, want BLOCK", first.Then)
	}
	if first.Severity != SeverityHigh {
		t.Errorf("rules[0].Severity = %q, want HIGH", first.Severity)
	}
	if !first.Enabled {
		t.Error("rules[0].Enabled = false, want default true")
	}
	if first.Priority != 1 {
		t.Errorf("rules[0].Priority = %d, want default 1", first.Priority)
	}

	second := set.Rules[1]
	if got := second.When.Tool.Values; len(got) != 2 || got[0] != "delete_file" {
		t.Errorf("rules[1].When.Tool = %v, want [delete_file delete_dir]", got)
	}
	if second.ApprovalStrategy != StrategyPerRule {
		t.Errorf("rules[1].ApprovalStrategy = %q, want per_rule", second.ApprovalStrategy)
	}
}

func TestLoadDirectoryLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "20-second.yaml", `
rules:
  - id: second
    when:
      tool: b
    then: BLOCK
`)
	writeRuleFile(t, dir, "10-first.yml", `
shield_name: dir-shield
default_verdict: block
rules:
  - id: first
    when:
      tool: a
    then: ALLOW
`)
	writeRuleFile(t, dir, "ignored.txt", "not yaml")

	set, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if set.ShieldName != "dir-shield" {
		t.Errorf("ShieldName = %q, want dir-shield", set.ShieldName)
	}
	if set.DefaultVerdict != VerdictBlock {
		t.Errorf("DefaultVerdict = %q, want BLOCK", set.DefaultVerdict)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(set.Rules))
	}
	if set.Rules[0].ID != "first" || set.Rules[1].ID != "second" {
		t.Errorf("rule order = [%s %s], want [first second]",
			set.Rules[0].ID, set.Rules[1].ID)
	}
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantKind ErrorKind
	}{
		{
			name:     "yaml syntax error",
			content:  "rules:\n  - id: [unclosed",
			wantKind: KindYamlSyntax,
		},
		{
			name: "unknown top-level key",
			content: `
shield_name: x
surprise_key: true
rules: []
`,
			wantKind: KindSchemaViolation,
		},
		{
			name: "duplicate rule id",
			content: `
rules:
  - id: dup
    when: {tool: a}
    then: BLOCK
  - id: dup
    when: {tool: b}
    then: ALLOW
`,
			wantKind: KindDuplicateID,
		},
		{
			name: "invalid args regex",
			content: `
rules:
  - id: bad-regex
    when:
      tool: a
      args:
        cmd:
          regex: "("
    then: BLOCK
`,
			wantKind: KindInvalidRegex,
		},
		{
			name: "missing rule id",
			content: `
rules:
  - when: {tool: a}
    then: BLOCK
`,
			wantKind: KindSchemaViolation,
		},
		{
			name: "unknown verdict",
			content: `
rules:
  - id: bad-verdict
    when: {tool: a}
    then: MAYBE
`,
			wantKind: KindSchemaViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeRuleFile(t, dir, "rules.yaml", tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil, want failure")
			}

			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("error type = %T, want *LoadError", err)
			}
			if loadErr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", loadErr.Kind, tt.wantKind)
			}
		})
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Kind != KindIO {
		t.Fatalf("Load() = %v, want LoadError with kind io_error", err)
	}
}

func TestLoadRegexLengthCap(t *testing.T) {
	long := make([]byte, MaxPatternLength+1)
	for i := range long {
		long[i] = 'a'
	}
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "rules.yaml", `
rules:
  - id: long-pattern
    when:
      sender: "`+string(long)+`"
    then: BLOCK
`)

	_, err := Load(path)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Kind != KindInvalidRegex {
		t.Fatalf("Load() = %v, want LoadError with kind invalid_regex", err)
	}
}

func TestLoadChainDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "rules.yaml", `
rules:
  - id: exfil
    when:
      tool: send_email
    then: BLOCK
    chain:
      - tool: read_file
`)

	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	step := set.Rules[0].Chain[0]
	if step.WithinSeconds != DefaultChainWindowSeconds {
		t.Errorf("WithinSeconds = %d, want %d", step.WithinSeconds, DefaultChainWindowSeconds)
	}
	if step.MinCount != 1 {
		t.Errorf("MinCount = %d, want 1", step.MinCount)
	}
}

func TestLoadHoneypotsAndPatterns(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "rules.yaml", `
honeypots: [shadow_admin, fake_secrets]
pii_patterns:
  - name: employee_id
    pattern: "EMP-\\d{6}"
taint_chain: [exfil]
rules:
  - id: exfil
    when: {tool: send_email}
    then: BLOCK
`)

	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !set.IsHoneypot("shadow_admin") || set.IsHoneypot("real_tool") {
		t.Error("IsHoneypot gave wrong answers")
	}
	if len(set.PIIPatterns) != 1 || set.PIIPatterns[0].Name != "employee_id" {
		t.Errorf("PIIPatterns = %v", set.PIIPatterns)
	}
	if !set.RequiresTaint("exfil") || set.RequiresTaint("other") {
		t.Error("RequiresTaint gave wrong answers")
	}
}
