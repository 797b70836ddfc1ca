// Package integration verifies the full check path across components:
// rules on disk, engine, approval backend, trace recorder, and the HTTP
// surface wired together the way the serve command does it.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	shieldhttp "github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	tracefile "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const fullRules = `
shield_name: integration-shield
default_verdict: ALLOW
rules:
  - id: block-exec
    when:
      tool: exec
    then: BLOCK
    severity: CRITICAL
    message: exec is not allowed
  - id: redact-email
    when:
      tool: send_email
    then: REDACT
  - id: approve-delete
    when:
      tool: delete_repo
    then: APPROVE
    approval_strategy: per_rule
  - id: exfil
    when:
      tool: send_email
    chain:
      - tool: read_file
        within_seconds: 300
    then: BLOCK
    severity: CRITICAL
    message: read then send looks like exfiltration
honeypots:
  - admin_override
`

// stack is everything the serve command wires, on test doubles.
type stack struct {
	engine   *service.Engine
	backend  *memory.ApprovalBackend
	recorder *tracefile.FileRecorder
	traceDir string
	server   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(fullRules), 0o600); err != nil {
		t.Fatal(err)
	}

	traceDir := t.TempDir()
	recorder, err := tracefile.NewFileRecorder(tracefile.Config{
		OutputDir: traceDir,
		BatchSize: 1,
	}, testLogger())
	if err != nil {
		t.Fatalf("trace recorder: %v", err)
	}

	backend := memory.NewApprovalBackend()

	limiter := ratelimit.New([]ratelimit.Config{
		{Tool: "api", MaxCalls: 3, WindowSeconds: 60, PerSession: true},
	})

	engine, err := service.New(service.Config{
		Mode:      service.ModeEnforce,
		RulesPath: rulesPath,
		Version:   "integration",
	}, service.Deps{
		Logger:    testLogger(),
		Limiter:   limiter,
		Approvals: backend,
		Recorder:  recorder,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	srv := shieldhttp.NewServer(engine,
		shieldhttp.WithLogger(testLogger()),
		shieldhttp.WithReadiness(backend.Health),
	)
	ts := httptest.NewServer(srv.Handler())

	s := &stack{engine: engine, backend: backend, recorder: recorder, traceDir: traceDir, server: ts}
	t.Cleanup(func() {
		ts.Close()
		engine.Close()
		limiter.Stop()
		backend.Stop()
		_ = recorder.Close()
	})
	return s
}

func (s *stack) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)

	// Plain allow.
	code, body := s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "list_dir", "session_id": "agent-1",
	})
	if code != 200 || body["verdict"] != "ALLOW" {
		t.Fatalf("allow: %d %v", code, body)
	}

	// Hard block.
	_, body = s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "exec", "args": map[string]any{"cmd": "rm -rf /"}, "session_id": "agent-1",
	})
	if body["verdict"] != "BLOCK" || body["rule_id"] != "block-exec" {
		t.Fatalf("block: %v", body)
	}

	// Redaction with PII.
	_, body = s.post(t, "/api/v1/check", map[string]any{
		"tool_name":  "send_email",
		"args":       map[string]any{"body": "reach me at john@example.com"},
		"session_id": "agent-1",
	})
	if body["verdict"] != "REDACT" {
		t.Fatalf("redact: %v", body)
	}
	modified, _ := body["modified_args"].(map[string]any)
	if modified == nil || strings.Contains(modified["body"].(string), "john@example.com") {
		t.Errorf("modified_args = %v", modified)
	}

	// Chain: read_file then send_email trips the exfil rule.
	s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "read_file", "session_id": "agent-2",
	})
	_, body = s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "send_email", "session_id": "agent-2",
	})
	if body["rule_id"] != "exfil" {
		t.Fatalf("chain: %v", body)
	}

	// Honeypot.
	_, body = s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "admin_override", "session_id": "agent-1",
	})
	if body["verdict"] != "BLOCK" || body["rule_id"] != "__honeypot__:admin_override" {
		t.Fatalf("honeypot: %v", body)
	}
}

func TestRateLimitOverHTTP(t *testing.T) {
	s := newStack(t)

	var last map[string]any
	for i := 0; i < 4; i++ {
		_, last = s.post(t, "/api/v1/check", map[string]any{
			"tool_name": "api", "session_id": "agent-rl",
		})
	}
	if last["verdict"] != "BLOCK" || last["rule_id"] != "__rate_limit__" {
		t.Fatalf("fourth call: %v", last)
	}

	// Another session has its own window.
	_, body := s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "api", "session_id": "agent-other",
	})
	if body["verdict"] != "ALLOW" {
		t.Fatalf("other session: %v", body)
	}
}

func TestApprovalRoundTripOverHTTP(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "delete_repo", "session_id": "agent-1",
	})
	if body["verdict"] != "APPROVE" {
		t.Fatalf("check: %v", body)
	}
	approvalID, _ := body["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("no approval_id")
	}

	code, _ := s.post(t, "/api/v1/respond-approval", map[string]any{
		"approval_id": approvalID, "approved": true, "responder": "alice",
	})
	if code != 200 {
		t.Fatalf("respond: %d", code)
	}

	// The watcher settles asynchronously; poll the status endpoint.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status := s.post(t, "/api/v1/check-approval", map[string]any{"approval_id": approvalID})
		if status["status"] == "approved" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("approval never settled: %v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// per_rule cache: the next call passes without a new approval.
	_, body = s.post(t, "/api/v1/check", map[string]any{
		"tool_name": "delete_repo", "session_id": "agent-9",
	})
	if body["verdict"] != "ALLOW" {
		t.Fatalf("cached approval: %v", body)
	}
}

func TestKillSwitchAndReloadOverHTTP(t *testing.T) {
	s := newStack(t)

	s.post(t, "/api/v1/kill", map[string]any{"reason": "drill"})
	_, body := s.post(t, "/api/v1/check", map[string]any{"tool_name": "list_dir"})
	if body["verdict"] != "BLOCK" || body["rule_id"] != "__kill_switch__" {
		t.Fatalf("killed: %v", body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "drill") {
		t.Errorf("message = %q", msg)
	}

	s.post(t, "/api/v1/resume", map[string]any{})
	_, body = s.post(t, "/api/v1/check", map[string]any{"tool_name": "list_dir"})
	if body["verdict"] != "ALLOW" {
		t.Fatalf("resumed: %v", body)
	}

	code, body := s.post(t, "/api/v1/reload", map[string]any{})
	if code != 200 || body["rules_count"] != float64(4) {
		t.Fatalf("reload: %d %v", code, body)
	}
}

func TestDecisionsLandInTrace(t *testing.T) {
	s := newStack(t)

	s.post(t, "/api/v1/check", map[string]any{"tool_name": "list_dir", "session_id": "agent-t"})
	s.post(t, "/api/v1/check", map[string]any{"tool_name": "exec", "session_id": "agent-t"})

	if err := s.recorder.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := os.ReadDir(s.traceDir)
	if err != nil {
		t.Fatal(err)
	}
	var lines []map[string]any
	for _, e := range entries {
		f, err := os.Open(filepath.Join(s.traceDir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var rec map[string]any
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				t.Errorf("bad JSONL line: %v", err)
				continue
			}
			lines = append(lines, rec)
		}
		f.Close()
	}
	if len(lines) != 2 {
		t.Fatalf("trace lines = %d, want 2", len(lines))
	}

	verdicts := map[string]string{}
	for _, rec := range lines {
		verdicts[rec["tool"].(string)] = rec["verdict"].(string)
		if rec["session_id"] != "agent-t" {
			t.Errorf("session_id = %v", rec["session_id"])
		}
	}
	if verdicts["list_dir"] != "ALLOW" || verdicts["exec"] != "BLOCK" {
		t.Errorf("verdicts = %v", verdicts)
	}
}
