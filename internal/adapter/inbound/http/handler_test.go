package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

const defaultRules = `
shield_name: test-shield
default_verdict: ALLOW
rules:
  - id: block-exec
    when:
      tool: exec
    then: BLOCK
    message: exec is not allowed
`

// newTestServer builds an engine plus server over inline rules and
// returns the httptest wrapper.
func newTestServer(t *testing.T, rules string, mutate func(*service.Config, *service.Deps), opts ...Option) (*Server, *httptest.Server) {
	t.Helper()

	cfg := service.Config{Mode: service.ModeEnforce, RulesPath: writeRules(t, rules)}
	deps := service.Deps{Logger: discardLogger()}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	engine, err := service.New(cfg, deps)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(engine.Close)

	srv := NewServer(engine, append([]Option{WithLogger(discardLogger())}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}, header map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string, header map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestCheckEndpoint(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	resp, body := postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name":  "exec",
		"args":       map[string]interface{}{"cmd": "make"},
		"session_id": "s1",
	}, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["verdict"] != "BLOCK" || body["rule_id"] != "block-exec" {
		t.Errorf("body = %v", body)
	}

	resp, body = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "read_file",
	}, nil)
	if resp.StatusCode != http.StatusOK || body["verdict"] != "ALLOW" {
		t.Errorf("allow path: status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestCheckValidation(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	deep := map[string]interface{}{}
	cursor := deep
	for i := 0; i < 12; i++ {
		next := map[string]interface{}{}
		cursor["k"] = next
		cursor = next
	}

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing tool name", map[string]interface{}{"args": map[string]interface{}{}}},
		{"bad charset", map[string]interface{}{"tool_name": "rm -rf"}},
		{"too long", map[string]interface{}{"tool_name": strings.Repeat("a", 257)}},
		{"args too deep", map[string]interface{}{"tool_name": "x", "args": deep}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, ts.URL+"/api/v1/check", tt.body, nil)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422 (%v)", resp.StatusCode, body)
			}
		})
	}
}

func TestContentTypeRequired(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/check",
		strings.NewReader(`{"tool_name":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestBodySizeCap(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil, WithMaxBodyBytes(256))

	resp, _ := postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "x",
		"args":      map[string]interface{}{"blob": strings.Repeat("a", 1024)},
	}, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil, WithAPIToken("sesame"))

	// No token: rejected.
	resp, _ := postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{"tool_name": "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Wrong token: rejected.
	resp, _ = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{"tool_name": "x"},
		map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong-token status = %d, want 401", resp.StatusCode)
	}

	// Correct token: accepted.
	resp, _ = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{"tool_name": "x"},
		map[string]string{"Authorization": "Bearer sesame"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = getJSON(t, ts.URL+"/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", resp.StatusCode)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	resp, body := postJSON(t, ts.URL+"/api/v1/check",
		map[string]interface{}{"tool_name": "x"},
		map[string]string{"X-Request-ID": "req-42"})
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("echoed id = %q", got)
	}
	// CheckResponse is a struct, so the ID travels in the header only.
	_ = body

	resp, _ = getJSON(t, ts.URL+"/api/v1/status", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("generated request id missing")
	}
}

func TestKillSwitchOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	resp, body := postJSON(t, ts.URL+"/api/v1/kill", map[string]interface{}{"reason": "drill"}, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "killed" {
		t.Fatalf("kill: status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{"tool_name": "read_file"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: status = %d", resp.StatusCode)
	}
	if body["verdict"] != "BLOCK" || body["rule_id"] != service.RuleIDKillSwitch {
		t.Errorf("body = %v", body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "drill") {
		t.Errorf("message = %q, want the reason", msg)
	}

	resp, body = postJSON(t, ts.URL+"/api/v1/resume", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "resumed" {
		t.Fatalf("resume: %v", body)
	}
	_, body = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{"tool_name": "read_file"}, nil)
	if body["verdict"] != "ALLOW" {
		t.Errorf("after resume: %v", body)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	backend := memory.NewApprovalBackend()
	t.Cleanup(backend.Stop)

	_, ts := newTestServer(t, `
default_verdict: ALLOW
rules:
  - id: guard-delete
    when:
      tool: delete
    then: APPROVE
    approval_strategy: per_rule
`, func(cfg *service.Config, deps *service.Deps) {
		cfg.WaitForApproval = false
		deps.Approvals = backend
	})

	resp, body := postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "delete", "session_id": "s1",
	}, nil)
	if resp.StatusCode != http.StatusOK || body["verdict"] != "APPROVE" {
		t.Fatalf("check: %v", body)
	}
	approvalID, _ := body["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("no approval_id in response")
	}

	resp, pendingBody := getJSON(t, ts.URL+"/api/v1/pending-approvals", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: status = %d", resp.StatusCode)
	}
	if pending, _ := pendingBody["pending"].([]interface{}); len(pending) != 1 {
		t.Errorf("pending = %v", pendingBody)
	}

	resp, _ = postJSON(t, ts.URL+"/api/v1/respond-approval", map[string]interface{}{
		"approval_id": approvalID, "approved": true, "responder": "alice",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond: status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = postJSON(t, ts.URL+"/api/v1/check-approval",
			map[string]interface{}{"approval_id": approvalID}, nil)
		if body["status"] == "approved" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("approval never settled: %v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The cached per_rule decision lets the next call through.
	_, body = postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "delete", "session_id": "s2",
	}, nil)
	if body["verdict"] != "ALLOW" {
		t.Errorf("cached call = %v", body)
	}
}

func TestCheckApprovalUnknownID(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	resp, _ := postJSON(t, ts.URL+"/api/v1/check-approval",
		map[string]interface{}{"approval_id": "nope"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOverloadAnswersBlockVerdict(t *testing.T) {
	backend := memory.NewApprovalBackend()
	t.Cleanup(backend.Stop)

	srv, ts := newTestServer(t, `
default_verdict: ALLOW
rules:
  - id: guard-delete
    when:
      tool: delete
    then: APPROVE
`, func(cfg *service.Config, deps *service.Deps) {
		cfg.WaitForApproval = true
		cfg.ApprovalTimeout = 2 * time.Second
		deps.Approvals = backend
	}, WithMaxConcurrentChecks(1))

	// Occupy the single slot with a check that blocks on approval.
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+"/api/v1/check", "application/json",
			strings.NewReader(`{"tool_name":"delete","session_id":"s1"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Wait until that check holds the semaphore.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.checkSem) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first check never acquired the slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, body := postJSON(t, ts.URL+"/api/v1/check", map[string]interface{}{
		"tool_name": "read_file",
	}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body["verdict"] != "BLOCK" || body["error"] != "server_overloaded" {
		t.Errorf("body = %v", body)
	}

	// Release the stuck check.
	pending, _ := backend.Pending(context.Background())
	for _, p := range pending {
		_ = backend.Respond(context.Background(), p.RequestID, false, "tester", "")
	}
	<-done
}

func TestPostCheckEndpoint(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	resp, body := postJSON(t, ts.URL+"/api/v1/post-check", map[string]interface{}{
		"tool_name":  "read_file",
		"output":     "card 4111 1111 1111 1111",
		"session_id": "s1",
	}, nil)
	if resp.StatusCode != http.StatusOK || body["verdict"] != "ALLOW" {
		t.Fatalf("post-check: %v", body)
	}
	if matches, _ := body["pii_matches"].([]interface{}); len(matches) == 0 {
		t.Errorf("matches = %v, want a credit card hit", body)
	}

	resp, body = postJSON(t, ts.URL+"/api/v1/clear-taint",
		map[string]interface{}{"session_id": "s1"}, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "cleared" {
		t.Errorf("clear-taint: %v", body)
	}

	resp, _ = postJSON(t, ts.URL+"/api/v1/clear-taint",
		map[string]interface{}{"session_id": "ghost"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestReloadEndpoint(t *testing.T) {
	path := writeRules(t, defaultRules)
	cfg := service.Config{Mode: service.ModeEnforce, RulesPath: path}
	engine, err := service.New(cfg, service.Deps{Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	srv := NewServer(engine, WithLogger(discardLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if err := os.WriteFile(path, []byte(`
default_verdict: ALLOW
rules:
  - id: only-rule
    then: ALLOW
`), 0o600); err != nil {
		t.Fatal(err)
	}

	resp, body := postJSON(t, ts.URL+"/api/v1/reload", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "reloaded" {
		t.Fatalf("reload: %v", body)
	}
	if body["rules_count"] != float64(1) {
		t.Errorf("rules_count = %v, want 1", body["rules_count"])
	}

	// Broken rules keep the old set and report the failure.
	if err := os.WriteFile(path, []byte("rules: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, _ = postJSON(t, ts.URL+"/api/v1/reload", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("broken reload status = %d, want 500", resp.StatusCode)
	}
}

func TestStatusAndConstraints(t *testing.T) {
	_, ts := newTestServer(t, `
shield_name: prod-shield
default_verdict: ALLOW
honeypots:
  - canary
rules:
  - id: block-exec
    description: no shell access
    when:
      tool: exec
    then: BLOCK
  - id: off
    enabled: false
    then: BLOCK
`, nil)

	resp, body := getJSON(t, ts.URL+"/api/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["running"] != true || body["mode"] != string(service.ModeEnforce) {
		t.Errorf("status body = %v", body)
	}
	if body["rules_count"] != float64(2) {
		t.Errorf("rules_count = %v", body["rules_count"])
	}

	resp, body = getJSON(t, ts.URL+"/api/v1/constraints", nil)
	if resp.StatusCode != http.StatusOK || body["shield_name"] != "prod-shield" {
		t.Fatalf("constraints = %v", body)
	}
	rules, _ := body["rules"].([]interface{})
	if len(rules) != 1 {
		t.Errorf("constraints rules = %v, disabled rules must be omitted", rules)
	}
	if hp, _ := body["honeypots"].([]interface{}); len(hp) != 1 || hp[0] != "canary" {
		t.Errorf("honeypots = %v", body["honeypots"])
	}
}

func TestDefaultVerdictStringsInResponses(t *testing.T) {
	_, ts := newTestServer(t, defaultRules, nil)

	for i := 0; i < 3; i++ {
		_, body := postJSON(t, ts.URL+"/api/v1/check",
			map[string]interface{}{"tool_name": fmt.Sprintf("tool_%d", i)}, nil)
		if v, _ := body["verdict"].(string); rule.Verdict(v) != rule.VerdictAllow {
			t.Errorf("verdict = %v", body["verdict"])
		}
	}
}
