package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRequest(id string) approval.Request {
	return approval.Request{
		RequestID: id,
		Tool:      "delete_repo",
		Args:      map[string]interface{}{"name": "prod"},
		RuleID:    "dangerous-tools",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
	}
}

func TestSyncModeApproves(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(syncDecision{Approved: true, Reason: "auto-approved"})
	}))
	defer srv.Close()

	b, err := New(Config{URL: srv.URL, Mode: ModeSync}, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := b.Submit(context.Background(), sampleRequest("req-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	resp, err := b.WaitForResponse(context.Background(), "req-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp == nil || !resp.Approved || resp.Comment != "auto-approved" {
		t.Errorf("response = %+v", resp)
	}

	var posted approval.Request
	if err := json.Unmarshal(gotBody, &posted); err != nil {
		t.Fatalf("posted body malformed: %v", err)
	}
	if posted.RequestID != "req-1" || posted.Tool != "delete_repo" {
		t.Errorf("posted = %+v", posted)
	}
}

func TestSyncModeSignsBody(t *testing.T) {
	const secret = "shared-secret"
	var header string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(syncDecision{Approved: false})
	}))
	defer srv.Close()

	b, _ := New(Config{URL: srv.URL, Secret: secret}, discardLogger())
	_ = b.Submit(context.Background(), sampleRequest("req-1"))
	if _, err := b.WaitForResponse(context.Background(), "req-1", 2*time.Second); err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}

	if !Verify(secret, body, header) {
		t.Errorf("signature %q does not verify against body", header)
	}
	if Verify("wrong-secret", body, header) {
		t.Error("signature verified under the wrong secret")
	}
}

func TestPollMode(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pollHandle{PollURL: srv.URL + "/status"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(pollStatus{Status: "pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(pollStatus{Status: "denied", Reason: "operator said no"})
	})

	b, _ := New(Config{
		URL:          srv.URL + "/approve",
		Mode:         ModePoll,
		PollInterval: 5 * time.Millisecond,
	}, discardLogger())

	_ = b.Submit(context.Background(), sampleRequest("req-1"))
	resp, err := b.WaitForResponse(context.Background(), "req-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp == nil || resp.Approved || resp.Comment != "operator said no" {
		t.Errorf("response = %+v", resp)
	}
	if polls.Load() < 3 {
		t.Errorf("polls = %d, want at least 3", polls.Load())
	}
}

func TestOutOfBandRespondBeatsEndpoint(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // endpoint stalls
		_ = json.NewEncoder(w).Encode(syncDecision{Approved: false})
	}))
	defer srv.Close()
	defer close(release)

	b, _ := New(Config{URL: srv.URL}, discardLogger())
	_ = b.Submit(context.Background(), sampleRequest("req-1"))

	if err := b.Respond(context.Background(), "req-1", true, "alice", "manual"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	resp, err := b.WaitForResponse(context.Background(), "req-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp == nil || !resp.Approved || resp.Responder != "alice" {
		t.Errorf("response = %+v", resp)
	}
}

func TestEndpointTimeoutYieldsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, _ := New(Config{URL: srv.URL}, discardLogger())
	_ = b.Submit(context.Background(), sampleRequest("req-1"))

	resp, err := b.WaitForResponse(context.Background(), "req-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp != nil {
		t.Errorf("failing endpoint should time out, got %+v", resp)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, _ := New(Config{URL: srv.URL}, discardLogger())

	for i := 0; i < 3; i++ {
		if _, err := b.post(context.Background(), srv.URL, []byte("{}")); err == nil {
			t.Fatal("post should fail against 502")
		}
	}

	if err := b.Health(context.Background()); err == nil {
		t.Error("Health should report an open circuit after consecutive failures")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, discardLogger()); err == nil {
		t.Error("missing URL should fail")
	}
	if _, err := New(Config{URL: "http://x", Mode: "push"}, discardLogger()); err == nil {
		t.Error("unknown mode should fail")
	}
}
