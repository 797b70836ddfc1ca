package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

func newTestBackend(t *testing.T, opts ...ApprovalOption) *ApprovalBackend {
	t.Helper()
	b := NewApprovalBackend(opts...)
	t.Cleanup(b.Stop)
	return b
}

func submitRequest(t *testing.T, b *ApprovalBackend, id string) {
	t.Helper()
	err := b.Submit(context.Background(), approval.Request{
		RequestID: id,
		Tool:      "delete_repo",
		RuleID:    "dangerous-tools",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestApproveFlow(t *testing.T) {
	b := newTestBackend(t)
	submitRequest(t, b, "req-1")

	go func() {
		_ = b.Respond(context.Background(), "req-1", true, "alice", "looks fine")
	}()

	resp, err := b.WaitForResponse(context.Background(), "req-1", time.Second)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp == nil || !resp.Approved || resp.Responder != "alice" {
		t.Errorf("response = %+v", resp)
	}
}

func TestWaitTimeout(t *testing.T) {
	b := newTestBackend(t)
	submitRequest(t, b, "req-1")

	resp, err := b.WaitForResponse(context.Background(), "req-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if resp != nil {
		t.Errorf("timeout should yield nil response, got %+v", resp)
	}

	// The entry is removed after the wait ends.
	if err := b.Respond(context.Background(), "req-1", true, "late", ""); !errors.Is(err, approval.ErrUnknownRequest) {
		t.Errorf("late respond error = %v, want ErrUnknownRequest", err)
	}
}

func TestWaitContextCancel(t *testing.T) {
	b := newTestBackend(t)
	submitRequest(t, b, "req-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.WaitForResponse(ctx, "req-1", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFirstResponseWins(t *testing.T) {
	b := newTestBackend(t)
	submitRequest(t, b, "req-1")

	const responders = 8
	var wg sync.WaitGroup
	errs := make([]error, responders)
	for i := 0; i < responders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Respond(context.Background(), "req-1", i%2 == 0, "bot", "")
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, approval.ErrAlreadyResolved) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}

	if resp, err := b.WaitForResponse(context.Background(), "req-1", time.Second); err != nil || resp == nil {
		t.Errorf("WaitForResponse = %+v, %v", resp, err)
	}
}

func TestPendingListsUnresolved(t *testing.T) {
	b := newTestBackend(t)
	submitRequest(t, b, "req-1")
	submitRequest(t, b, "req-2")

	pending, err := b.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	_ = b.Respond(context.Background(), "req-1", false, "alice", "")
	pending, _ = b.Pending(context.Background())
	if len(pending) != 1 || pending[0].RequestID != "req-2" {
		t.Errorf("pending after respond = %+v", pending)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	b := newTestBackend(t)
	err := b.Respond(context.Background(), "ghost", true, "alice", "")
	if !errors.Is(err, approval.ErrUnknownRequest) {
		t.Errorf("error = %v, want ErrUnknownRequest", err)
	}
}

func TestReaperDropsStaleRequests(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	b := newTestBackend(t, WithApprovalClock(clock), WithGCTTL(time.Minute))
	submitRequest(t, b, "stale")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	b.reap()

	pending, _ := b.Pending(context.Background())
	if len(pending) != 0 {
		t.Errorf("stale request survived reaper: %+v", pending)
	}
}

func TestHealth(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestStopTerminatesReaper(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewApprovalBackend(WithGCInterval(time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	b.Stop()
	b.Stop()
}
