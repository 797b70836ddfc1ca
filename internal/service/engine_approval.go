package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

// handleApproval resolves an APPROVE verdict through the cache and the
// configured backend. In blocking mode the call waits for the human
// decision; otherwise the response carries an approval_id the caller
// polls while a background watcher settles the request.
func (e *Engine) handleApproval(ctx context.Context, req CheckRequest, args map[string]interface{}, ruleID, message string, strategy rule.ApprovalStrategy) (CheckResponse, *trace.ApprovalOutcome) {
	if strategy == "" {
		strategy = e.cfg.DefaultApprovalStrategy
	}

	key, cacheable := approval.CacheKey(strategy, req.SessionID, ruleID, req.ToolName)
	if cacheable {
		if d, ok := e.cache.Get(key); ok {
			if d.Approved {
				return CheckResponse{
					Verdict: rule.VerdictAllow,
					RuleID:  ruleID,
					Message: fmt.Sprintf("approved by %s (cached)", d.Responder),
				}, nil
			}
			return CheckResponse{
				Verdict: rule.VerdictBlock,
				RuleID:  ruleID,
				Message: "cached denial",
			}, nil
		}
	}

	if e.backend == nil {
		e.logger.Warn("approval required but no backend configured", "rule_id", ruleID)
		return CheckResponse{
			Verdict: rule.VerdictBlock,
			RuleID:  ruleID,
			Message: "approval required but no approval backend is configured",
		}, nil
	}

	areq := approval.Request{
		RequestID: uuid.NewString(),
		Tool:      req.ToolName,
		Args:      approval.SanitizeArgs(args),
		RuleID:    ruleID,
		Message:   message,
		SessionID: req.SessionID,
		Timestamp: e.now().UTC(),
	}

	e.trackApproval(areq.RequestID)

	if err := e.backend.Submit(ctx, areq); err != nil {
		e.logger.Error("approval submit failed", "rule_id", ruleID, "error", err)
		e.resolveTracked(areq.RequestID, approval.StatusExpired, "", "")
		return e.applyTimeoutPolicy(ruleID, "approval request could not be submitted"),
			&trace.ApprovalOutcome{RequestID: areq.RequestID, TimedOut: true}
	}

	if !e.cfg.WaitForApproval {
		e.watchApproval(areq, key, cacheable)
		return CheckResponse{
			Verdict:    rule.VerdictApprove,
			RuleID:     ruleID,
			Message:    message,
			ApprovalID: areq.RequestID,
		}, &trace.ApprovalOutcome{RequestID: areq.RequestID}
	}

	resp, err := e.backend.WaitForResponse(ctx, areq.RequestID, e.cfg.ApprovalTimeout)
	if err != nil {
		e.logger.Error("approval wait failed", "request_id", areq.RequestID, "error", err)
		e.resolveTracked(areq.RequestID, approval.StatusExpired, "", "")
		return e.applyTimeoutPolicy(ruleID, "approval wait failed: "+err.Error()),
			&trace.ApprovalOutcome{RequestID: areq.RequestID, TimedOut: true}
	}
	if resp == nil {
		// Timeout. Never cached: the next call asks again.
		e.resolveTracked(areq.RequestID, approval.StatusExpired, "", "")
		return e.applyTimeoutPolicy(ruleID, "approval request timed out"),
			&trace.ApprovalOutcome{RequestID: areq.RequestID, TimedOut: true}
	}

	e.settleApproval(areq.RequestID, key, cacheable, resp)

	outcome := &trace.ApprovalOutcome{
		RequestID: areq.RequestID,
		Approved:  resp.Approved,
		Responder: resp.Responder,
	}
	if resp.Approved {
		return CheckResponse{
			Verdict: rule.VerdictAllow,
			RuleID:  ruleID,
			Message: fmt.Sprintf("approved by %s", resp.Responder),
		}, outcome
	}
	return CheckResponse{
		Verdict: rule.VerdictBlock,
		RuleID:  ruleID,
		Message: fmt.Sprintf("denied by %s", resp.Responder),
	}, outcome
}

// applyTimeoutPolicy maps an unresolved approval to the configured
// on_timeout verdict.
func (e *Engine) applyTimeoutPolicy(ruleID, msg string) CheckResponse {
	if e.cfg.OnApprovalTimeout == rule.VerdictAllow {
		return CheckResponse{Verdict: rule.VerdictAllow, RuleID: ruleID, Message: msg}
	}
	return CheckResponse{Verdict: rule.VerdictBlock, RuleID: ruleID, Message: msg}
}

// watchApproval settles a non-blocking approval in the background so the
// cache and the tracker reflect the eventual decision.
func (e *Engine) watchApproval(areq approval.Request, key string, cacheable bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		resp, err := e.backend.WaitForResponse(ctx, areq.RequestID, e.cfg.ApprovalTimeout)
		if err != nil || resp == nil {
			e.resolveTracked(areq.RequestID, approval.StatusExpired, "", "")
			return
		}
		e.settleApproval(areq.RequestID, key, cacheable, resp)
	}()
}

// settleApproval records a resolved decision in the tracker and, when the
// strategy caches, in the approval cache.
func (e *Engine) settleApproval(requestID, key string, cacheable bool, resp *approval.Response) {
	status := approval.StatusDenied
	if resp.Approved {
		status = approval.StatusApproved
	}
	e.resolveTracked(requestID, status, resp.Responder, resp.Comment)

	if cacheable {
		e.cache.Put(key, approval.Decision{
			Approved:  resp.Approved,
			Responder: resp.Responder,
			At:        e.now(),
		})
	}
}

// trackApproval registers a new pending request for status polling.
func (e *Engine) trackApproval(requestID string) {
	e.trackMu.Lock()
	e.tracked[requestID] = &trackedApproval{
		status:    approval.StatusPending,
		createdAt: e.now(),
	}
	e.trackMu.Unlock()
}

// resolveTracked moves a tracked request to its final status.
func (e *Engine) resolveTracked(requestID string, status approval.Status, responder, comment string) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	t, ok := e.tracked[requestID]
	if !ok {
		return
	}
	t.status = status
	t.responder = responder
	t.comment = comment
}

// ApprovalStatus reports the state of one approval request. The second
// return is false for unknown or already-reaped requests.
func (e *Engine) ApprovalStatus(requestID string) (ApprovalInfo, bool) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	t, ok := e.tracked[requestID]
	if !ok {
		return ApprovalInfo{}, false
	}
	return ApprovalInfo{
		RequestID: requestID,
		Status:    t.status,
		Responder: t.responder,
		Comment:   t.comment,
		CreatedAt: t.createdAt,
	}, true
}

// RespondApproval resolves a pending request through the backend on
// behalf of an external operator.
func (e *Engine) RespondApproval(ctx context.Context, requestID string, approved bool, responder, comment string) error {
	if e.backend == nil {
		return fmt.Errorf("no approval backend configured")
	}
	return e.backend.Respond(ctx, requestID, approved, responder, comment)
}

// PendingApprovals lists requests still awaiting a decision.
func (e *Engine) PendingApprovals(ctx context.Context) ([]approval.Request, error) {
	if e.backend == nil {
		return nil, nil
	}
	return e.backend.Pending(ctx)
}

// trackerSweepLoop reaps resolved approval records past the GC TTL.
func (e *Engine) trackerSweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.reapTracked(e.now())
		}
	}
}

// reapTracked drops tracked approvals older than the GC TTL.
func (e *Engine) reapTracked(now time.Time) {
	cutoff := now.Add(-e.cfg.ApprovalGCTTL)
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	for id, t := range e.tracked {
		if t.createdAt.Before(cutoff) {
			delete(e.tracked, id)
		}
	}
}
