package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/service"
)

// MaxToolNameLength caps the tool_name field.
const MaxToolNameLength = 256

// MaxArgsDepth caps nesting of the args tree at the boundary; the
// sanitizer enforces its own cap again inside the engine.
const MaxArgsDepth = 10

// toolNamePattern is the accepted tool name charset.
var toolNamePattern = regexp.MustCompile(`^[\w.\-:]+$`)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response, attaching the request ID when the
// payload is a map.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	if m, ok := payload.(map[string]interface{}); ok {
		if id := RequestIDFromContext(r.Context()); id != "" {
			m["request_id"] = id
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorBody{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}

// decodeJSON decodes the request body, translating body-cap overflows
// into 413 and malformed JSON into 422.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error: "+err.Error())
		return false
	}
	return true
}

// validateCheckRequest applies the boundary caps before the engine sees
// the call.
func validateCheckRequest(req *service.CheckRequest) error {
	name := strings.TrimSpace(req.ToolName)
	if name == "" {
		return fmt.Errorf("tool_name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool_name exceeds %d characters", MaxToolNameLength)
	}
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool_name contains invalid characters")
	}
	req.ToolName = name

	if depth := argsDepth(req.Args, 1); depth > MaxArgsDepth {
		return fmt.Errorf("args nesting exceeds depth %d", MaxArgsDepth)
	}
	return nil
}

// argsDepth measures the nesting depth of an args tree.
func argsDepth(v interface{}, depth int) int {
	deepest := depth
	switch val := v.(type) {
	case map[string]interface{}:
		for _, item := range val {
			if d := argsDepth(item, depth+1); d > deepest {
				deepest = d
			}
		}
	case []interface{}:
		for _, item := range val {
			if d := argsDepth(item, depth+1); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}

// handleCheck evaluates one tool call. A full semaphore answers 503 with
// a BLOCK verdict so agent-side callers always have a verdict to act on.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	select {
	case s.checkSem <- struct{}{}:
		defer func() { <-s.checkSem }()
	default:
		s.metrics.CheckOverloads.Inc()
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]interface{}{
			"verdict": rule.VerdictBlock,
			"error":   "server_overloaded",
		})
		return
	}

	var req service.CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateCheckRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error: "+err.Error())
		return
	}

	start := time.Now()
	resp := s.engine.Check(r.Context(), req)
	s.metrics.ChecksTotal.WithLabelValues(string(resp.Verdict)).Inc()

	LoggerFromContext(r.Context()).Info("check",
		"tool", req.ToolName,
		"session_id", req.SessionID,
		"verdict", resp.Verdict,
		"rule_id", resp.RuleID,
		"duration", time.Since(start))

	writeJSON(w, r, http.StatusOK, resp)
}

// handlePostCheck scans tool output for PII taint.
func (s *Server) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req service.PostCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error: tool_name is required")
		return
	}
	writeJSON(w, r, http.StatusOK, s.engine.PostCheck(r.Context(), req))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(); err != nil {
		writeError(w, r, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	st := s.engine.Status()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":      "reloaded",
		"rules_count": st.RulesCount,
		"rules_hash":  st.RulesHash,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.engine.Kill(req.Reason)
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status": "killed",
		"reason": req.Reason,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "resumed"})
}

// handleConstraints renders a summary of the active policy for operators
// and for agents that want to explain denials.
func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	set := s.engine.RuleSet()

	rules := make([]map[string]interface{}, 0, len(set.Rules))
	for _, rl := range set.Rules {
		if !rl.Enabled {
			continue
		}
		entry := map[string]interface{}{
			"id":       rl.ID,
			"verdict":  rl.Then,
			"priority": rl.Priority,
			"severity": rl.Severity,
		}
		if rl.Description != "" {
			entry["description"] = rl.Description
		}
		if len(rl.When.Tool.Values) > 0 {
			entry["tools"] = rl.When.Tool.Values
		}
		rules = append(rules, entry)
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"shield_name":     set.ShieldName,
		"default_verdict": set.DefaultVerdict,
		"honeypots":       set.Honeypots,
		"rules":           rules,
	})
}

func (s *Server) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID string `json:"approval_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	info, ok := s.engine.ApprovalStatus(req.ApprovalID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown approval_id")
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID string `json:"approval_id"`
		Approved   bool   `json:"approved"`
		Responder  string `json:"responder"`
		Comment    string `json:"comment"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error: approval_id is required")
		return
	}
	if err := s.engine.RespondApproval(r.Context(), req.ApprovalID, req.Approved, req.Responder, req.Comment); err != nil {
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "accepted"})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.PendingApprovals.Set(float64(len(pending)))
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error: session_id is required")
		return
	}
	if !s.engine.ClearTaint(req.SessionID) {
		writeError(w, r, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "cleared"})
}
