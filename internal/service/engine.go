package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/match"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/sanitize"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Defaults for engine configuration.
const (
	DefaultApprovalTimeout     = 300 * time.Second
	DefaultApprovalGCTTL       = time.Hour
	DefaultMaxConcurrentChecks = 64

	trackerSweepInterval = time.Minute
)

// Config is the engine's static configuration. Rule content reloads at
// runtime; everything here is fixed for the process lifetime.
type Config struct {
	// Mode selects enforce, audit, or disabled behavior.
	Mode Mode
	// FailOpen returns ALLOW instead of BLOCK on internal pipeline errors.
	FailOpen bool
	// RulesPath is the rule file or directory loaded by Reload.
	RulesPath string
	// ShadowRulesPath optionally loads a second rule set evaluated in
	// parallel for log-only verdict comparison.
	ShadowRulesPath string
	// Version is reported by Status.
	Version string

	// WaitForApproval blocks checks on APPROVE verdicts until the backend
	// resolves them or ApprovalTimeout fires. When false the check returns
	// immediately with verdict APPROVE and an approval_id the caller polls.
	WaitForApproval bool
	// ApprovalTimeout bounds the wait for a human decision. Default 300s.
	ApprovalTimeout time.Duration
	// OnApprovalTimeout is the verdict applied when the wait times out:
	// BLOCK (default) or ALLOW.
	OnApprovalTimeout rule.Verdict
	// DefaultApprovalStrategy applies to APPROVE rules that do not declare
	// their own. Default once.
	DefaultApprovalStrategy rule.ApprovalStrategy
	// ApprovalGCTTL bounds how long resolved approval records are kept for
	// status polling. Default 1h.
	ApprovalGCTTL time.Duration

	// MaxConcurrentChecks bounds the CheckAsync worker pool. Default 64.
	MaxConcurrentChecks int
}

// Deps are the engine's collaborators. Nil fields get working defaults:
// a default sanitizer, an unconfigured rate limiter, a fresh session
// manager, a no-op trace recorder, and slog.Default(). A nil Approvals
// backend makes every APPROVE rule resolve to BLOCK.
type Deps struct {
	Logger        *slog.Logger
	Sanitizer     *sanitize.Sanitizer
	Limiter       *ratelimit.Limiter
	Sessions      *session.Manager
	Approvals     approval.Backend
	ApprovalCache *approval.Cache
	Recorder      trace.Recorder
	Clock         func() time.Time
}

// ruleState bundles everything derived from one loaded rule set, so a
// reload swaps all of it atomically and in-flight checks keep a
// consistent view.
type ruleState struct {
	live     *match.Snapshot
	shadow   *match.Snapshot
	detector *pii.Detector
	hash     string
	loadedAt time.Time
}

// trackedApproval is the engine-side record of one approval request,
// backing the check-approval endpoint.
type trackedApproval struct {
	status    approval.Status
	responder string
	comment   string
	createdAt time.Time
}

// ApprovalInfo is the externally visible state of one approval request.
type ApprovalInfo struct {
	RequestID string          `json:"request_id"`
	Status    approval.Status `json:"status"`
	Responder string          `json:"responder,omitempty"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Engine is the policy decision point. Safe for concurrent use; the rule
// state pointer is swapped atomically on reload while in-flight checks
// continue on their snapshot.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	sanitizer *sanitize.Sanitizer
	limiter   *ratelimit.Limiter
	sessions  *session.Manager
	backend   approval.Backend
	cache     *approval.Cache
	recorder  trace.Recorder
	now       func() time.Time

	ownsLimiter  bool
	ownsSessions bool

	state    atomic.Pointer[ruleState]
	reloadMu sync.Mutex

	killMu     sync.Mutex
	killed     bool
	killReason string

	trackMu sync.Mutex
	tracked map[string]*trackedApproval

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an Engine and performs the initial rule load from
// cfg.RulesPath. A load failure is fatal here; later Reload failures
// keep the previous rule state.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.OnApprovalTimeout == "" {
		cfg.OnApprovalTimeout = rule.VerdictBlock
	}
	if cfg.DefaultApprovalStrategy == "" {
		cfg.DefaultApprovalStrategy = rule.StrategyOnce
	}
	if cfg.ApprovalGCTTL <= 0 {
		cfg.ApprovalGCTTL = DefaultApprovalGCTTL
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = DefaultMaxConcurrentChecks
	}

	e := &Engine{
		cfg:       cfg,
		logger:    deps.Logger,
		sanitizer: deps.Sanitizer,
		limiter:   deps.Limiter,
		sessions:  deps.Sessions,
		backend:   deps.Approvals,
		cache:     deps.ApprovalCache,
		recorder:  deps.Recorder,
		now:       deps.Clock,
		tracked:   make(map[string]*trackedApproval),
		sem:       make(chan struct{}, cfg.MaxConcurrentChecks),
		stopCh:    make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cache == nil {
		e.cache = approval.NewCache()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if e.sanitizer == nil {
		s, err := sanitize.New(sanitize.Config{})
		if err != nil {
			return nil, err
		}
		e.sanitizer = s
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(nil)
		e.ownsLimiter = true
	}
	if e.sessions == nil {
		e.sessions = session.NewManager()
		e.ownsSessions = true
	}

	if err := e.Reload(); err != nil {
		e.stopOwned()
		return nil, err
	}

	e.wg.Add(1)
	go e.trackerSweepLoop()

	return e, nil
}

// Close stops background goroutines and any collaborators the engine
// created itself. Injected collaborators are the caller's to stop.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.stopOwned()
}

func (e *Engine) stopOwned() {
	if e.ownsLimiter {
		e.limiter.Stop()
	}
	if e.ownsSessions {
		e.sessions.Stop()
	}
}

// Reload loads and compiles the rule set (and the shadow set when
// configured), swaps it in atomically, and resets the approval cache.
// On failure the previous state stays live.
func (e *Engine) Reload() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	next, err := e.loadState()
	if err != nil {
		return err
	}

	e.state.Store(next)
	e.cache.Reset()

	e.logger.Info("rules loaded",
		"path", e.cfg.RulesPath,
		"rules", len(next.live.Set.Rules),
		"hash", next.hash,
		"shadow", next.shadow != nil)
	return nil
}

// loadState builds a ruleState outside the hot path: load, compile, and
// rebuild the PII detector with the set's custom patterns.
func (e *Engine) loadState() (*ruleState, error) {
	set, err := rule.Load(e.cfg.RulesPath)
	if err != nil {
		return nil, err
	}

	live, err := match.Compile(set)
	if err != nil {
		return nil, err
	}

	custom := make([]pii.CustomPattern, 0, len(set.PIIPatterns))
	for _, p := range set.PIIPatterns {
		custom = append(custom, pii.CustomPattern{Name: p.Name, Pattern: p.Pattern})
	}
	detector, err := pii.NewDetector(custom)
	if err != nil {
		return nil, err
	}

	st := &ruleState{
		live:     live,
		detector: detector,
		hash:     rulesHash(set),
		loadedAt: e.now(),
	}

	if e.cfg.ShadowRulesPath != "" {
		shadowSet, err := rule.Load(e.cfg.ShadowRulesPath)
		if err != nil {
			return nil, fmt.Errorf("shadow rules: %w", err)
		}
		st.shadow, err = match.Compile(shadowSet)
		if err != nil {
			return nil, fmt.Errorf("shadow rules: %w", err)
		}
	}

	return st, nil
}

// rulesHash fingerprints a rule set for the status endpoint and reload
// logging. Structural, not file-based, so directory loads hash the same
// regardless of file layout.
func rulesHash(set *rule.Set) string {
	data, err := json.Marshal(set)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Kill engages the kill switch: every subsequent check returns BLOCK
// until Resume, regardless of mode or rules.
func (e *Engine) Kill(reason string) {
	e.killMu.Lock()
	e.killed = true
	e.killReason = reason
	e.killMu.Unlock()
	e.logger.Warn("kill switch engaged", "reason", reason)
}

// Resume clears the kill switch.
func (e *Engine) Resume() {
	e.killMu.Lock()
	e.killed = false
	e.killReason = ""
	e.killMu.Unlock()
	e.logger.Info("kill switch cleared")
}

// Killed reports the kill switch state and reason.
func (e *Engine) Killed() (bool, string) {
	e.killMu.Lock()
	defer e.killMu.Unlock()
	return e.killed, e.killReason
}

// Status returns the engine's operational snapshot.
func (e *Engine) Status() Status {
	killed, reason := e.Killed()
	st := e.state.Load()
	return Status{
		Running:    true,
		Killed:     killed,
		KillReason: reason,
		Mode:       e.cfg.Mode,
		RulesCount: len(st.live.Set.Rules),
		RulesHash:  st.hash,
		Version:    e.cfg.Version,
	}
}

// RuleSet returns the live rule set for the constraints endpoint.
func (e *Engine) RuleSet() *rule.Set {
	return e.state.Load().live.Set
}

// ClearTaint removes all PII taints from a session. Returns false when
// the session is unknown.
func (e *Engine) ClearTaint(sessionID string) bool {
	return e.sessions.ClearTaints(sessionID)
}

// Check evaluates one tool call. It never returns an error: internal
// failures resolve through the fail-open/fail-closed policy.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (resp CheckResponse) {
	start := e.now()
	st := e.state.Load()

	var approvalOutcome *trace.ApprovalOutcome
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("check pipeline panic", "tool", req.ToolName, "panic", r)
			resp = e.internalErrorResponse(fmt.Sprintf("internal error: %v", r))
		}
		e.record(ctx, req, resp, start, approvalOutcome)
	}()

	resp, approvalOutcome = e.check(ctx, st, req)
	return resp
}

// CheckAsync runs Check through the bounded worker pool and delivers the
// result on the returned channel. The channel is buffered; the caller
// may abandon it.
func (e *Engine) CheckAsync(ctx context.Context, req CheckRequest) <-chan CheckResponse {
	out := make(chan CheckResponse, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
			out <- e.Check(ctx, req)
		case <-ctx.Done():
			out <- e.internalErrorResponse("check canceled: " + ctx.Err().Error())
		case <-e.stopCh:
			out <- e.internalErrorResponse("engine shutting down")
		}
	}()

	return out
}

// check runs the pipeline steps that produce a verdict. Trace recording
// and panic recovery live in Check.
func (e *Engine) check(ctx context.Context, st *ruleState, req CheckRequest) (CheckResponse, *trace.ApprovalOutcome) {
	// Disabled mode short-circuits everything.
	if e.cfg.Mode == ModeDisabled {
		return CheckResponse{Verdict: rule.VerdictAllow}, nil
	}

	// Kill switch overrides everything, audit mode included.
	if killed, reason := e.Killed(); killed {
		msg := "Emergency kill switch engaged"
		if reason != "" {
			msg += ": " + reason
		}
		return CheckResponse{Verdict: rule.VerdictBlock, RuleID: RuleIDKillSwitch, Message: msg}, nil
	}

	// Sanitizer: normalization plus injection screening.
	san := e.sanitizer.Sanitize(req.Args)
	if san.Rejected {
		return e.coerce(CheckResponse{
			Verdict: rule.VerdictBlock,
			RuleID:  RuleIDSanitizer,
			Message: san.RejectionReason,
		}), nil
	}
	for _, w := range san.Warnings {
		e.logger.Debug("sanitizer warning", "tool", req.ToolName, "warning", w)
	}
	args := san.Args

	// Rate limiting. Budget is consumed later, only for verdicts that count.
	if rl := e.limiter.Check(req.ToolName, req.SessionID); !rl.Allowed {
		return e.coerce(CheckResponse{
			Verdict: rule.VerdictBlock,
			RuleID:  RuleIDRateLimit,
			Message: rl.Message,
		}), nil
	}

	// Honeypot tools block unconditionally, audit mode included.
	if st.live.Set.IsHoneypot(req.ToolName) {
		return CheckResponse{
			Verdict: rule.VerdictBlock,
			RuleID:  HoneypotRulePrefix + req.ToolName,
			Message: fmt.Sprintf("Honeypot tool %q was called", req.ToolName),
		}, nil
	}

	if req.SessionID != "" {
		e.sessions.Touch(req.SessionID)
	}
	snap, _ := e.sessions.Snapshot(req.SessionID)

	query := match.Query{
		Tool:           req.ToolName,
		Args:           args,
		Sender:         req.Sender,
		Context:        req.Context,
		Session:        snap,
		SessionTainted: snap.PIITainted,
	}
	if req.SessionID != "" {
		sid := req.SessionID
		query.CountEvents = func(tool string, within time.Duration, verdict *rule.Verdict) int {
			return e.sessions.CountRecentEvents(sid, tool, within, verdict)
		}
	}

	matched, found := st.live.Match(query, nil)

	verdict := st.live.Set.DefaultVerdict
	ruleID, message := "", ""
	var strategy rule.ApprovalStrategy
	if found {
		verdict = matched.Rule.Then
		ruleID = matched.Rule.ID
		message = matched.Rule.Message
		strategy = matched.Rule.ApprovalStrategy
	}

	// PII scan is best-effort: a detector failure must never fail the check.
	matches := e.scanArgs(st.detector, req.ToolName, args)
	if req.SessionID != "" && len(matches) > 0 {
		e.sessions.AddTaint(req.SessionID, pii.TypeSet(matches),
			fmt.Sprintf("PII in args of %s", req.ToolName))
	}

	resp := CheckResponse{Verdict: verdict, RuleID: ruleID, Message: message, PIIMatches: matches}
	var outcome *trace.ApprovalOutcome

	switch verdict {
	case rule.VerdictRedact:
		redacted, redactMatches := st.detector.Redact(args)
		if len(redactMatches) > 0 {
			resp.OriginalArgs = args
			resp.ModifiedArgs = redacted.(map[string]interface{})
			resp.PIIMatches = redactMatches
		}
	case rule.VerdictApprove:
		resp, outcome = e.handleApproval(ctx, req, args, ruleID, message, strategy)
	}

	resp = e.coerce(resp)

	// Count the call only when it actually proceeds.
	if resp.Verdict != rule.VerdictBlock && resp.Verdict != rule.VerdictApprove {
		if req.SessionID != "" {
			e.sessions.Increment(req.SessionID, req.ToolName)
			e.sessions.RecordEvent(req.SessionID, req.ToolName, resp.Verdict)
		}
		e.limiter.Record(req.ToolName, req.SessionID)
	}

	e.shadowEvaluate(st, query, verdict)

	return resp, outcome
}

// PostCheck scans a tool's output for PII and taints the session with
// whatever it finds. Always allows; the caller decides how to react.
func (e *Engine) PostCheck(_ context.Context, req PostCheckRequest) PostCheckResponse {
	st := e.state.Load()

	matches := e.scanArgs(st.detector, req.ToolName, req.Output)
	if req.SessionID != "" && len(matches) > 0 {
		e.sessions.AddTaint(req.SessionID, pii.TypeSet(matches),
			fmt.Sprintf("PII in output of %s", req.ToolName))
	}

	return PostCheckResponse{Verdict: rule.VerdictAllow, PIIMatches: matches}
}

// scanArgs wraps the PII scan so a detector panic degrades to "no
// matches" instead of failing the check.
func (e *Engine) scanArgs(detector *pii.Detector, tool string, v interface{}) (matches []pii.Match) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pii scan failed", "tool", tool, "panic", r)
			matches = nil
		}
	}()
	return detector.ScanValue(v)
}

// coerce applies audit-mode coercion: non-ALLOW verdicts become ALLOW
// with a marked message, keeping the rule ID and any redaction.
func (e *Engine) coerce(resp CheckResponse) CheckResponse {
	if e.cfg.Mode != ModeAudit || resp.Verdict == rule.VerdictAllow {
		return resp
	}
	e.logger.Info("audit mode coerced verdict",
		"verdict", resp.Verdict, "rule_id", resp.RuleID)
	resp.Verdict = rule.VerdictAllow
	resp.Message = AuditPrefix + resp.Message
	resp.ApprovalID = ""
	return resp
}

// internalErrorResponse resolves a pipeline failure through the
// fail-open/fail-closed policy.
func (e *Engine) internalErrorResponse(msg string) CheckResponse {
	if e.cfg.FailOpen {
		return CheckResponse{Verdict: rule.VerdictAllow, Message: msg}
	}
	return CheckResponse{Verdict: rule.VerdictBlock, RuleID: RuleIDInternalError, Message: msg}
}

// record writes the trace line for one completed check.
func (e *Engine) record(ctx context.Context, req CheckRequest, resp CheckResponse, start time.Time, outcome *trace.ApprovalOutcome) {
	rec := trace.Record{
		Timestamp: start,
		SessionID: req.SessionID,
		Tool:      req.ToolName,
		Verdict:   resp.Verdict,
		RuleID:    resp.RuleID,
		PIITypes:  pii.TypeSet(resp.PIIMatches),
		LatencyMS: float64(e.now().Sub(start)) / float64(time.Millisecond),
		Args:      req.Args,
		Approval:  outcome,
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		e.logger.Error("trace record failed", "error", err)
	}
}

// shadowEvaluate matches the query under the shadow rule set and logs
// when its verdict differs from the live one. Never affects the result.
func (e *Engine) shadowEvaluate(st *ruleState, query match.Query, liveVerdict rule.Verdict) {
	if st.shadow == nil {
		return
	}

	shadowVerdict := st.shadow.Set.DefaultVerdict
	shadowRule := ""
	if matched, ok := st.shadow.Match(query, nil); ok {
		shadowVerdict = matched.Rule.Then
		shadowRule = matched.Rule.ID
	}

	if shadowVerdict != liveVerdict {
		e.logger.Info("shadow verdict differs",
			"tool", query.Tool,
			"live_verdict", liveVerdict,
			"shadow_verdict", shadowVerdict,
			"shadow_rule_id", shadowRule)
	}
}

// nopRecorder is the default trace recorder when none is injected.
type nopRecorder struct{}

func (nopRecorder) Record(context.Context, trace.Record) error { return nil }
func (nopRecorder) Flush(context.Context) error                { return nil }
func (nopRecorder) Close() error                               { return nil }

var _ trace.Recorder = nopRecorder{}
