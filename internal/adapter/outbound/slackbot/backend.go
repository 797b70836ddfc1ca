// Package slackbot implements the approval backend on Slack interactive
// messages: approval requests become messages with Approve/Deny buttons,
// and interaction callbacks resolve the pending request.
package slackbot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// Button action IDs carried in interaction callbacks.
const (
	ActionApprove = "policyshield_approve"
	ActionDeny    = "policyshield_deny"
)

// Config holds Slack backend configuration.
type Config struct {
	// Token is the bot token (xoxb-...).
	Token string
	// Channel receives approval messages.
	Channel string
	// APIURL overrides the Slack API base URL, used in tests.
	APIURL string
}

// slackAPI is the subset of the Slack client the backend uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

type pendingEntry struct {
	req      approval.Request
	resultCh chan approval.Response
	resolved bool
}

// Backend implements approval.Backend over Slack.
type Backend struct {
	api     slackAPI
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates a Slack Backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack backend requires a bot token")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack backend requires a channel")
	}

	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &Backend{
		api:     slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}, nil
}

// Submit posts an interactive approval message.
func (b *Backend) Submit(ctx context.Context, req approval.Request) error {
	b.mu.Lock()
	b.pending[req.RequestID] = &pendingEntry{
		req:      req,
		resultCh: make(chan approval.Response, 1),
	}
	b.mu.Unlock()

	_, _, err := b.api.PostMessageContext(ctx, b.channel,
		slack.MsgOptionBlocks(buildApprovalBlocks(req)...))
	if err != nil {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
		return fmt.Errorf("post approval message: %w", err)
	}
	return nil
}

// WaitForResponse blocks until a button press or Respond resolves the
// request, the timeout fires, or ctx is canceled. Timeout returns (nil, nil).
func (b *Backend) WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (*approval.Response, error) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, approval.ErrUnknownRequest
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	select {
	case resp := <-entry.resultCh:
		return &resp, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves a pending request. First response wins.
func (b *Backend) Respond(_ context.Context, requestID string, approved bool, responder, comment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[requestID]
	if !ok {
		return approval.ErrUnknownRequest
	}
	if entry.resolved {
		return approval.ErrAlreadyResolved
	}
	entry.resolved = true
	entry.resultCh <- approval.Response{
		RequestID: requestID,
		Approved:  approved,
		Responder: responder,
		Comment:   comment,
		Timestamp: time.Now().UTC(),
	}
	return nil
}

// Pending lists unresolved requests.
func (b *Backend) Pending(_ context.Context) ([]approval.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]approval.Request, 0, len(b.pending))
	for _, e := range b.pending {
		if !e.resolved {
			out = append(out, e.req)
		}
	}
	return out, nil
}

// Health probes the bot identity endpoint.
func (b *Backend) Health(ctx context.Context) error {
	if _, err := b.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	return nil
}

// HandleInteraction translates a block-action callback into a response.
// Unknown action IDs are ignored.
func (b *Backend) HandleInteraction(ctx context.Context, callback slack.InteractionCallback) error {
	for _, action := range callback.ActionCallback.BlockActions {
		switch action.ActionID {
		case ActionApprove:
			return b.Respond(ctx, action.Value, true, callback.User.Name, "approved via slack")
		case ActionDeny:
			return b.Respond(ctx, action.Value, false, callback.User.Name, "denied via slack")
		}
	}
	return nil
}

// buildApprovalBlocks renders the interactive message. The request ID
// travels in the button values.
func buildApprovalBlocks(req approval.Request) []slack.Block {
	var summary strings.Builder
	fmt.Fprintf(&summary, "*Approval required*\n*Tool:* `%s`\n*Rule:* `%s`\n*Session:* `%s`",
		req.Tool, req.RuleID, req.SessionID)
	if req.Message != "" {
		fmt.Fprintf(&summary, "\n%s", req.Message)
	}
	if len(req.Args) > 0 {
		fmt.Fprintf(&summary, "\n*Args:*\n```%s```", formatArgs(req.Args))
	}

	approveBtn := slack.NewButtonBlockElement(ActionApprove, req.RequestID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approveBtn.Style = slack.StylePrimary
	denyBtn := slack.NewButtonBlockElement(ActionDeny, req.RequestID,
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false))
	denyBtn.Style = slack.StyleDanger

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, summary.String(), false, false),
			nil, nil),
		slack.NewActionBlock("policyshield_approval", approveBtn, denyBtn),
	}
}

// formatArgs renders args one per line in key order. Values arrive
// already secret-masked and truncated.
func formatArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, args[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ approval.Backend = (*Backend)(nil)
