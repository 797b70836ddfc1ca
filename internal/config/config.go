// Package config provides the PolicyShield configuration schema.
//
// Configuration is file-based (policyshield.yaml) with environment
// overrides under the POLICYSHIELD_ prefix. Sessions and approvals are
// in-memory by design; the only persistence is the rotating JSONL trace
// log, so there is nothing to configure for databases or brokers here.
package config

import (
	"time"

	"github.com/policyshield/policyshield/internal/domain/ratelimit"
)

// Config is the top-level PolicyShield configuration.
type Config struct {
	// Server configures the HTTP listener and its guards.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Shield configures the enforcement engine.
	Shield ShieldConfig `yaml:"shield" mapstructure:"shield"`

	// Approval configures the human-approval flow and its backend.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Trace configures the JSONL decision trace.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// Session configures the in-memory session manager.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// RateLimits lists sliding-window call limits. Tool "*" applies to
	// every call.
	RateLimits []ratelimit.Config `yaml:"rate_limits" mapstructure:"rate_limits" validate:"omitempty,dive"`

	// Adaptive tunes the per-session burst brake for the rate limiter.
	Adaptive ratelimit.AdaptiveConfig `yaml:"adaptive" mapstructure:"adaptive"`

	// Sanitizer configures argument hygiene.
	Sanitizer SanitizerConfig `yaml:"sanitizer" mapstructure:"sanitizer"`
}

// SanitizerConfig configures the argument sanitizer. Zero values keep
// the built-in caps and enable every built-in detector.
type SanitizerConfig struct {
	// MaxStringLength truncates longer string values. Defaults to 10000.
	MaxStringLength int `yaml:"max_string_length" mapstructure:"max_string_length" validate:"omitempty,min=1"`

	// Detectors names the built-in detectors to run. Omit for all.
	Detectors []string `yaml:"detectors" mapstructure:"detectors"`

	// BlockedPatterns are additional regexes that reject a call.
	BlockedPatterns []string `yaml:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; put a reverse proxy in front for that.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080"
	// (localhost only); set ":8080" or "0.0.0.0:8080" for network access.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// APIToken enables bearer authentication on every route except
	// /api/v1/health. Usually set via POLICYSHIELD_API_TOKEN rather
	// than the file.
	APIToken string `yaml:"api_token" mapstructure:"api_token"`

	// CORSOrigins lists allowed cross-origin origins. Empty disables
	// CORS. POLICYSHIELD_CORS_ORIGINS takes a comma-separated list.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// MaxRequestSize caps request bodies in bytes. Defaults to 1 MiB.
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size" validate:"omitempty,min=1"`

	// MaxConcurrentChecks bounds in-flight /check requests; overflow
	// answers 503 with a BLOCK verdict. Defaults to 64.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks" validate:"omitempty,min=1"`
}

// ShieldConfig configures the enforcement engine.
type ShieldConfig struct {
	// Mode is enforce, audit, or disabled. Defaults to "enforce".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=enforce audit disabled"`

	// FailOpen selects the verdict when the pipeline itself fails:
	// false (default) blocks, true allows.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`

	// RulesPath is the rule file or directory. Required.
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path" validate:"required"`

	// ShadowRulesPath is an optional second rule set evaluated for
	// logging only; it never affects verdicts.
	ShadowRulesPath string `yaml:"shadow_rules_path" mapstructure:"shadow_rules_path"`
}

// ApprovalConfig configures the human-approval flow.
type ApprovalConfig struct {
	// Backend is memory, webhook, or slack. Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory webhook slack"`

	// WaitForApproval makes /check block until the decision arrives
	// (bounded by Timeout). Default false: respond APPROVE immediately
	// with an approval_id for polling.
	WaitForApproval bool `yaml:"wait_for_approval" mapstructure:"wait_for_approval"`

	// Timeout bounds a blocking wait (e.g. "300s", "5m"). Defaults
	// to "300s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// OnTimeout is the verdict when a blocking wait expires: block
	// (default) or allow. Timed-out decisions are never cached.
	OnTimeout string `yaml:"on_timeout" mapstructure:"on_timeout" validate:"omitempty,oneof=block allow"`

	// DefaultStrategy is the caching strategy for rules that do not set
	// one: once, per_session, per_rule, per_tool. Defaults to "once".
	DefaultStrategy string `yaml:"default_strategy" mapstructure:"default_strategy" validate:"omitempty,oneof=once per_session per_rule per_tool"`

	// GCTTL is how long resolved approval requests stay queryable via
	// /api/v1/check-approval (e.g. "1h"). Defaults to "1h".
	GCTTL string `yaml:"gc_ttl" mapstructure:"gc_ttl" validate:"omitempty,duration"`

	// Webhook configures the webhook backend. Only read when
	// backend: webhook.
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`

	// Slack configures the Slack backend. Only read when backend: slack.
	Slack SlackConfig `yaml:"slack" mapstructure:"slack"`
}

// WebhookConfig configures the webhook approval backend.
type WebhookConfig struct {
	// URL receives the approval request POST.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Mode is sync (decision in the POST response) or poll (POST
	// returns a poll_url). Defaults to "sync".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=sync poll"`

	// Secret enables HMAC signing of request bodies when non-empty.
	Secret string `yaml:"secret" mapstructure:"secret"`

	// RequestTimeout bounds each HTTP call (e.g. "10s").
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`

	// PollInterval is the poll cadence in poll mode (e.g. "2s").
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty,duration"`
}

// SlackConfig configures the Slack approval backend.
type SlackConfig struct {
	// Token is the bot token (xoxb-...).
	Token string `yaml:"token" mapstructure:"token"`

	// Channel receives approval messages.
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// TraceConfig configures the JSONL decision trace.
type TraceConfig struct {
	// Dir is the trace output directory. Empty disables tracing.
	// POLICYSHIELD_TRACE_DIR overrides.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// BatchSize is the buffer length before an automatic flush.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// Privacy replaces traced args with their SHA-256 hash.
	Privacy bool `yaml:"privacy" mapstructure:"privacy"`

	// Rotation is "size" or "none". Defaults to "size".
	Rotation string `yaml:"rotation" mapstructure:"rotation" validate:"omitempty,oneof=size none"`

	// MaxFileSizeMB caps file size before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// RetentionDays removes older trace files. Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

// SessionConfig configures the in-memory session manager.
type SessionConfig struct {
	// TTL is how long an idle session lives (e.g. "30m"). Defaults
	// to "30m".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// EventBufferSize caps the per-session event ring used by chain
	// rules. Defaults to 256.
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size" validate:"omitempty,min=1"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 << 20
	}
	if c.Server.MaxConcurrentChecks == 0 {
		c.Server.MaxConcurrentChecks = 64
	}

	if c.Shield.Mode == "" {
		c.Shield.Mode = "enforce"
	}

	if c.Approval.Backend == "" {
		c.Approval.Backend = "memory"
	}
	if c.Approval.Timeout == "" {
		c.Approval.Timeout = "300s"
	}
	if c.Approval.OnTimeout == "" {
		c.Approval.OnTimeout = "block"
	}
	if c.Approval.DefaultStrategy == "" {
		c.Approval.DefaultStrategy = "once"
	}
	if c.Approval.GCTTL == "" {
		c.Approval.GCTTL = "1h"
	}
	if c.Approval.Webhook.Mode == "" {
		c.Approval.Webhook.Mode = "sync"
	}
	if c.Approval.Webhook.RequestTimeout == "" {
		c.Approval.Webhook.RequestTimeout = "10s"
	}
	if c.Approval.Webhook.PollInterval == "" {
		c.Approval.Webhook.PollInterval = "2s"
	}

	if c.Trace.BatchSize == 0 {
		c.Trace.BatchSize = 100
	}
	if c.Trace.Rotation == "" {
		c.Trace.Rotation = "size"
	}
	if c.Trace.MaxFileSizeMB == 0 {
		c.Trace.MaxFileSizeMB = 100
	}
	if c.Trace.RetentionDays == 0 {
		c.Trace.RetentionDays = 30
	}

	if c.Session.TTL == "" {
		c.Session.TTL = "30m"
	}
	if c.Session.EventBufferSize == 0 {
		c.Session.EventBufferSize = 256
	}
}

// Duration parses a duration field that already passed the "duration"
// validator. The zero value for an empty string keeps callers honest
// about defaults.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
