// Package ratelimit implements sliding-window call limits keyed by tool
// and session, with an optional adaptive burst brake.
package ratelimit

// GlobalScope is the window scope used when a limit is not per-session.
const GlobalScope = "__global__"

// WildcardTool applies a limit to every tool.
const WildcardTool = "*"

// Config is one configured limit.
type Config struct {
	// Tool is a literal tool name, or "*" for all tools.
	Tool string `mapstructure:"tool" yaml:"tool" validate:"required"`
	// MaxCalls allowed inside the window.
	MaxCalls int `mapstructure:"max_calls" yaml:"max_calls" validate:"gt=0"`
	// WindowSeconds is the sliding window length.
	WindowSeconds int `mapstructure:"window_seconds" yaml:"window_seconds" validate:"gt=0"`
	// PerSession scopes the window to each session instead of globally.
	PerSession bool `mapstructure:"per_session" yaml:"per_session"`
	// Message overrides the default denial message.
	Message string `mapstructure:"message" yaml:"message"`
}

// AdaptiveConfig tunes the per-session burst brake. While a session is in
// cooldown its effective limits are halved.
type AdaptiveConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// BurstThreshold is the call count inside BurstWindowSeconds that
	// trips the brake.
	BurstThreshold     int `mapstructure:"burst_threshold" yaml:"burst_threshold"`
	BurstWindowSeconds int `mapstructure:"burst_window_seconds" yaml:"burst_window_seconds"`
	CooldownSeconds    int `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed bool
	// Message is set when Allowed is false.
	Message string
}
