package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the configuration file and wires the
// POLICYSHIELD_ environment prefix. If configFile is empty, it searches
// the standard locations for policyshield.yaml/.yml. The search requires
// an explicit YAML extension so the binary itself (same base name, no
// extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-only configuration.
		viper.SetConfigName("policyshield")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("POLICYSHIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches ".", $HOME/.policyshield, and /etc/policyshield
// for policyshield.yaml or .yml, returning the first match.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".policyshield"),
		"/etc/policyshield",
	})
}

// findConfigFileInPaths returns the first policyshield.yaml or .yml
// found in the given directories.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyshield"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds nested config keys for environment overrides.
// The operator-facing variables keep their documented flat names
// (POLICYSHIELD_API_TOKEN, POLICYSHIELD_TRACE_DIR, ...); everything
// else follows the nested POLICYSHIELD_<SECTION>_<KEY> convention.
func bindEnvKeys() {
	_ = viper.BindEnv("server.api_token", "POLICYSHIELD_API_TOKEN")
	_ = viper.BindEnv("server.cors_origins", "POLICYSHIELD_CORS_ORIGINS")
	_ = viper.BindEnv("server.max_request_size", "POLICYSHIELD_MAX_REQUEST_SIZE")
	_ = viper.BindEnv("server.max_concurrent_checks", "POLICYSHIELD_MAX_CONCURRENT_CHECKS")
	_ = viper.BindEnv("trace.dir", "POLICYSHIELD_TRACE_DIR")

	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("shield.mode")
	_ = viper.BindEnv("shield.fail_open")
	_ = viper.BindEnv("shield.rules_path")
	_ = viper.BindEnv("shield.shadow_rules_path")

	_ = viper.BindEnv("approval.backend")
	_ = viper.BindEnv("approval.wait_for_approval")
	_ = viper.BindEnv("approval.timeout")
	_ = viper.BindEnv("approval.on_timeout")
	_ = viper.BindEnv("approval.default_strategy")
	_ = viper.BindEnv("approval.webhook.url")
	_ = viper.BindEnv("approval.webhook.secret")
	_ = viper.BindEnv("approval.slack.token")
	_ = viper.BindEnv("approval.slack.channel")

	_ = viper.BindEnv("session.ttl")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. A missing config file is not an
// error; rules_path must then come from the environment.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env overrides deliver list values as one comma-separated string.
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		cfg.Server.CORSOrigins = splitAndTrim(cfg.Server.CORSOrigins[0])
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FileUsed returns the path of the loaded configuration file, or ""
// when running from environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
