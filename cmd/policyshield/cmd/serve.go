package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	"github.com/policyshield/policyshield/internal/adapter/outbound/slackbot"
	tracefile "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/adapter/outbound/webhook"
	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/sanitize"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/trace"
	"github.com/policyshield/policyshield/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enforcement server",
	Long: `Start the PolicyShield HTTP server.

Rules are loaded from shield.rules_path at boot; a broken rule file is
fatal. Later edits are picked up with "policyshield reload" or
POST /api/v1/reload; a broken reload keeps the previous rules live.

Examples:
  # Start with config file settings
  policyshield serve

  # Start with a specific config file
  policyshield --config /path/to/policyshield.yaml serve

Exit codes:
  0  clean shutdown
  1  configuration or rule-load error
  2  runtime fatal (listen failure, trace directory unwritable)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// Signal context for graceful shutdown. stop() restores default
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	sanitizer, err := sanitize.New(sanitize.Config{
		MaxStringLength:  cfg.Sanitizer.MaxStringLength,
		BuiltinDetectors: cfg.Sanitizer.Detectors,
		BlockedPatterns:  cfg.Sanitizer.BlockedPatterns,
	})
	if err != nil {
		return fmt.Errorf("sanitizer config: %w", err)
	}

	var limiterOpts []ratelimit.Option
	if cfg.Adaptive.Enabled {
		limiterOpts = append(limiterOpts, ratelimit.WithAdaptive(cfg.Adaptive))
	}
	limiter := ratelimit.New(cfg.RateLimits, limiterOpts...)
	defer limiter.Stop()

	sessions := session.NewManager(
		session.WithTTL(config.Duration(cfg.Session.TTL)),
		session.WithEventBufferSize(cfg.Session.EventBufferSize),
	)
	defer sessions.Stop()

	backend, backendStop, err := buildApprovalBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("approval backend: %w", err)
	}
	defer backendStop()

	// Trace failures are runtime fatals: the operator asked for a trace
	// and would otherwise silently lose it.
	var recorder trace.Recorder
	if cfg.Trace.Dir != "" {
		fileRecorder, err := tracefile.NewFileRecorder(tracefile.Config{
			OutputDir:     cfg.Trace.Dir,
			BatchSize:     cfg.Trace.BatchSize,
			Privacy:       cfg.Trace.Privacy,
			Rotation:      cfg.Trace.Rotation,
			MaxFileSizeMB: cfg.Trace.MaxFileSizeMB,
			RetentionDays: cfg.Trace.RetentionDays,
		}, logger)
		if err != nil {
			logger.Error("trace recorder", "dir", cfg.Trace.Dir, "error", err)
			os.Exit(2)
		}
		defer func() { _ = fileRecorder.Close() }()
		recorder = fileRecorder
		logger.Info("tracing decisions", "dir", cfg.Trace.Dir, "privacy", cfg.Trace.Privacy)
	}

	engine, err := service.New(service.Config{
		Mode:                    service.Mode(cfg.Shield.Mode),
		FailOpen:                cfg.Shield.FailOpen,
		RulesPath:               cfg.Shield.RulesPath,
		ShadowRulesPath:         cfg.Shield.ShadowRulesPath,
		Version:                 Version,
		WaitForApproval:         cfg.Approval.WaitForApproval,
		ApprovalTimeout:         config.Duration(cfg.Approval.Timeout),
		OnApprovalTimeout:       timeoutVerdict(cfg.Approval.OnTimeout),
		DefaultApprovalStrategy: rule.ApprovalStrategy(cfg.Approval.DefaultStrategy),
		ApprovalGCTTL:           config.Duration(cfg.Approval.GCTTL),
		MaxConcurrentChecks:     cfg.Server.MaxConcurrentChecks,
	}, service.Deps{
		Logger:    logger,
		Sanitizer: sanitizer,
		Limiter:   limiter,
		Sessions:  sessions,
		Approvals: backend,
		Recorder:  recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Close()

	status := engine.Status()
	logger.Info("rules loaded",
		"path", cfg.Shield.RulesPath,
		"count", status.RulesCount,
		"hash", status.RulesHash,
		"mode", cfg.Shield.Mode,
	)

	srv := http.NewServer(engine,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAPIToken(cfg.Server.APIToken),
		http.WithCORSOrigins(cfg.Server.CORSOrigins),
		http.WithMaxBodyBytes(cfg.Server.MaxRequestSize),
		http.WithMaxConcurrentChecks(cfg.Server.MaxConcurrentChecks),
		http.WithFailOpen(cfg.Shield.FailOpen),
		http.WithReadiness(backend.Health),
		http.WithLogger(logger),
	)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(2)
	}

	logger.Info("policyshield stopped")
	return nil
}

// buildApprovalBackend constructs the configured backend plus its stop
// hook. The memory backend is self-contained; webhook and slack talk to
// the outside world.
func buildApprovalBackend(cfg *config.Config, logger *slog.Logger) (approval.Backend, func(), error) {
	switch cfg.Approval.Backend {
	case "webhook":
		b, err := webhook.New(webhook.Config{
			URL:            cfg.Approval.Webhook.URL,
			Mode:           webhook.Mode(cfg.Approval.Webhook.Mode),
			Secret:         cfg.Approval.Webhook.Secret,
			RequestTimeout: config.Duration(cfg.Approval.Webhook.RequestTimeout),
			PollInterval:   config.Duration(cfg.Approval.Webhook.PollInterval),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	case "slack":
		b, err := slackbot.New(slackbot.Config{
			Token:   cfg.Approval.Slack.Token,
			Channel: cfg.Approval.Slack.Channel,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	default:
		b := memory.NewApprovalBackend(memory.WithGCTTL(config.Duration(cfg.Approval.GCTTL)))
		return b, b.Stop, nil
	}
}

func timeoutVerdict(onTimeout string) rule.Verdict {
	if onTimeout == "allow" {
		return rule.VerdictAllow
	}
	return rule.VerdictBlock
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
