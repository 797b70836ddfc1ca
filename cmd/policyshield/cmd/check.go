package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/service"
)

var (
	checkRulesPath string
	checkArgsJSON  string
	checkSessionID string
	checkSender    string
	checkAudit     bool
)

var checkCmd = &cobra.Command{
	Use:   "check <tool_name>",
	Short: "Evaluate a single tool call against a rule file",
	Long: `Check evaluates one tool call against a rule file and prints the JSON
verdict. No server is needed; the engine runs in-process with a fresh
session, so chain rules and rate limits see exactly one call.

The command exits 0 whenever evaluation succeeds; the verdict is in the
body. A broken rule file exits 1.

Examples:
  # Evaluate a call with arguments
  policyshield check exec --rules rules.yaml --args '{"cmd":"rm -rf /"}'

  # Evaluate in audit mode to preview coercion
  policyshield check exec --rules rules.yaml --audit

  # Use the rule file from policyshield.yaml
  policyshield check read_file --session dev`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkRulesPath, "rules", "", "rule file or directory (default: shield.rules_path from config)")
	checkCmd.Flags().StringVar(&checkArgsJSON, "args", "{}", "tool call arguments as a JSON object")
	checkCmd.Flags().StringVar(&checkSessionID, "session", "cli", "session ID for the call")
	checkCmd.Flags().StringVar(&checkSender, "sender", "", "agent identity for sender clauses")
	checkCmd.Flags().BoolVar(&checkAudit, "audit", false, "evaluate in audit mode")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rulesPath := checkRulesPath
	if rulesPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rulesPath = cfg.Shield.RulesPath
	}

	var callArgs map[string]interface{}
	if err := json.Unmarshal([]byte(checkArgsJSON), &callArgs); err != nil {
		return fmt.Errorf("invalid --args JSON: %w", err)
	}

	mode := service.ModeEnforce
	if checkAudit {
		mode = service.ModeAudit
	}

	backend := memory.NewApprovalBackend()
	defer backend.Stop()

	// Quiet logger: stdout carries only the verdict JSON.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := service.New(service.Config{
		Mode:      mode,
		RulesPath: rulesPath,
		Version:   Version,
	}, service.Deps{
		Logger:    logger,
		Approvals: backend,
	})
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	defer engine.Close()

	resp := engine.Check(context.Background(), service.CheckRequest{
		ToolName:  args[0],
		Args:      callArgs,
		SessionID: checkSessionID,
		Sender:    checkSender,
	})

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
