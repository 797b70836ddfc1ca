// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "PolicyShield - policy enforcement for AI agent tool calls",
	Long: `PolicyShield is a declarative policy enforcement point for AI agent
tool calls. Every call is checked against a YAML rule set and answered
with a verdict: ALLOW, REDACT, APPROVE, or BLOCK.

Quick start:
  1. Write a rule file: rules.yaml
  2. Point the config at it: policyshield.yaml (shield.rules_path)
  3. Run: policyshield serve

Configuration:
  Config is loaded from policyshield.yaml in the current directory,
  $HOME/.policyshield/, or /etc/policyshield/.

  Environment variables override config values with the POLICYSHIELD_
  prefix. Example: POLICYSHIELD_SERVER_HTTP_ADDR=:9090
  Operator secrets keep flat names: POLICYSHIELD_API_TOKEN.

Commands:
  serve       Start the enforcement server
  check       Evaluate a single tool call against a rule file
  reload      Tell a running server to reload its rules
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyshield.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
