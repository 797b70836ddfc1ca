package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var reloadServerAddr string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Tell a running server to reload its rules",
	Long: `Reload asks a running PolicyShield server to re-read its rule file via
POST /api/v1/reload. The swap is atomic: in-flight checks finish on the
old rules, and a broken rule file keeps the previous rules live.

Authentication uses POLICYSHIELD_API_TOKEN when the server requires it.

Examples:
  policyshield reload
  policyshield reload --server-addr http://10.0.0.5:8080`,
	RunE: runReload,
}

func init() {
	reloadCmd.Flags().StringVar(&reloadServerAddr, "server-addr", "http://127.0.0.1:8080", "PolicyShield server address")
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	url := strings.TrimSuffix(reloadServerAddr, "/") + "/api/v1/reload"

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("POLICYSHIELD_API_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reload request failed (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result struct {
		RulesCount int    `json:"rules_count"`
		RulesHash  string `json:"rules_hash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("unexpected reload response: %w", err)
	}
	fmt.Printf("rules reloaded: %d rules, hash %s\n", result.RulesCount, result.RulesHash)
	return nil
}
