package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultline/payguard/internal/version"
)

// resolveServerURL returns the server URL from the flag or the
// PAYGUARD_SERVER_URL env var. Prints a warning to stderr when falling back
// to the env var.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	normalize := func(v string) string {
		for len(v) > 0 && v[len(v)-1] == '/' {
			v = v[:len(v)-1]
		}
		return v
	}
	if cmd.Flags().Changed("server") {
		return normalize(flagValue), nil
	}
	if v := os.Getenv("PAYGUARD_SERVER_URL"); v != "" {
		fmt.Fprintf(os.Stderr, "payguard: WARNING: using server URL from PAYGUARD_SERVER_URL environment variable\n")
		return normalize(v), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set PAYGUARD_SERVER_URL")
}

func resolveAdminToken(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("PAYGUARD_ADMIN_TOKEN"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("admin token required: use --token flag or set PAYGUARD_ADMIN_TOKEN")
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "payguard",
		Short:   "Payguard - payment authorization control plane for AI agents",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("payguard") + "\n")

	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAccountsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master encryption key for PAYGUARD_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			var key [32]byte
			if _, err := rand.Read(key[:]); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println(hex.EncodeToString(key[:]))
			return nil
		},
	}
}

// adminGet performs an authenticated GET against the server and decodes the
// JSON response into out.
func adminGet(server, token, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, server+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func newStatusCmd() *cobra.Command {
	var serverURL, token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show chain health as seen by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			tok, err := resolveAdminToken(token)
			if err != nil {
				return err
			}

			var health struct {
				Status string `json:"status"`
				Chains map[string]struct {
					Status    string `json:"status"`
					LastError string `json:"last_error"`
				} `json:"chains"`
			}
			if err := adminGet(server, tok, "/v1/health/rpc", &health); err != nil {
				return err
			}

			fmt.Printf("overall: %s\n", health.Status)
			for id, rec := range health.Chains {
				line := fmt.Sprintf("  %-20s %s", id, rec.Status)
				if rec.LastError != "" {
					line += "  (" + rec.LastError + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Payguard server URL")
	cmd.Flags().StringVar(&token, "token", "", "Admin Bearer token")
	return cmd
}

func newAccountsCmd() *cobra.Command {
	var serverURL, token string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List smart accounts and their grant state",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			tok, err := resolveAdminToken(token)
			if err != nil {
				return err
			}

			var accounts []struct {
				ID          string `json:"id"`
				Label       string `json:"label"`
				Address     string `json:"address"`
				ChainID     string `json:"chain_id"`
				GrantStatus string `json:"grant_status"`
			}
			if err := adminGet(server, tok, "/v1/accounts", &accounts); err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("no accounts")
				return nil
			}
			for _, a := range accounts {
				label := a.Label
				if label == "" {
					label = "-"
				}
				fmt.Printf("%s  %s  %s  %s  grant=%s\n", a.ID, label, a.Address, a.ChainID, a.GrantStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Payguard server URL")
	cmd.Flags().StringVar(&token, "token", "", "Admin Bearer token")
	return cmd
}
