package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/bridge/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "bridge-config.json"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}

			cfg := config.Config{
				Webhook: config.WebhookConfig{
					URL: "wss://example.com/ws",
				},
				Gateway: config.GatewayConfig{
					Port:    18789,
					Token:   "replace-with-gateway-token",
					AgentID: "main",
				},
				Session: config.SessionConfig{
					StorePath: "./clawrelay-sessions.json",
					Scope:     "per-sender",
				},
				LogLevel: "info",
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s — edit the webhook URL and gateway token before running\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./bridge-config.json)")
	return cmd
}
