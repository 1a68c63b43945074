package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginEnvironment string
	loginExpires     time.Duration
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginEnvironment, "env", "", "Environment to use (production, staging)")
	loginCmd.Flags().DurationVar(&loginExpires, "expires-in", 0, "Record when the token expires, relative to now")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a chat token in ~/.bazaarly/config.toml",
	Long: "Store the session token used to authenticate the chat connection.\n" +
		"A running 'chat' or 'watch' picks up a new token on its next reconnect.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = ""
		cfg.Auth.TokenExpires = ""
		if loginExpires > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(loginExpires).UTC().Format(time.RFC3339)
		}
		if loginEnvironment != "" {
			if _, ok := environments[loginEnvironment]; !ok {
				return fmt.Errorf("unknown environment %q (valid: production, staging)", loginEnvironment)
			}
			cfg.Default.Environment = loginEnvironment
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
