package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token has expired, and try a live connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if u, err := cfg.baseURL(); err == nil {
			fmt.Fprintf(out, "  Base URL:    %s\n", u)
		} else {
			fmt.Fprintf(out, "  Base URL:    %v\n", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		log := newLogger(verbose)
		s, err := newSession(cfg, log)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := connect(ctx, s, cfg, log); err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  State:       %s\n", s.State())
		fmt.Fprintf(out, "  Signed in:   %s\n", s.UserID())
		s.Disconnect()
		return nil
	},
}

// tokenStatus describes the stored token without revealing it.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	masked := maskKey(auth.Token)
	if auth.TokenExpires == "" {
		return fmt.Sprintf("%s (no expiry set)", masked)
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s valid (expires %s)", masked, expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s)", masked, expires.Format(time.RFC3339))
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
