package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chat "github.com/bazaarly/marketplace/sdk/golang"
)

var (
	historyLimit  int
	historyBefore string
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Only messages older than this message ID")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a page of room history",
	Long:  "Fetch room history over HTTP without opening a live connection.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return errNoToken
		}
		baseURL, err := cfg.baseURL()
		if err != nil {
			return err
		}

		limit := historyLimit
		if limit == 0 {
			limit = cfg.Chat.HistoryLimit
		}

		backlog := chat.NewHTTPBacklog(baseURL, chat.StaticToken(cfg.Auth.Token), nil)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		msgs, err := backlog.FetchBacklog(ctx, args[0], chat.BacklogPage{Limit: limit, Before: historyBefore})
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%-10s %s\n", m.ServerMessageID, formatMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}
