package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchHistory bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchHistory, "history", false, "Print recent history of each room before live events")
}

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>...",
	Short: "Follow live events in one or more rooms",
	Long:  "Join the given rooms and print messages, offers, read receipts and typing signals until interrupted.\nThe session reconnects on its own and rejoins every room.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(verbose)
		defer log.Sync()

		s, err := newSession(cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := connect(ctx, s, cfg, log); err != nil {
			return err
		}

		p := &printer{w: cmd.OutOrStdout(), self: s.UserID(), showRooms: len(args) > 1}
		for _, roomID := range args {
			if err := s.JoinRoom(ctx, roomID); err != nil {
				p.printf("! %s: %v\n", roomID, err)
			}
			if watchHistory {
				for _, m := range s.Messages(roomID) {
					p.message(m)
				}
			}
		}
		for _, sub := range p.attach(s.Events()) {
			defer sub.Off()
		}
		p.printf("* watching %d room(s), Ctrl-C to stop\n", len(s.Rooms()))

		<-ctx.Done()
		return nil
	},
}
