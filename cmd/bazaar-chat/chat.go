package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chat "github.com/bazaarly/marketplace/sdk/golang"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  /reply <message-id> <text>  reply to a message
  /retry <client-id>          resend a failed message
  /typing                     tell the room you are typing
  /who                        list users typing right now
  /read                       mark the room read
  /quit                       leave
Anything else is sent as a message.
`

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open an interactive chat in a room",
	Long:  "Join a room, print its history and live events, and send each line typed on stdin.\n\n" + chatHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

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

		p := &printer{w: cmd.OutOrStdout(), self: s.UserID()}
		if err := s.JoinRoom(ctx, roomID); err != nil {
			p.printf("! history unavailable: %v\n", err)
		}
		for _, m := range s.Messages(roomID) {
			p.message(m)
		}
		for _, sub := range p.attach(s.Events()) {
			defer sub.Off()
		}
		markRead(ctx, s, roomID, log)

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				err := runChatLine(ctx, s, roomID, line, p)
				if errors.Is(err, errQuit) {
					s.LeaveRoom(ctx, roomID)
					return nil
				}
				if err != nil {
					p.printf("! %v\n", err)
				}
				markRead(ctx, s, roomID, log)
			}
		}
	},
}

// runChatLine executes one line of chat input.
func runChatLine(ctx context.Context, s *chat.Session, roomID, line string, p *printer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(ctx, roomID, line)
		return err
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "q":
		return errQuit
	case "help":
		p.printf("%s", chatHelp)
	case "reply":
		target, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return errors.New("usage: /reply <message-id> <text>")
		}
		_, err := s.Reply(ctx, roomID, target, strings.TrimSpace(text))
		return err
	case "retry":
		if rest == "" {
			return errors.New("usage: /retry <client-id>")
		}
		_, err := s.Retry(ctx, rest)
		return err
	case "typing":
		return s.NotifyTyping(ctx, roomID)
	case "who":
		users := s.TypingUsers(roomID)
		if len(users) == 0 {
			p.printf("nobody is typing\n")
			return nil
		}
		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.UserID
		}
		p.printf("typing: %s\n", strings.Join(ids, ", "))
	case "read":
		return s.MarkRead(ctx, roomID)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return nil
}

func markRead(ctx context.Context, s *chat.Session, roomID string, log *zap.Logger) {
	if err := s.MarkRead(ctx, roomID); err != nil && !errors.Is(err, chat.ErrNotConnected) {
		log.Debug("mark_read failed", zap.String("room_id", roomID), zap.Error(err))
	}
}
