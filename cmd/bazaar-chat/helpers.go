package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	chat "github.com/bazaarly/marketplace/sdk/golang"
)

var errNoToken = errors.New("no chat token. Run 'bazaar-chat login <token>' first")

// fileTokens reads the token from the config file on every call, so a
// token replaced with 'bazaar-chat login' is used on the next reconnect.
type fileTokens struct{}

func (fileTokens) CurrentToken(context.Context) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Auth.Token == "" {
		return "", errNoToken
	}
	return cfg.Auth.Token, nil
}

// sessionConfig maps the [chat] section onto session tuning.
func sessionConfig(cfg *Config) (chat.Config, error) {
	var sc chat.Config
	sc.BacklogPageSize = cfg.Chat.HistoryLimit
	if cfg.Chat.AckTimeout != "" {
		d, err := time.ParseDuration(cfg.Chat.AckTimeout)
		if err != nil {
			return sc, fmt.Errorf("chat.ack_timeout: %w", err)
		}
		sc.AckTimeout = d
	}
	if cfg.Chat.ReconnectMaxDelay != "" {
		d, err := time.ParseDuration(cfg.Chat.ReconnectMaxDelay)
		if err != nil {
			return sc, fmt.Errorf("chat.reconnect_max_delay: %w", err)
		}
		sc.ReconnectMaxDelay = d
	}
	return sc, nil
}

// newSession creates a chat session from the effective configuration.
func newSession(cfg *Config, log *zap.Logger) (*chat.Session, error) {
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	baseURL, err := cfg.baseURL()
	if err != nil {
		return nil, err
	}
	sc, err := sessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	return chat.New(baseURL,
		chat.WithConfig(sc),
		chat.WithLogger(log),
		chat.WithTokenProvider(fileTokens{}),
		chat.WithBacklog(chat.NewHTTPBacklog(baseURL, fileTokens{}, nil)),
	), nil
}

// connect opens the session with a bounded wait and records the user ID
// the server assigned.
func connect(ctx context.Context, s *chat.Session, cfg *Config, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.Connect(ctx, ""); err != nil {
		if errors.Is(err, chat.ErrAuthRejected) {
			return fmt.Errorf("token rejected, run 'bazaar-chat login <token>': %w", err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	if cfg.Auth.UserID != s.UserID() {
		file, err := readConfigFile()
		if err == nil && file.Auth.Token == cfg.Auth.Token {
			file.Auth.UserID = s.UserID()
			if err := saveConfig(file); err != nil {
				log.Debug("could not record user id", zap.Error(err))
			}
		}
	}
	return nil
}

// ============================================================================
// Event printing
// ============================================================================

// printer writes session events as text lines. Events arrive on the bus
// goroutine, so writes are serialized with the command's own output.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	self      string
	showRooms bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) prefix(roomID string) string {
	if p.showRooms {
		return "[" + roomID + "] "
	}
	return ""
}

func (p *printer) message(m chat.Message) {
	p.printf("%s%s\n", p.prefix(m.RoomID), formatMessage(m, p.self))
}

// attach subscribes the printer to every event kind it renders.
func (p *printer) attach(bus *chat.EventBus) []*chat.Subscription {
	return []*chat.Subscription{
		bus.OnNewMessage(func(ev chat.NewMessageEvent) { p.message(ev.Message) }),
		bus.OnMessageUpdated(func(ev chat.MessageUpdatedEvent) {
			m := ev.Message
			if m.DeliveryState == chat.DeliveryFailed {
				p.printf("%s! not delivered (%s), /retry %s\n", p.prefix(m.RoomID), m.FailureReason, m.ClientMessageID)
			}
		}),
		bus.OnMessageDeleted(func(ev chat.MessageDeletedEvent) {
			p.printf("%s- message %s was deleted\n", p.prefix(ev.RoomID), ev.ServerMessageID)
		}),
		bus.OnUserTyping(func(ev chat.UserTypingEvent) {
			p.printf("%s%s is typing...\n", p.prefix(ev.RoomID), ev.UserID)
		}),
		bus.OnMessageRead(func(ev chat.MessageReadEvent) {
			if ev.Marker.UserID != p.self {
				p.printf("%s%s read up to #%d\n", p.prefix(ev.Marker.RoomID), ev.Marker.UserID, ev.Marker.LastReadSeq)
			}
		}),
		bus.OnRoomInactive(func(ev chat.RoomInactiveEvent) {
			p.printf("%s* room is no longer active: %s\n", p.prefix(ev.RoomID), valueOrDefault(ev.Reason, "closed"))
		}),
		bus.OnOfferReceived(func(ev chat.OfferReceivedEvent) {
			o := ev.Offer
			p.printf("%s$ offer %s from %s: %s\n", p.prefix(o.RoomID), o.OfferID, o.FromUserID, formatAmount(o.Amount, o.Currency))
		}),
		bus.OnRoomRemoved(func(ev chat.RoomRemovedEvent) {
			p.printf("%s* left room: %v\n", p.prefix(ev.RoomID), ev.Err)
		}),
		bus.OnConnectionStateChanged(func(ev chat.ConnectionStateChangedEvent) {
			if ev.Err != nil {
				p.printf("* %s (%v)\n", ev.To, ev.Err)
				return
			}
			p.printf("* %s\n", ev.To)
		}),
	}
}

// formatMessage renders one timeline line.
func formatMessage(m chat.Message, self string) string {
	var b strings.Builder
	if !m.SentAt.IsZero() {
		b.WriteString(m.SentAt.Local().Format("15:04 "))
	}
	author := m.AuthorID
	if author == self {
		author = "you"
	}
	b.WriteString(author)
	if m.ReplyToMessageID != "" {
		fmt.Fprintf(&b, " (re %s)", m.ReplyToMessageID)
	}
	b.WriteString(": ")
	if m.Deleted {
		b.WriteString("(deleted)")
	} else {
		b.WriteString(m.Text)
	}
	switch m.DeliveryState {
	case chat.DeliveryPending:
		b.WriteString(" ...")
	case chat.DeliveryFailed:
		b.WriteString(" [failed]")
	}
	return b.String()
}

func formatAmount(amount float64, currency string) string {
	return strings.TrimSpace(fmt.Sprintf("%.2f %s", amount, currency))
}
