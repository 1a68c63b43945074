// Package chat is the real-time chat session layer of the Bazaarly
// marketplace client.
//
// A Session keeps one authenticated WebSocket connection to the chat
// server, tracks the rooms the user joined, sends and reconciles chat
// messages, debounces typing signals and keeps read markers. Everything
// the server pushes reaches the caller as typed events on the session's
// EventBus.
//
//	s := chat.New("https://bazaarly.example", chat.WithLogger(log))
//	defer s.Close()
//
//	s.Events().OnNewMessage(func(ev chat.NewMessageEvent) {
//		fmt.Println(ev.Message.AuthorID, ev.Message.Text)
//	})
//	if err := s.Connect(ctx, token); err != nil {
//		return err
//	}
//	s.JoinRoom(ctx, "room-123")
//	s.Send(ctx, "room-123", "Is the bike still available?")
//
// Sends made while the connection is re-establishing are queued and
// flushed once it is back; rooms are rejoined first.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// Session is one user's chat session. Several sessions may coexist in a
// process.
type Session struct {
	cfg    Config
	log    *zap.Logger
	tokens TokenProvider
	bus    *EventBus

	conn     *ConnectionManager
	rooms    *RoomRegistry
	messages *MessageChannel
	presence *PresenceSignaler
	receipts *ReceiptTracker
}

// New returns a disconnected session for the server at baseURL.
func New(baseURL string, opts ...Option) *Session {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	o.config.defaults()
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.dialer == nil {
		o.dialer = NewWebSocketDialer(baseURL, o.httpClient)
	}

	log := o.logger.Named("chat")
	s := &Session{
		cfg:    o.config,
		log:    log,
		tokens: o.tokens,
		bus:    NewEventBus(log),
	}
	s.conn = newConnectionManager(&s.cfg, o.dialer, o.tokens, o.clock, log, s.bus)
	s.conn.onFrame = s.route

	s.rooms = newRoomRegistry(s.conn, s.bus, o.clock, log)
	s.messages = newMessageChannel(s.conn, s.bus, o.clock, log, s.cfg.AckTimeout)
	s.presence = newPresenceSignaler(s.conn, s.bus, o.clock, log, &s.cfg)
	s.receipts = newReceiptTracker(s.conn, s.bus, log, s.messages.latestSequenced)

	s.rooms.backlog = o.backlog
	s.rooms.pageSize = s.cfg.BacklogPageSize
	s.rooms.onBacklog = s.messages.MergeBacklog
	return s
}

// Connect authenticates with token. An empty token is read from the
// configured TokenProvider.
func (s *Session) Connect(ctx context.Context, token string) error {
	if token == "" && s.tokens != nil {
		t, err := s.tokens.CurrentToken(ctx)
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		token = t
	}
	return s.conn.Connect(ctx, token)
}

// Disconnect closes the connection and stops reconnecting. Messages still
// pending are marked failed. Subscriptions are kept for the next Connect.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// Close disconnects and stops event delivery after draining it.
func (s *Session) Close() {
	s.conn.Disconnect()
	s.bus.Close()
}

func (s *Session) Events() *EventBus                { return s.bus }
func (s *Session) State() ConnectionState           { return s.conn.State() }
func (s *Session) IsConnected() bool                { return s.conn.IsConnected() }
func (s *Session) UserID() string                   { return s.conn.UserID() }
func (s *Session) Rooms() []RoomSubscription        { return s.rooms.Rooms() }
func (s *Session) Messages(roomID string) []Message { return s.messages.Messages(roomID) }

func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	return s.rooms.JoinRoom(ctx, roomID)
}

func (s *Session) LeaveRoom(ctx context.Context, roomID string) {
	s.rooms.LeaveRoom(ctx, roomID)
}

// Send posts text to a room. The returned message is pending (or failed
// when the session is disconnected); follow it with OnMessageUpdated.
func (s *Session) Send(ctx context.Context, roomID, text string) (Message, error) {
	return s.messages.Send(ctx, roomID, text, "")
}

// Reply is Send with a reference to the message being answered.
func (s *Session) Reply(ctx context.Context, roomID, replyToMessageID, text string) (Message, error) {
	return s.messages.Send(ctx, roomID, text, replyToMessageID)
}

// Retry resends a failed message under a new client message ID.
func (s *Session) Retry(ctx context.Context, clientMessageID string) (Message, error) {
	return s.messages.Retry(ctx, clientMessageID)
}

func (s *Session) NotifyTyping(ctx context.Context, roomID string) error {
	return s.presence.NotifyTyping(ctx, roomID)
}

func (s *Session) NotifyStopTyping(ctx context.Context, roomID string) error {
	return s.presence.NotifyStopTyping(ctx, roomID)
}

// TypingUsers lists who else is typing in a room right now.
func (s *Session) TypingUsers(roomID string) []TypingState {
	return s.presence.TypingUsers(roomID)
}

// MarkRead marks everything in the room up to the newest message as read.
func (s *Session) MarkRead(ctx context.Context, roomID string) error {
	_, err := s.receipts.MarkRead(ctx, roomID)
	return err
}

func (s *Session) Marker(roomID, userID string) (ReadMarker, bool) {
	return s.receipts.Marker(roomID, userID)
}

// route dispatches one inbound frame to the component that owns it.
func (s *Session) route(env Envelope) {
	var err error
	switch env.Type {
	case FrameMessageAck:
		var p MessageAckPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.messages.handleAck(p)
		}
	case FrameNewMessage:
		var p MessagePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.messages.handleNew(p)
		}
	case FrameMessageDeleted:
		var p MessageDeletedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.messages.handleDeleted(p)
		}
	case FrameMessageRead:
		var p MessageReadPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.receipts.handleRead(p)
		}
	case FrameUserTyping, FrameUserStopTyping:
		var p TypingPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.presence.handleTyping(p, env.Type == FrameUserTyping)
		}
	case FrameRoomInactive:
		var p RoomInactivePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.bus.Publish(RoomInactiveEvent{RoomID: p.RoomID, Reason: p.Reason})
		}
	case FrameOfferReceived:
		var p OfferPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.bus.Publish(OfferReceivedEvent{Offer: p})
		}
	case FrameRoomJoined:
		var p RoomJoinedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.rooms.handleJoined(p)
		}
	case FrameError:
		var p ErrorPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			s.handleServerError(&ServerError{Code: p.Code, Message: p.Message, RoomID: p.RoomID})
		}
	case FrameAuthenticated:
		// Re-sent by some servers after a token refresh.
	default:
		s.log.Debug("ignoring unknown frame", zap.String("type", env.Type))
	}
	if err != nil {
		s.log.Warn("discarding malformed payload", zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *Session) handleServerError(serverErr *ServerError) {
	if serverErr.Code == ErrCodeUnknownRoom && serverErr.RoomID != "" {
		s.rooms.handleUnknownRoom(serverErr)
		return
	}
	s.log.Warn("server error",
		zap.String("code", serverErr.Code),
		zap.String("room_id", serverErr.RoomID),
		zap.String("message", serverErr.Message),
	)
}
