package chat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire format
// ============================================================================

// Frame types sent by the server. The names are shared with the
// marketplace chat server and must not change.
const (
	FrameAuthenticated  = "authenticated"
	FrameAuthRejected   = "auth_rejected"
	FrameMessageAck     = "message_ack"
	FrameNewMessage     = "new_message"
	FrameMessageDeleted = "message_deleted"
	FrameMessageRead    = "message_read"
	FrameUserTyping     = "user_typing"
	FrameUserStopTyping = "user_stop_typing"
	FrameRoomInactive   = "room_inactive"
	FrameOfferReceived  = "offer_received"
	FrameRoomJoined     = "room_joined"
	FrameError          = "error"
)

// Command types sent by the client.
const (
	CommandJoinRoom    = "join_room"
	CommandLeaveRoom   = "leave_room"
	CommandSendMessage = "send_message"
	CommandTyping      = "typing"
	CommandStopTyping  = "stop_typing"
	CommandMarkRead    = "mark_read"
)

// Envelope is the JSON frame carried in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is an outbound frame before encoding.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame of every accepted connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// MessagePayload is a chat message as the server sends it, in
// new_message frames and in backlog pages.
type MessagePayload struct {
	ID               string `json:"id"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
	RoomID           string `json:"roomId"`
	AuthorID         string `json:"authorId"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	Seq              int64  `json:"seq"`
	SentAt           string `json:"sentAt"`
}

// MessageAckPayload confirms one of our sends.
type MessageAckPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	MessageID       string `json:"messageId"`
	RoomID          string `json:"roomId"`
	Seq             int64  `json:"seq"`
	SentAt          string `json:"sentAt,omitempty"`
}

// MessageDeletedPayload removes a message from a room.
type MessageDeletedPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// MessageReadPayload moves a participant's read marker.
type MessageReadPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	Seq       int64  `json:"seq"`
}

// TypingPayload is carried by user_typing and user_stop_typing.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomInactivePayload tells participants a room no longer accepts
// messages, e.g. because the listing was sold or removed.
type RoomInactivePayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// OfferPayload is a price offer made on the listing behind a room.
type OfferPayload struct {
	RoomID     string  `json:"roomId"`
	OfferID    string  `json:"offerId"`
	ListingID  string  `json:"listingId,omitempty"`
	FromUserID string  `json:"fromUserId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
}

// RoomJoinedPayload acknowledges a join_room command.
type RoomJoinedPayload struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload is a server-side error report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

type sendMessageCommand struct {
	RoomID           string `json:"roomId"`
	ClientMessageID  string `json:"clientMessageId"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

type markReadCommand struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Seq       int64  `json:"seq"`
}

// ============================================================================
// Domain model
// ============================================================================

// ConnectionState is the ConnectionManager state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// DeliveryState tracks a locally authored message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is a chat message in a room timeline. Messages authored in this
// session start pending with only a ClientMessageID; ServerMessageID and
// Seq are filled in by the server acknowledgment.
type Message struct {
	ClientMessageID  string
	ServerMessageID  string
	Seq              int64
	RoomID           string
	AuthorID         string
	Text             string
	ReplyToMessageID string
	SentAt           time.Time
	DeliveryState    DeliveryState
	FailureReason    string
	Deleted          bool
}

// RoomSubscription is a room the caller asked to be in.
type RoomSubscription struct {
	RoomID        string
	JoinedAt      time.Time
	PendingRejoin bool
}

// TypingState is the last typing signal seen from a user in a room.
type TypingState struct {
	RoomID       string
	UserID       string
	IsTyping     bool
	LastSignalAt time.Time
}

// ReadMarker is how far a user has read in a room.
type ReadMarker struct {
	RoomID            string
	UserID            string
	LastReadMessageID string
	LastReadSeq       int64
}

func messageFromPayload(p MessagePayload) *Message {
	return &Message{
		ClientMessageID:  p.ClientMessageID,
		ServerMessageID:  p.ID,
		Seq:              p.Seq,
		RoomID:           p.RoomID,
		AuthorID:         p.AuthorID,
		Text:             p.Text,
		ReplyToMessageID: p.ReplyToMessageID,
		SentAt:           parseTime(p.SentAt),
		DeliveryState:    DeliverySent,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
