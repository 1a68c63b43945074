package chat

import "time"

// EventKind tags the concrete type behind an Event.
type EventKind int

const (
	KindNewMessage EventKind = iota + 1
	KindMessageUpdated
	KindMessageDeleted
	KindMessageRead
	KindUserTyping
	KindUserStopTyping
	KindRoomInactive
	KindOfferReceived
	KindRoomRemoved
	KindConnectionStateChanged
)

var kindNames = map[EventKind]string{
	KindNewMessage:             "new_message",
	KindMessageUpdated:         "message_updated",
	KindMessageDeleted:         "message_deleted",
	KindMessageRead:            "message_read",
	KindUserTyping:             "user_typing",
	KindUserStopTyping:         "user_stop_typing",
	KindRoomInactive:           "room_inactive",
	KindOfferReceived:          "offer_received",
	KindRoomRemoved:            "room_removed",
	KindConnectionStateChanged: "connection_state_changed",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is the closed set of events a Session publishes. Consumers
// switch on the concrete type:
//
//	switch ev := ev.(type) {
//	case chat.NewMessageEvent:
//	case chat.MessageUpdatedEvent:
//	...
//	}
type Event interface {
	Kind() EventKind
	event()
}

// NewMessageEvent is a message from another participant (or another
// session of the same user) added to a room timeline.
type NewMessageEvent struct {
	Message Message
}

// MessageUpdatedEvent reports a locally authored message being created
// or changing delivery state. Replaces is set when the message is a
// manual retry of a failed one; the failed message is gone from the
// timeline.
type MessageUpdatedEvent struct {
	Message  Message
	Replaces string
}

type MessageDeletedEvent struct {
	RoomID          string
	ServerMessageID string
}

// MessageReadEvent is published when a participant's read marker moves
// forward. Stale markers are not published.
type MessageReadEvent struct {
	Marker ReadMarker
}

type UserTypingEvent struct {
	RoomID string
	UserID string
	At     time.Time
}

type UserStopTypingEvent struct {
	RoomID string
	UserID string
	At     time.Time
}

type RoomInactiveEvent struct {
	RoomID string
	Reason string
}

type OfferReceivedEvent struct {
	Offer OfferPayload
}

// RoomRemovedEvent reports a subscription dropped because the server
// no longer knows us as a member.
type RoomRemovedEvent struct {
	RoomID string
	Err    error
}

// ConnectionStateChangedEvent is published on every state transition.
// Err is set when the transition was caused by a failure.
type ConnectionStateChangedEvent struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

func (NewMessageEvent) Kind() EventKind             { return KindNewMessage }
func (MessageUpdatedEvent) Kind() EventKind         { return KindMessageUpdated }
func (MessageDeletedEvent) Kind() EventKind         { return KindMessageDeleted }
func (MessageReadEvent) Kind() EventKind            { return KindMessageRead }
func (UserTypingEvent) Kind() EventKind             { return KindUserTyping }
func (UserStopTypingEvent) Kind() EventKind         { return KindUserStopTyping }
func (RoomInactiveEvent) Kind() EventKind           { return KindRoomInactive }
func (OfferReceivedEvent) Kind() EventKind          { return KindOfferReceived }
func (RoomRemovedEvent) Kind() EventKind            { return KindRoomRemoved }
func (ConnectionStateChangedEvent) Kind() EventKind { return KindConnectionStateChanged }

func (NewMessageEvent) event()             {}
func (MessageUpdatedEvent) event()         {}
func (MessageDeletedEvent) event()         {}
func (MessageReadEvent) event()            {}
func (UserTypingEvent) event()             {}
func (UserStopTypingEvent) event()         {}
func (RoomInactiveEvent) event()           {}
func (OfferReceivedEvent) event()          {}
func (RoomRemovedEvent) event()            {}
func (ConnectionStateChangedEvent) event() {}
