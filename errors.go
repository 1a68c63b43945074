package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected means the server refused the token. It is fatal to
	// the session: the caller must obtain a new token and Connect again.
	ErrAuthRejected = errors.New("chat: auth rejected")

	// ErrTransportUnavailable means the server could not be reached.
	ErrTransportUnavailable = errors.New("chat: transport unavailable")

	// ErrSendTimeout is recorded on messages that were not acknowledged
	// within the ack timeout.
	ErrSendTimeout = errors.New("chat: send timed out")

	// ErrUnknownRoom means the server does not consider us a member of
	// the room we acted on.
	ErrUnknownRoom = errors.New("chat: unknown room")

	// ErrNotConnected is returned for outbound commands while the session
	// is disconnected.
	ErrNotConnected = errors.New("chat: not connected")

	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotRetryable    = errors.New("chat: message is not in failed state")
)

// Server error codes.
const (
	ErrCodeUnknownRoom  = "unknown_room"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInvalid      = "invalid_request"
)

// ServerError is an error frame reported by the chat server.
//
//	var serverErr *ServerError
//	if errors.As(err, &serverErr) && serverErr.Code == ErrCodeRateLimited { ... }
type ServerError struct {
	Code    string
	Message string
	RoomID  string
}

func (e *ServerError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("chat server: %s (room %s): %s", e.Code, e.RoomID, e.Message)
	}
	return fmt.Sprintf("chat server: %s: %s", e.Code, e.Message)
}

// Unwrap maps server codes onto the package sentinels.
func (e *ServerError) Unwrap() error {
	switch e.Code {
	case ErrCodeUnknownRoom:
		return ErrUnknownRoom
	case ErrCodeUnauthorized:
		return ErrAuthRejected
	}
	return nil
}

// IsServerError reports whether err is a *ServerError with the given code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}
