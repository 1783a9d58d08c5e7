package chat

import "errors"

// ValidationError rejects an action locally before any network call is
// made, e.g. an empty message or a missing conversation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "chat: " + e.Reason }

var (
	// ErrNotConnected is returned when an action needs an open socket
	// and there is none.
	ErrNotConnected = errors.New("chat: no open connection")

	// ErrSendInFlight suppresses a second send while one is still being
	// transmitted, guarding against double-click and double-Enter.
	ErrSendInFlight = errors.New("chat: send already in flight")
)
