package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by every collaborator. Backends wrap their failures with one of these so
// callers can branch with errors.Is regardless of the backend in use.
var (
	// ErrTransport is a network or connection failure. Recoverable; the user must retry.
	ErrTransport = errors.New("transport error")
	// ErrAuth means the upstream rejected the configured credentials. Fatal to the session.
	ErrAuth = errors.New("invalid credentials")
	// ErrNotFound means the conversation or run vanished upstream.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the backend still has a non-terminal run on the conversation.
	ErrConflict = errors.New("conflicting run in progress")
	// ErrProtocol is a malformed stream event.
	ErrProtocol = errors.New("protocol error")
	// ErrStreamInterrupted means the transport closed mid-stream without a terminal event.
	ErrStreamInterrupted = errors.New("stream interrupted")
	// ErrResponsePending is returned when a message is sent while this session is still
	// waiting for the previous response.
	ErrResponsePending = errors.New("response pending")
)

// Errorf wraps kind with a formatted description, keeping kind reachable through errors.Is.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// UserMessage renders err as the text shown to the user in the transcript.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "The assistant service rejected the configured API key. Please fix the configuration."
	case errors.Is(err, ErrConflict), errors.Is(err, ErrResponsePending):
		return "The assistant is still processing, please try again."
	case errors.Is(err, ErrNotFound):
		return "This conversation no longer exists. Please start a new chat."
	case errors.Is(err, ErrTransport):
		return "Could not reach the assistant service. Please check your connection and resend."
	default:
		return err.Error()
	}
}
