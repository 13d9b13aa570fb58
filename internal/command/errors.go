package command

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the client. Callers distinguish them with
// errors.Is.
var (
	// ErrNotConnected is returned by SendCommand when the push channel is
	// not in the Connected state.
	ErrNotConnected = errors.New("push channel is not connected")

	// ErrCommandTimeout settles a pending command whose completion event
	// never arrived within the per-command window.
	ErrCommandTimeout = errors.New("timed out waiting for command completion")

	// ErrConnectionClosed settles pending commands when Disconnect is
	// called while they are in flight.
	ErrConnectionClosed = errors.New("push channel closed while command was pending")

	// ErrConnectionLost settles pending commands swept by a channel-level
	// error; the reconnect machinery handles the channel itself.
	ErrConnectionLost = errors.New("push channel connection lost")
)

// InitializationError indicates the push channel could not be constructed
// at all, e.g. a malformed base URL.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize push channel: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// SendError indicates the provider strategy failed to transmit a command.
// The pending entry is removed before the caller sees this error.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send command: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// AuthError indicates the provider signaled an authentication failure
// (401/403), either when opening the channel or as an error event. The
// client does not reconnect on auth failures.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("push channel authentication failed (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("push channel authentication failed (%d)", e.Code)
}

// CommandError carries a provider-reported failure for one command.
type CommandError struct {
	RequestID string
	Message   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s", e.Message)
}
