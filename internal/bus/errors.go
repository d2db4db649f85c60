package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelNotFound is returned when a peer-side resolve outlives its wait timeout.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrInvalidNamespaceConfig is returned when a namespace is configured without any allowed commands.
	ErrInvalidNamespaceConfig = errors.New("namespace requires at least one allowed command")
	// ErrNamespaceViolation is returned when a command is used outside a session's allow-list.
	ErrNamespaceViolation = errors.New("command not allowed in namespace")
	// ErrUnmatchedCommand is returned by Router.Dispatch when no handler is registered for a command.
	ErrUnmatchedCommand = errors.New("no listener attached for command")
	// ErrWrongRole is returned when an operation is invoked from the wrong process role.
	ErrWrongRole = errors.New("operation not permitted for role")
	// ErrNoRequestChannel is returned by request operations on an event-only session.
	ErrNoRequestChannel = errors.New("session has no request channel")
	// ErrRequestTimeout is returned when a request receives no reply within its deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrSessionDestroyed is returned by operations on a destroyed session.
	ErrSessionDestroyed = errors.New("session destroyed")
	// ErrPeerNotConnected is returned when a request targets a peer that is not connected.
	ErrPeerNotConnected = errors.New("peer not connected")
	// ErrEndpointClosed is returned when the endpoint event loop has stopped.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrMalformedMessage is returned when a payload does not start with a command name.
	ErrMalformedMessage = errors.New("malformed command message")
	// ErrChannelKind is returned when a channel name is resolved with a different kind than it was created with.
	ErrChannelKind = errors.New("channel kind mismatch")
	// ErrArity is returned by Args.Expect when the argument count does not match.
	ErrArity = errors.New("unexpected argument count")
	// ErrEmptyCommand is returned when a command name is empty.
	ErrEmptyCommand = errors.New("command name must not be empty")
)

// ChannelNotFoundError reports a channel that was never created within the wait timeout.
type ChannelNotFoundError struct {
	Name    string
	Timeout time.Duration
}

func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("channel %q did not appear within %s", e.Name, e.Timeout)
}

func (e *ChannelNotFoundError) Unwrap() error { return ErrChannelNotFound }

// NamespaceViolationError reports a command outside a namespace allow-list.
type NamespaceViolationError struct {
	Command   string
	Namespace string
}

func (e *NamespaceViolationError) Error() string {
	return fmt.Sprintf("command %q is not defined in the namespace %q", e.Command, e.Namespace)
}

func (e *NamespaceViolationError) Unwrap() error { return ErrNamespaceViolation }

// RemoteError carries a handler failure reported by the other process.
// Only the message crosses the process boundary.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote handler: " + e.Message
}
