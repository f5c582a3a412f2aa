package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common daemon error conditions.
var (
	// ErrServerClosed is returned by Run after Stop.
	ErrServerClosed = errors.New("server: closed")

	// ErrHalt is matched by the control signal returned from Event.Halt.
	ErrHalt = errors.New("server: chain halted")

	// ErrNoChain is returned when no chain serves the requested path.
	ErrNoChain = errors.New("server: no chain for path")

	// ErrDisconnected is returned when writing to a closed Event.
	ErrDisconnected = errors.New("server: event disconnected")

	// ErrIdle is the disconnect cause for connections closed by the heartbeat.
	ErrIdle = errors.New("server: connection idle")

	// ErrStuck is the disconnect cause for events whose worker overran the delay.
	ErrStuck = errors.New("server: worker stuck")

	// ErrNotFound is returned by Uninstall for unknown archives.
	ErrNotFound = errors.New("server: archive not found")
)

// halt is the control signal a service returns to flush its reply now.
type halt struct {
	event *Event
}

func (h *halt) Error() string {
	return fmt.Sprintf("server: chain halted by event %d", h.event.index)
}

func (h *halt) Is(target error) bool {
	return target == ErrHalt
}

// ConflictError reports two services claiming the same path and index.
type ConflictError struct {
	Path     string
	Index    int
	Existing string
	Incoming string
}

// Error returns the error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("server: %s with path '%s' and index [%d] is conflicting with %s for the same path and index",
		e.Incoming, e.Path, e.Index, e.Existing)
}

// IndexError reports a chain with a gap in its indexes.
type IndexError struct {
	Path    string
	Index   int
	Service string
}

// Error returns the error message.
func (e *IndexError) Error() string {
	return fmt.Sprintf("server: %s with path '%s' has index [%d] which is too high",
		e.Service, e.Path, e.Index)
}

// HandlerError wraps a failure raised by a service while filtering an event.
type HandlerError struct {
	Path    string
	Service string
	Err     error
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: %s at %s: %v", e.Service, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ServiceName renders a service for logs and error messages.
func ServiceName(s Service) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
