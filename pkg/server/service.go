package server

import (
	"strings"
)

// Service filters events for one or more paths.
//
// Path may list several paths separated by ':'. Index orders the service in
// each of its chains; a chain's indexes must run 0, 1, 2 without gaps.
type Service interface {
	Index() int
	Path() string
	Filter(ev *Event) error
}

// Creator is implemented by services that need a hook when they are added.
type Creator interface {
	Create(s *Server) error
}

// Destroyer is implemented by services that release resources when their
// archive is superseded or the daemon stops.
type Destroyer interface {
	Destroy() error
}

// SessionKind tells a SessionListener why it is being notified.
type SessionKind int

const (
	// SessionCreate is sent when a session first passes through a service.
	SessionCreate SessionKind = iota
	// SessionTimeout is sent when the heartbeat expires a session.
	SessionTimeout
	// SessionRemove is sent when a session is removed explicitly.
	SessionRemove
)

// String implements fmt.Stringer.
func (k SessionKind) String() string {
	switch k {
	case SessionCreate:
		return "create"
	case SessionTimeout:
		return "timeout"
	case SessionRemove:
		return "remove"
	}
	return "unknown"
}

// SessionListener is implemented by services that track session lifecycle.
type SessionListener interface {
	SessionEvent(s *Session, kind SessionKind)
}

// Paths splits a service path into its individual paths.
func Paths(s Service) []string {
	var paths []string
	for _, p := range strings.Split(s.Path(), ":") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// ServiceFunc adapts a function to a Service.
type ServiceFunc struct {
	At   int
	On   string
	Func func(ev *Event) error
}

// Index implements Service.
func (f *ServiceFunc) Index() int { return f.At }

// Path implements Service.
func (f *ServiceFunc) Path() string { return f.On }

// Filter implements Service.
func (f *ServiceFunc) Filter(ev *Event) error { return f.Func(ev) }
