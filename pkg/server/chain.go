package server

import (
	"errors"
	"strings"
	"sync"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// Chain is the ordered list of services registered for one path.
type Chain struct {
	path    string
	sandbox *sandbox.Context

	mu       sync.RWMutex
	services []Service
}

// NewChain creates an empty chain whose services run inside sb.
func NewChain(path string, sb *sandbox.Context) *Chain {
	return &Chain{path: path, sandbox: sb}
}

// Path returns the chain path.
func (c *Chain) Path() string {
	return c.path
}

// Sandbox returns the context services of this chain run in.
func (c *Chain) Sandbox() *sandbox.Context {
	return c.sandbox
}

// Put inserts svc by index. A service already at the same index is replaced
// in place and returned.
func (c *Chain) Put(svc Service) Service {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.services {
		switch {
		case existing.Index() == svc.Index():
			c.services[i] = svc
			return existing
		case existing.Index() > svc.Index():
			c.services = append(c.services, nil)
			copy(c.services[i+1:], c.services[i:])
			c.services[i] = svc
			return nil
		}
	}
	c.services = append(c.services, svc)
	return nil
}

// Get returns the service at index, if any.
func (c *Chain) Get(index int) Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if s.Index() == index {
			return s
		}
	}
	return nil
}

// Len returns the number of services.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services)
}

// Services returns a snapshot of the services in order.
func (c *Chain) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Service, len(c.services))
	copy(out, c.services)
	return out
}

// Verify reports the first service whose index does not match its position.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, s := range c.services {
		if s.Index() != i {
			return &IndexError{Path: c.path, Index: s.Index(), Service: ServiceName(s)}
		}
	}
	return nil
}

// Cursor returns an iterator over a snapshot of the chain.
func (c *Chain) Cursor() *Cursor {
	return &Cursor{services: c.Services()}
}

// Filter runs every service on ev in index order. A service returning
// ev.Halt() ends the chain without error.
func (c *Chain) Filter(ev *Event) error {
	cur := c.Cursor()
	for svc, ok := cur.Next(); ok; svc, ok = cur.Next() {
		if ev.sessionsEnabled() && !ev.Push() {
			ev.bindSession(svc, c.sandbox)
		}
		if err := ev.invoke(c.sandbox, svc); err != nil {
			if errors.Is(err, ErrHalt) {
				return nil
			}
			return &HandlerError{Path: c.path, Service: ServiceName(svc), Err: err}
		}
	}
	return nil
}

// String lists the chain as "path[0:name 1:name]".
func (c *Chain) String() string {
	var b strings.Builder
	b.WriteString(c.path)
	b.WriteString("[")
	for i, s := range c.Services() {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(ServiceName(s))
	}
	b.WriteString("]")
	return b.String()
}

// Cursor walks a chain snapshot.
type Cursor struct {
	services []Service
	pos      int
}

// Next returns the next service.
func (c *Cursor) Next() (Service, bool) {
	if c.pos >= len(c.services) {
		return nil, false
	}
	s := c.services[c.pos]
	c.pos++
	return s, true
}

// Reset rewinds the cursor.
func (c *Cursor) Reset() {
	c.pos = 0
}
