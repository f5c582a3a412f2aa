package units

import (
	"sync/atomic"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

// Counter counts requests per session. Without sessions it counts for the
// whole daemon.
type Counter struct {
	unit
	key    string
	total  atomic.Int64
	active atomic.Int64
}

func newCounter(h *deploy.Handle) (server.Service, error) {
	return &Counter{unit: unit{h}, key: "counter." + h.Name}, nil
}

// Filter increments and writes the count.
func (c *Counter) Filter(ev *server.Event) error {
	n := int(c.total.Add(1))
	if sess := ev.Session(); sess != nil {
		n = sess.Int(c.key) + 1
		sess.Put(c.key, n)
	}
	ev.Reply().SetType("text/plain; charset=utf-8")
	ev.Reply().Printf("%d", n)
	return nil
}

// SessionEvent tracks how many sessions hold a count.
func (c *Counter) SessionEvent(_ *server.Session, kind server.SessionKind) {
	switch kind {
	case server.SessionCreate:
		c.active.Add(1)
	case server.SessionTimeout, server.SessionRemove:
		c.active.Add(-1)
	}
}

// Active returns the number of live sessions that passed the counter.
func (c *Counter) Active() int64 { return c.active.Load() }

// Total returns the number of requests counted.
func (c *Counter) Total() int64 { return c.total.Load() }
