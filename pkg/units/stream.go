package units

import (
	"sync"
	"time"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

// Stream holds the request open and pushes count ticks, one per interval.
// A dispatch that comes late, because every worker was busy, writes all the
// ticks that fell due meanwhile.
type Stream struct {
	unit
	count    int
	interval time.Duration
	body     string

	mu      sync.Mutex
	streams map[int64]*progress
}

type progress struct {
	start time.Time
	sent  int
}

func newStream(h *deploy.Handle) (server.Service, error) {
	body := h.Param("body")
	if body == "" {
		body = "tick"
	}
	return &Stream{
		unit:     unit{h},
		count:    max(h.IntParam("count", 3), 1),
		interval: time.Duration(max(h.IntParam("interval", 1000), 1)) * time.Millisecond,
		body:     body,
		streams:  make(map[int64]*progress),
	}, nil
}

// Filter starts the stream on the first dispatch and writes the ticks due
// so far on every dispatch after that.
func (s *Stream) Filter(ev *server.Event) error {
	if !ev.Push() {
		s.mu.Lock()
		s.streams[ev.Index()] = &progress{start: time.Now()}
		s.mu.Unlock()
		ev.Hold()
		go s.pace(ev)
		return nil
	}

	s.mu.Lock()
	p := s.streams[ev.Index()]
	if p == nil {
		s.mu.Unlock()
		return ev.Reply().End()
	}
	due := min(int(time.Since(p.start)/s.interval), s.count)
	from := p.sent
	p.sent = max(due, p.sent)
	done := p.sent >= s.count
	if done {
		delete(s.streams, ev.Index())
	}
	s.mu.Unlock()

	for n := from + 1; n <= due; n++ {
		ev.Reply().Printf("%s %d\n", s.body, n)
	}
	if done {
		return ev.Reply().End()
	}
	return nil
}

// active reports whether the stream on ev has ticks left to send.
func (s *Stream) active(ev *server.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[ev.Index()]
	return ok
}

// pace wakes the event once per interval until the stream has ended. Wakeups
// that collapse into one dispatch are made up by the next one.
func (s *Stream) pace(ev *server.Event) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for s.active(ev) {
		select {
		case <-ticker.C:
			ev.Wakeup()
		case <-ev.Done():
			s.mu.Lock()
			delete(s.streams, ev.Index())
			s.mu.Unlock()
			return
		}
	}
}
