package server

import (
	"time"
)

// heart runs the periodic sweep until the daemon stops.
func (s *Server) heart() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.sweep(now)
		case <-s.done:
			return
		}
	}
}

// sweep expires sessions, frees stuck workers and closes idle connections.
func (s *Server) sweep(now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("heartbeat failed", "panic", p)
		}
	}()

	if n := s.sessions.expire(now); n > 0 {
		s.metrics.sessionsExpired.Add(float64(n))
	}

	for _, w := range s.workers {
		if ev := w.stuck(now, s.config.Delay); ev != nil {
			s.logger.Warn("worker stuck",
				"worker", w.index,
				"event", ev.index,
				"remote", ev.remote,
				"since", w.Since(),
				"last", ev.Last())
			ev.Disconnect(ErrStuck)
		}
	}

	socket := s.config.SocketTimeout()
	for _, ev := range s.events.Snapshot() {
		if now.Sub(ev.Last()) > socket {
			ev.Disconnect(ErrIdle)
		}
	}
}
