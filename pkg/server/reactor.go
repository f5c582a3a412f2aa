package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// acceptLoop hands accepted connections to the reactor.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		if s.limiter != nil {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-s.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			err := s.limiter.Wait(ctx)
			cancel()
			if err != nil {
				return
			}
		}

		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("accept failed; retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return
		}
		backoff = 0

		select {
		case s.accepted <- conn:
		case <-s.done:
			conn.Close()
			return
		}
	}
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// reactor is the single goroutine that registers events and routes their
// readiness to workers.
func (s *Server) reactor() {
	defer s.wg.Done()
	for {
		select {
		case conn := <-s.accepted:
			s.register(conn)
		case r := <-s.ready:
			s.react(r)
		case <-s.done:
			return
		}
	}
}

func (s *Server) register(conn net.Conn) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("register failed", "remote", conn.RemoteAddr(), "panic", p)
			conn.Close()
		}
	}()

	ev := newEvent(s, s.nextIndex.Add(1), conn)
	s.events.Add(ev)
	s.metrics.accepted.Inc()
	s.metrics.events.Inc()
	ev.arm()
}

// react handles one readiness notification. A failure is attributed to the
// event and never stops the loop.
func (s *Server) react(r readiness) {
	ev := r.event
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("reactor failed on event", "event", ev.index, "remote", ev.remote, "panic", p)
			ev.Disconnect(fmt.Errorf("server: reactor: %v", p))
		}
	}()

	if ev.Closed() {
		return
	}
	if r.err != nil {
		if !errors.Is(r.err, io.EOF) && !errors.Is(r.err, net.ErrClosed) {
			s.logger.Debug("event read failed", "event", ev.index, "error", r.err)
		}
		ev.Disconnect(r.err)
		return
	}
	if ev.Push() {
		ev.Disconnect(nil)
		return
	}

	s.matchMu.Lock()
	w := ev.worker
	s.matchMu.Unlock()
	if w != nil {
		w.wakeup()
		return
	}
	s.match(ev, nil)
}
