package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// maxDrain is how much of an unread request body is discarded to keep a
// connection alive.
const maxDrain = 256 << 10

// serve handles exactly one request, or one push continuation, on ev.
func (s *Server) serve(ev *Event) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("worker failed on event", "event", ev.index, "remote", ev.remote, "panic", p)
			ev.Disconnect(fmt.Errorf("server: worker: %v", p))
		}
	}()

	if ev.Closed() {
		return
	}
	if ev.Push() {
		s.resume(ev)
		return
	}

	req, err := http.ReadRequest(ev.br)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Debug("malformed request", "event", ev.index, "remote", ev.remote, "error", err)
			_ = writeStatus(ev.bw, http.StatusBadRequest, "Bad request\n")
		}
		ev.Disconnect(err)
		return
	}
	req.RemoteAddr = ev.conn.RemoteAddr().String()

	start := time.Now()
	ev.begin(req)
	reply := ev.reply
	defer reply.release()
	label := s.dispatch(ev)

	if ev.Push() {
		err = reply.Flush()
	} else {
		err = reply.finish()
	}
	if err != nil {
		ev.Disconnect(err)
		return
	}
	s.record(ev, label, start)

	if n, _ := io.CopyN(io.Discard, req.Body, maxDrain+1); n > maxDrain {
		reply.Close()
	}
	req.Body.Close()

	if reply.close && !ev.Push() {
		ev.Disconnect(nil)
	}
}

// resume runs the held chain again as a push continuation.
func (s *Server) resume(ev *Event) {
	chain := ev.chain
	if chain == nil {
		ev.Disconnect(ErrNoChain)
		return
	}
	if err := s.intercept(ev, func() error { return chain.Filter(ev) }); err != nil {
		s.fail(ev, err)
		ev.Disconnect(err)
		return
	}
	if ev.Push() {
		if err := ev.reply.Flush(); err != nil {
			ev.Disconnect(err)
		}
	}
}

// dispatch resolves and runs the chain for the current request and returns
// the metrics label of what served it.
func (s *Server) dispatch(ev *Event) string {
	q := ev.query
	chain := s.chain(q.Host(), q.Path(), ev.approved)
	if chain == nil {
		if err := s.content(ev); err != nil {
			s.fail(ev, err)
		}
		return "content"
	}
	ev.chain = chain
	if err := s.intercept(ev, func() error { return chain.Filter(ev) }); err != nil {
		s.fail(ev, err)
	}
	return chain.Path()
}

func (s *Server) intercept(ev *Event, final func() error) error {
	next := final
	for i := len(s.interceptors) - 1; i >= 0; i-- {
		ic, inner := s.interceptors[i], next
		next = func() error { return ic(ev, inner) }
	}
	return next()
}

// fail reports a request failure and answers 500 when nothing was sent yet.
func (s *Server) fail(ev *Event, err error) {
	s.listenerMu.RLock()
	el := s.errorListener
	s.listenerMu.RUnlock()

	handled := false
	if el != nil {
		handled = el.Error(ev, err)
	}
	if !handled {
		attrs := []any{
			"remote", ev.remote,
			"path", ev.query.Path(),
			"query", ev.query.RawQuery(),
			"error", err,
		}
		var pe *sandbox.PanicError
		if errors.As(err, &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		}
		s.errlog.Error("request failed", attrs...)
	}

	if ev.reply.Reset() {
		ev.push.Store(false)
		ev.reply.chunked = false
		ev.reply.SetCode(http.StatusInternalServerError)
		ev.reply.SetType("text/plain; charset=UTF-8")
		fmt.Fprintf(ev.reply, "%v\n", err)
	}
}

func (s *Server) record(ev *Event, label string, start time.Time) {
	code := ev.reply.code
	s.metrics.requests.WithLabelValues(label, fmt.Sprint(code)).Inc()
	s.metrics.requestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if s.access != nil {
		s.access.Info("request",
			"remote", ev.remote,
			"method", ev.query.Method(),
			"path", ev.query.Path(),
			"status", code,
			"length", ev.reply.length,
			"push", ev.Push())
	}
}
