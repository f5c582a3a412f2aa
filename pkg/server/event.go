package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// Event is one live client connection.
//
// An Event is operated on by at most one Worker at a time. Its query, reply
// and session fields are only valid while a worker serves it.
type Event struct {
	server *Server
	index  int64
	conn   net.Conn
	remote string
	br     *bufio.Reader
	bw     *bufio.Writer

	base   context.Context
	cancel context.CancelFunc
	ctx    context.Context

	last    atomic.Int64
	push    atomic.Bool
	armed   atomic.Bool
	closed  atomic.Bool
	closing sync.Once

	// Guarded by server.matchMu.
	worker  *Worker
	queued  bool
	pending bool

	query   *Query
	reply   *Reply
	session *Session
	sandbox *sandbox.Context
	chain   *Chain

	// approval caches the controller's host verdict for one request:
	// 0 unasked, 1 approved, 2 refused.
	approval int8
}

func newEvent(s *Server, index int64, conn net.Conn) *Event {
	base, cancel := context.WithCancel(context.Background())
	ev := &Event{
		server: s,
		index:  index,
		conn:   conn,
		remote: remoteHost(conn),
		base:   base,
		cancel: cancel,
		ctx:    base,
	}
	active := &activeConn{Conn: conn, ev: ev}
	ev.br = bufio.NewReaderSize(active, s.config.Size)
	ev.bw = bufio.NewWriterSize(active, s.config.Size)
	ev.touch()
	return ev
}

// activeConn marks the event active whenever bytes move in either
// direction.
type activeConn struct {
	net.Conn
	ev *Event
}

func (c *activeConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.ev.touch()
	}
	return n, err
}

func (c *activeConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.ev.touch()
	}
	return n, err
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Index returns the unique, increasing event index.
func (ev *Event) Index() int64 { return ev.index }

// Remote returns the peer IP address.
func (ev *Event) Remote() string { return ev.remote }

// Server returns the daemon serving the event.
func (ev *Event) Server() *Server { return ev.server }

// Query returns the current request.
func (ev *Event) Query() *Query { return ev.query }

// Reply returns the current response.
func (ev *Event) Reply() *Reply { return ev.reply }

// Session returns the session bound to the current request, or nil.
func (ev *Event) Session() *Session { return ev.session }

// Sandbox returns the capability context of the running service.
func (ev *Event) Sandbox() *sandbox.Context { return ev.sandbox }

// Context is cancelled when the event disconnects.
func (ev *Event) Context() context.Context { return ev.ctx }

// Done is closed when the event disconnects. Unlike Context it is safe to
// use from goroutines that outlive the current dispatch.
func (ev *Event) Done() <-chan struct{} { return ev.base.Done() }

// SetContext replaces the request context until the next request.
func (ev *Event) SetContext(ctx context.Context) { ev.ctx = ctx }

// Last returns the time of the last activity on the connection.
func (ev *Event) Last() time.Time { return time.Unix(0, ev.last.Load()) }

func (ev *Event) touch() { ev.last.Store(time.Now().UnixNano()) }

// Touch marks the event active. Services doing long work that does not move
// bytes on the connection, such as waiting on an upstream, call it to avoid
// being taken for a stuck worker.
func (ev *Event) Touch() { ev.touch() }

// Push reports whether the event is a server-initiated stream.
func (ev *Event) Push() bool { return ev.push.Load() }

// Closed reports whether the event has been disconnected.
func (ev *Event) Closed() bool { return ev.closed.Load() }

// Worker returns the worker bound to the event, or nil.
func (ev *Event) Worker() *Worker {
	ev.server.matchMu.Lock()
	defer ev.server.matchMu.Unlock()
	return ev.worker
}

// Halt returns the control signal that stops the chain and flushes the reply.
func (ev *Event) Halt() error {
	return &halt{event: ev}
}

// Hold turns the current reply into a chunked push stream.
func (ev *Event) Hold() {
	if ev.reply == nil || ev.reply.sent {
		return
	}
	ev.reply.hold()
	ev.chain = ev.currentChain()
	ev.push.Store(true)
}

func (ev *Event) currentChain() *Chain {
	if ev.chain != nil {
		return ev.chain
	}
	return ev.server.Chain(ev.query.Host(), ev.query.Path())
}

// Wakeup dispatches a held event to a worker again. If a worker is still
// running the previous continuation the wakeup is kept and the event is
// queued when that worker releases it. Wakeup reports whether a worker was
// bound now.
func (ev *Event) Wakeup() bool {
	if !ev.Push() || ev.Closed() {
		return false
	}
	return ev.server.match(ev, nil)
}

// Disconnect closes the connection and unregisters the event. Only the first
// call has an effect.
func (ev *Event) Disconnect(cause error) {
	ev.closing.Do(func() {
		ev.closed.Store(true)
		ev.push.Store(false)
		ev.conn.Close()
		ev.cancel()
		ev.server.disconnected(ev, cause)
	})
}

// begin resets per-request state for req.
func (ev *Event) begin(req *http.Request) {
	ev.query = newQuery(req)
	ev.reply = newReply(ev, req.Method == http.MethodHead)
	if req.Close {
		ev.reply.Close()
	}
	ev.session = nil
	ev.sandbox = nil
	ev.chain = nil
	ev.approval = 0
	ev.ctx = ev.base
	ev.touch()
}

// approved asks the controller about the domain archive once per request.
func (ev *Event) approved(host string) bool {
	if ev.approval == 0 {
		ev.approval = 2
		if ev.server.approved(host) {
			ev.approval = 1
		}
	}
	return ev.approval == 1
}

func (ev *Event) sessionsEnabled() bool {
	return ev.server.config.SessionsEnabled()
}

// bindSession attaches the request session, creating it on first use, and
// registers svc as one of its services.
func (ev *Event) bindSession(svc Service, sb *sandbox.Context) {
	store := ev.server.sessions
	if ev.session == nil {
		if key := ev.query.Cookie(SessionCookie); key != "" {
			ev.session = store.Get(key)
		}
		if ev.session == nil {
			ev.session = store.Create()
			ev.reply.Header().Add("Set-Cookie", (&http.Cookie{
				Name:     SessionCookie,
				Value:    ev.session.Key(),
				Path:     "/",
				HttpOnly: true,
			}).String())
		}
		ev.session.Touch()
	}
	if ev.session.add(svc, sb) {
		if l, ok := svc.(SessionListener); ok {
			s := ev.session
			if err := sb.Run(func() error { l.SessionEvent(s, SessionCreate); return nil }); err != nil {
				ev.server.logger.Warn("session listener failed", "service", ServiceName(svc), "error", err)
			}
		}
	}
}

// invoke runs one service inside sb.
func (ev *Event) invoke(sb *sandbox.Context, svc Service) error {
	prev := ev.sandbox
	ev.sandbox = sb
	defer func() { ev.sandbox = prev }()
	return sb.Run(func() error { return svc.Filter(ev) })
}

// arm starts a one-shot readiness watch on the connection.
func (ev *Event) arm() {
	if ev.closed.Load() || !ev.armed.CompareAndSwap(false, true) {
		return
	}
	s := ev.server
	go func() {
		_, err := ev.br.Peek(1)
		ev.armed.Store(false)
		select {
		case s.ready <- readiness{event: ev, err: err}:
		case <-s.done:
		}
	}()
}
