package server

import (
	"sync/atomic"
	"time"
)

// Worker serves one bound event at a time.
type Worker struct {
	server *Server
	index  int
	wake   chan struct{}

	// Guarded by server.matchMu.
	event *Event

	busy   atomic.Bool
	since  atomic.Int64
	served atomic.Uint64
}

func newWorker(s *Server, index int) *Worker {
	return &Worker{server: s, index: index, wake: make(chan struct{}, 1)}
}

// Index returns the worker position in the pool.
func (w *Worker) Index() int { return w.index }

// Busy reports whether the worker is serving an event.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Since returns when the current event was picked up.
func (w *Worker) Since() time.Time { return time.Unix(0, w.since.Load()) }

// Served returns the number of events served.
func (w *Worker) Served() uint64 { return w.served.Load() }

// Event returns the bound event, or nil.
func (w *Worker) Event() *Event {
	w.server.matchMu.Lock()
	defer w.server.matchMu.Unlock()
	return w.event
}

func (w *Worker) current() *Event {
	w.server.matchMu.Lock()
	defer w.server.matchMu.Unlock()
	return w.event
}

// wakeup resumes a waiting worker. Extra wakeups are coalesced.
func (w *Worker) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer w.server.wg.Done()
	for {
		ev := w.current()
		if ev == nil {
			select {
			case <-w.wake:
				continue
			case <-w.server.done:
				return
			}
		}

		w.since.Store(time.Now().UnixNano())
		w.busy.Store(true)
		w.server.metrics.busyWorkers.Inc()
		w.server.serve(ev)
		w.served.Add(1)
		w.server.metrics.busyWorkers.Dec()
		w.busy.Store(false)

		w.server.match(ev, w)
	}
}

// stuck reports the bound event when nothing happened on it for longer than
// delay since the worker picked it up.
func (w *Worker) stuck(now time.Time, delay time.Duration) *Event {
	if !w.busy.Load() {
		return nil
	}
	ev := w.current()
	if ev == nil || ev.Push() {
		return nil
	}
	active := w.Since()
	if last := ev.Last(); last.After(active) {
		active = last
	}
	if now.Sub(active) > delay {
		return ev
	}
	return nil
}
