package server

// match binds workers to events. It is the only place bindings change.
//
// With both arguments the worker has finished with the event: both are
// unbound, the event is armed for its next request and the worker pulls the
// next queued event. With only an event, an idle worker is bound or the event
// is queued. With only a worker, the next queued event is bound.
func (s *Server) match(ev *Event, w *Worker) bool {
	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	wakeup := true
	if ev != nil && w != nil {
		ev.worker = nil
		w.event = nil
		if !ev.closed.Load() {
			ev.arm()
			if ev.pending && ev.push.Load() {
				ev.pending = false
				s.enqueue(ev)
			}
		}
		ev.pending = false
		ev = nil
		wakeup = false
	}

	if ev != nil {
		if ev.worker != nil {
			if ev.push.Load() {
				ev.pending = true
			}
			return false
		}
		if ev.queued || ev.closed.Load() {
			return false
		}
		w = s.idle()
		if w == nil {
			s.enqueue(ev)
			return false
		}
	} else if w != nil {
		ev = s.dequeue()
		if ev == nil {
			return false
		}
		if ev.worker != nil {
			return ev.worker == w
		}
	} else {
		return false
	}

	ev.worker = w
	w.event = ev
	if wakeup {
		w.wakeup()
	}
	return true
}

// idle returns the first worker with no event. Caller holds matchMu.
func (s *Server) idle() *Worker {
	for _, w := range s.workers {
		if w.event == nil {
			return w
		}
	}
	return nil
}

// enqueue appends ev to the pending queue. Caller holds matchMu.
func (s *Server) enqueue(ev *Event) {
	ev.queued = true
	s.queue = append(s.queue, ev)
	s.metrics.queueLength.Set(float64(len(s.queue)))
}

// dequeue pops the oldest event that is neither bound nor closed. Caller
// holds matchMu.
func (s *Server) dequeue() *Event {
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		ev.queued = false
		if ev.worker == nil && !ev.closed.Load() {
			s.metrics.queueLength.Set(float64(len(s.queue)))
			return ev
		}
	}
	s.metrics.queueLength.Set(0)
	return nil
}

// QueueLen returns the number of events waiting for a worker.
func (s *Server) QueueLen() int {
	s.matchMu.Lock()
	defer s.matchMu.Unlock()
	return len(s.queue)
}
