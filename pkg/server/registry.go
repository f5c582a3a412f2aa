package server

import (
	"sort"
	"sync"
)

// EventRegistry indexes every open Event.
type EventRegistry struct {
	mu     sync.RWMutex
	events map[int64]*Event
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{events: make(map[int64]*Event)}
}

// Add registers ev.
func (r *EventRegistry) Add(ev *Event) {
	r.mu.Lock()
	r.events[ev.index] = ev
	r.mu.Unlock()
}

// Remove unregisters the event with index and reports whether it was present.
func (r *EventRegistry) Remove(index int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[index]; !ok {
		return false
	}
	delete(r.events, index)
	return true
}

// Get returns the event with index, or nil.
func (r *EventRegistry) Get(index int64) *Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[index]
}

// Len returns the number of open events.
func (r *EventRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Snapshot returns the open events ordered by index.
func (r *EventRegistry) Snapshot() []*Event {
	r.mu.RLock()
	out := make([]*Event, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
