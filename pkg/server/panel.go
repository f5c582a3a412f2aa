package server

import (
	"fmt"
	"html"
	"time"
)

// PanelPath is where the diagnostics service is mounted.
const PanelPath = "/panel"

// WorkerStatus describes one worker in a Panel snapshot.
type WorkerStatus struct {
	Index  int       `json:"index"`
	Busy   bool      `json:"busy"`
	Event  int64     `json:"event"`
	Since  time.Time `json:"since"`
	Served uint64    `json:"served"`
}

// EventStatus describes one open event in a Panel snapshot.
type EventStatus struct {
	Index  int64     `json:"index"`
	Remote string    `json:"remote"`
	Push   bool      `json:"push"`
	Worker int       `json:"worker"`
	Last   time.Time `json:"last"`
}

// ArchiveStatus describes one installed archive in a Panel snapshot.
type ArchiveStatus struct {
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Date     time.Time `json:"date"`
	Services int       `json:"services"`
}

// Panel is a point-in-time view of the daemon.
type Panel struct {
	Time     time.Time       `json:"time"`
	Workers  []WorkerStatus  `json:"workers"`
	Events   []EventStatus   `json:"events"`
	Queue    int             `json:"queue"`
	Sessions StoreStats      `json:"sessions"`
	Archives []ArchiveStatus `json:"archives"`
}

// Panel captures the current worker, event and archive state.
func (s *Server) Panel() Panel {
	p := Panel{Time: time.Now(), Sessions: s.sessions.Stats()}

	events := s.events.Snapshot()

	s.matchMu.Lock()
	for _, w := range s.workers {
		ws := WorkerStatus{Index: w.index, Busy: w.busy.Load(), Event: -1, Served: w.served.Load()}
		if w.event != nil {
			ws.Event = w.event.index
			ws.Since = w.Since()
		}
		p.Workers = append(p.Workers, ws)
	}
	for _, ev := range events {
		es := EventStatus{Index: ev.index, Remote: ev.remote, Push: ev.Push(), Worker: -1, Last: ev.Last()}
		if ev.worker != nil {
			es.Worker = ev.worker.index
		}
		p.Events = append(p.Events, es)
	}
	p.Queue = len(s.queue)
	s.matchMu.Unlock()

	for _, a := range s.Archives() {
		p.Archives = append(p.Archives, ArchiveStatus{
			Name:     a.Name(),
			Host:     a.Host(),
			Date:     a.Date(),
			Services: len(a.Services()),
		})
	}
	return p
}

// panelService renders the panel as plain text for /panel.
type panelService struct{}

func (*panelService) Index() int   { return 0 }
func (*panelService) Path() string { return PanelPath }
func (*panelService) Name() string { return "panel" }

func (*panelService) Filter(ev *Event) error {
	p := ev.Server().Panel()
	r := ev.Reply()

	fmt.Fprint(r, "<pre>\n")
	fmt.Fprint(r, "workers:\n")
	for _, w := range p.Workers {
		fmt.Fprintf(r, "  %d busy=%t event=%d served=%d\n", w.Index, w.Busy, w.Event, w.Served)
	}
	fmt.Fprintf(r, "events: (%d queued)\n", p.Queue)
	for _, e := range p.Events {
		fmt.Fprintf(r, "  %d %s push=%t worker=%d last=%s\n",
			e.Index, html.EscapeString(e.Remote), e.Push, e.Worker, e.Last.Format(time.RFC3339))
	}
	fmt.Fprintf(r, "sessions: %d\n", p.Sessions.Active)
	fmt.Fprint(r, "archives:\n")
	for _, a := range p.Archives {
		fmt.Fprintf(r, "  %s host=%s services=%d date=%s\n",
			html.EscapeString(a.Name), html.EscapeString(a.Host), a.Services, a.Date.Format(time.RFC3339))
	}
	fmt.Fprint(r, "</pre>\n")
	return ev.Halt()
}
