package server

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestPanelService(t *testing.T) {
	cfg := testConfig()
	cfg.Panel = true
	s := New(cfg)
	s.Install(newFakeArchive("site.zip", ContentHost, &recordingService{index: 0, path: "/x", body: "x"}))
	base := startServer(t, s)

	resp, body := get(t, &http.Client{Timeout: 5 * time.Second}, base+PanelPath)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{"<pre>", "workers:", "events:", "site.zip host=content services=1"} {
		if !strings.Contains(body, want) {
			t.Errorf("panel missing %q:\n%s", want, body)
		}
	}
}

func TestPanelSnapshot(t *testing.T) {
	s := New(testConfig())
	ev, _ := pipeEvent(t, s)
	s.match(ev, nil)

	p := s.Panel()
	if len(p.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(p.Workers))
	}
	if p.Workers[0].Event != ev.index || p.Workers[1].Event != -1 {
		t.Errorf("worker events = %d, %d", p.Workers[0].Event, p.Workers[1].Event)
	}
	if len(p.Events) != 1 || p.Events[0].Worker != 0 {
		t.Errorf("events = %+v", p.Events)
	}
}
