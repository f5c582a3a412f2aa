package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Threads = 2
	cfg.Logger = testLogger()
	cfg.Heartbeat = 20 * time.Millisecond
	return cfg
}

// startServer starts s and stops it when the test ends.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return "http://" + s.Addr().String()
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s read error = %v", url, err)
	}
	return resp, string(body)
}

// pipeEvent registers an event on one end of an in-memory connection.
func pipeEvent(t *testing.T, s *Server) (*Event, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	ev := newEvent(s, s.nextIndex.Add(1), server)
	s.events.Add(ev)
	return ev, client
}

type recordingService struct {
	index     int
	path      string
	body      string
	destroyed int

	mu       sync.Mutex
	sessions []SessionKind
}

func (r *recordingService) Index() int   { return r.index }
func (r *recordingService) Path() string { return r.path }
func (r *recordingService) Name() string { return r.body }

func (r *recordingService) Filter(ev *Event) error {
	ev.Reply().WriteString(r.body)
	return nil
}

func (r *recordingService) Destroy() error {
	r.destroyed++
	return nil
}

func (r *recordingService) SessionEvent(s *Session, kind SessionKind) {
	r.mu.Lock()
	r.sessions = append(r.sessions, kind)
	r.mu.Unlock()
}

func (r *recordingService) kinds() []SessionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionKind(nil), r.sessions...)
}
