package cluster

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/rupy-dev/rupy/pkg/server"
)

// hub is an in-memory Transport shared by several buses.
type hub struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	hub      *hub
	channels map[string]bool
	ch       chan Envelope
	once     sync.Once
}

func (h *hub) Publish(_ context.Context, channel string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.channels[channel] {
			s.ch <- Envelope{Channel: channel, Data: append([]byte(nil), data...)}
		}
	}
	return nil
}

func (h *hub) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s := &memSub{hub: h, channels: make(map[string]bool), ch: make(chan Envelope, 64)}
	for _, c := range channels {
		s.channels[c] = true
	}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s, nil
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *memSub) Messages() <-chan Envelope { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		for i, other := range h.subs {
			if other == s {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// memMirror is an in-memory deploy.Mirror.
type memMirror struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memMirror) Put(_ context.Context, name string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[name] = b
	m.mu.Unlock()
	return nil
}

func (m *memMirror) Get(_ context.Context, name string, w io.Writer) error {
	m.mu.Lock()
	b, ok := m.data[name]
	m.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	_, err := w.Write(b)
	return err
}

func (m *memMirror) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.data {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func testServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return server.New(cfg)
}

// run starts b and waits until the hub sees its subscription.
func run(t *testing.T, h *hub, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	want := h.count() + 1
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return h.count() >= want })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeBundle(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for n, body := range files {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
