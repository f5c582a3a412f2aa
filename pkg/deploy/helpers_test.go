package deploy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/rupy-dev/rupy/pkg/server"
)

func init() {
	Register("test.text", func(h *Handle) (server.Service, error) {
		return &textService{handle: h}, nil
	})
	Register("test.broken", func(h *Handle) (server.Service, error) {
		return nil, errors.New("broken on purpose")
	})
	Register("test.tracked", func(h *Handle) (server.Service, error) {
		svc := &trackedService{textService: textService{handle: h}}
		tracked.Store(h.Param("id"), svc)
		return svc, nil
	})
}

var tracked sync.Map

type textService struct {
	handle *Handle
}

func (s *textService) Index() int   { return s.handle.Index }
func (s *textService) Path() string { return s.handle.Path }
func (s *textService) Name() string { return s.handle.Name }

func (s *textService) Filter(ev *server.Event) error {
	ev.Reply().WriteString(s.handle.Param("body"))
	return nil
}

type trackedService struct {
	textService
	created   atomic.Int32
	destroyed atomic.Int32
}

func (s *trackedService) Create(*server.Server) error {
	s.created.Add(1)
	if s.handle.Param("fail") == "create" {
		return errors.New("create refused")
	}
	return nil
}

func (s *trackedService) Destroy() error {
	s.destroyed.Add(1)
	return nil
}

func trackedByID(t *testing.T, id string) *trackedService {
	t.Helper()
	v, ok := tracked.Load(id)
	if !ok {
		t.Fatalf("tracked service %q was never instantiated", id)
	}
	return v.(*trackedService)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *server.Config {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Threads = 2
	cfg.Root = t.TempDir()
	cfg.Logger = testLogger()
	cfg.Heartbeat = 20 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, s *server.Server) string {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return "http://" + s.Addr().String()
}

type entry struct {
	name    string
	body    string
	modTime time.Time
}

// writeBundle writes a zip of entries to dir/name and returns its path.
func writeBundle(t *testing.T, dir, name string, entries ...entry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if !e.modTime.IsZero() {
			hdr.Modified = e.modTime
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("CreateHeader(%s) error = %v", e.name, err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatalf("write %s error = %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close error = %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func unit(name, body string) entry {
	return entry{name: name + UnitExt, body: body}
}
