package units

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

type file struct {
	name string
	body string
}

func testServer(t *testing.T, files ...file) (*server.Server, string) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Threads = 2
	cfg.Root = t.TempDir()
	cfg.Heartbeat = 20 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s := server.New(cfg)

	if _, err := deploy.NewLoader(s).Deploy(context.Background(), bundle(t, cfg.Root, files...), nil); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, "http://" + s.Addr().String()
}

func bundle(t *testing.T, dir string, files ...file) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, f.body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "app.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func do(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestText(t *testing.T) {
	_, base := testServer(t,
		file{"hello.unit", "kind: text\npath: /hello\nparams:\n  body: hi\n  type: text/plain\n"},
		file{"gone.unit", "kind: text\npath: /gone\nparams:\n  body: gone\n  code: '410'\n"},
	)
	resp, body := do(t, http.DefaultClient, base+"/hello")
	if resp.StatusCode != 200 || body != "hi" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("/hello = %d %q %q", resp.StatusCode, body, resp.Header.Get("Content-Type"))
	}
	resp, _ = do(t, http.DefaultClient, base+"/gone")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("/gone = %d, want 410", resp.StatusCode)
	}
}

func TestRedirect(t *testing.T) {
	_, base := testServer(t,
		file{"old.unit", "kind: redirect\npath: /old\nparams:\n  location: /new\n  code: '301'\n"},
	)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, _ := do(t, client, base+"/old")
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "/new" {
		t.Errorf("/old = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestEcho(t *testing.T) {
	_, base := testServer(t, file{"echo.unit", "kind: echo\npath: /echo\n"})
	_, body := do(t, http.DefaultClient, base+"/echo?b=2&a=1&a=3")
	want := "GET /echo\na=1\na=3\nb=2\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestCounter(t *testing.T) {
	_, base := testServer(t, file{"count.unit", "kind: counter\npath: /count\n"})

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	for want := 1; want <= 3; want++ {
		if _, body := do(t, client, base+"/count"); body != string(rune('0'+want)) {
			t.Errorf("request %d = %q", want, body)
		}
	}
	other, _ := cookiejar.New(nil)
	if _, body := do(t, &http.Client{Jar: other}, base+"/count"); body != "1" {
		t.Errorf("new session = %q, want 1", body)
	}
}

func TestCounterSessionEvents(t *testing.T) {
	s, base := testServer(t, file{"count.unit", "kind: counter\npath: /count\n"})
	jar, _ := cookiejar.New(nil)
	do(t, &http.Client{Jar: jar}, base+"/count")

	c := s.Archive("app.zip").Services()[0].(*Counter)
	if c.Active() != 1 || c.Total() != 1 {
		t.Errorf("Active, Total = %d, %d; want 1, 1", c.Active(), c.Total())
	}
	// Removing inside ForEach must not block the store.
	s.Sessions().ForEach(func(sess *server.Session) bool {
		sess.Remove()
		return true
	})
	if c.Active() != 0 {
		t.Errorf("Active() after remove = %d", c.Active())
	}
}

func TestFile(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0o644)

	_, base := testServer(t,
		file{"docs/page.txt", "page body"},
		file{"page.unit", "kind: file\npath: /page\nparams:\n  file: docs/page.txt\n"},
		file{"leak.unit", "kind: file\npath: /leak\nparams:\n  file: " + outside + "\n"},
	)
	resp, body := do(t, http.DefaultClient, base+"/page")
	if resp.StatusCode != 200 || body != "page body" {
		t.Errorf("/page = %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp, body = do(t, http.DefaultClient, base+"/leak")
	if resp.StatusCode != http.StatusInternalServerError || body == "secret" {
		t.Errorf("/leak = %d %q; want a sandbox denial", resp.StatusCode, body)
	}
}

func TestFetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	_, base := testServer(t, file{"up.unit", "kind: fetch\npath: /up\nparams:\n  url: " + upstream.URL + "\n"})
	resp, body := do(t, http.DefaultClient, base+"/up")
	if resp.StatusCode != http.StatusAccepted || body != `{"ok":true}` {
		t.Errorf("/up = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestStream(t *testing.T) {
	_, base := testServer(t, file{"ticks.unit", "kind: stream\npath: /ticks\nparams:\n  count: '3'\n  interval: '10'\n"})
	resp, body := do(t, &http.Client{Timeout: 5 * time.Second}, base+"/ticks")
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v", resp.TransferEncoding)
	}
	if want := "tick 1\ntick 2\ntick 3\n"; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

// slow holds its worker for a while.
type slow struct {
	unit
}

func (*slow) Filter(ev *server.Event) error {
	time.Sleep(600 * time.Millisecond)
	_, err := ev.Reply().WriteString("slow")
	return err
}

func init() {
	register("test.slow", func(h *deploy.Handle) (server.Service, error) { return &slow{unit{h}}, nil })
}

func TestStreamCatchesUpWhenWorkersAreBusy(t *testing.T) {
	_, base := testServer(t,
		file{"slow.unit", "kind: test.slow\npath: /slow\n"},
		file{"ticks.unit", "kind: stream\npath: /ticks\nparams:\n  count: '3'\n  interval: '100'\n"},
	)
	client := &http.Client{Timeout: 5 * time.Second}

	stream := make(chan string, 1)
	go func() {
		resp, err := client.Get(base + "/ticks")
		if err != nil {
			stream <- err.Error()
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		stream <- string(data)
	}()

	// Once the stream is held, take both workers past the tick times.
	time.Sleep(30 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := client.Get(base + "/slow"); err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	select {
	case body := <-stream:
		if want := "tick 1\ntick 2\ntick 3\n"; body != want {
			t.Errorf("body = %q, want %q", body, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestFactoryValidation(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"no path", "kind: text\n"},
		{"redirect without location", "kind: redirect\npath: /r\n"},
		{"redirect with a 200", "kind: redirect\npath: /r\nparams:\n  location: /x\n  code: '200'\n"},
		{"bad code", "kind: text\npath: /t\nparams:\n  code: '999'\n"},
		{"file without file", "kind: file\npath: /f\n"},
		{"fetch without url", "kind: fetch\npath: /f\n"},
		{"fetch with ftp", "kind: fetch\npath: /f\nparams:\n  url: ftp://example.com/x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := server.DefaultConfig()
			cfg.Root = t.TempDir()
			cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			path := bundle(t, cfg.Root, file{"u.unit", tt.desc})
			_, err := deploy.NewLoader(server.New(cfg)).Load(context.Background(), path, nil)
			var re *rerrors.RupyError
			if !errors.As(err, &re) || re.Code != "R406" {
				t.Errorf("Load() error = %v, want R406", err)
			}
		})
	}
}
