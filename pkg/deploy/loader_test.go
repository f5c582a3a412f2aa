package deploy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/server"
)

func code(err error) string {
	var re *rerrors.RupyError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func TestLoaderLoad(t *testing.T) {
	cfg := testConfig(t)
	s := server.New(cfg)
	l := NewLoader(s)

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	file := writeBundle(t, cfg.Root, "app.zip",
		unit("units/base", "kind: test.text\nabstract: true\nparams:\n  body: hi\n"),
		unit("units/hello", "extends: units/base\npath: /hello:/hi\n"),
		unit("units/second", "kind: test.text\npath: /hello\nindex: 1\nparams:\n  body: ' there'\n"),
		unit("units/plain", "path: /unused\n"),
		entry{name: "static/index.html", body: "<h1>home</h1>", modTime: mtime},
	)

	var progress bytes.Buffer
	b, err := l.Load(context.Background(), file, &progress)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b.Name() != "app.zip" || b.Host() != server.ContentHost {
		t.Errorf("Name, Host = %q, %q", b.Name(), b.Host())
	}
	if b.ID().String() == "" {
		t.Error("bundle has no deploy ID")
	}
	if got := len(b.Units()); got != 4 {
		t.Errorf("len(Units()) = %d, want 4", got)
	}
	if got := len(b.Services()); got != 2 {
		t.Errorf("len(Services()) = %d, want 2", got)
	}
	if got := b.Paths(); len(got) != 2 || got[0] != "/hello" || got[1] != "/hi" {
		t.Errorf("Paths() = %v", got)
	}
	if c := b.Chain("/hello"); c == nil || c.Len() != 2 {
		t.Errorf("Chain(/hello) = %v, want two services", c)
	}
	if b.Sandbox().Policy().Name() != "content" {
		t.Errorf("sandbox policy = %s, want content", b.Sandbox().Policy().Name())
	}
	if got := strings.Count(progress.String(), "."); got != 5 {
		t.Errorf("progress dots = %d, want 5 (%q)", got, progress.String())
	}

	target := filepath.Join(cfg.Root, server.ContentHost, "static", "index.html")
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("extracted file: %v", err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}
	if _, err := os.Stat(filepath.Join(cfg.Root, server.ContentHost, "units", "hello.unit")); err == nil {
		t.Error("unit descriptors must not be extracted")
	}

	// Not installed until Deploy.
	if s.Chain("localhost", "/hello") != nil {
		t.Error("Load() installed the bundle")
	}
}

func TestLoaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		code    string
	}{
		{
			name:    "zip slip",
			entries: []entry{{name: "../escape.txt", body: "x"}},
			code:    "R403",
		},
		{
			name:    "absolute entry",
			entries: []entry{{name: "/etc/passwd", body: "x"}},
			code:    "R403",
		},
		{
			name:    "cycle",
			entries: []entry{unit("a", "extends: b\n"), unit("b", "extends: a\n")},
			code:    "R403",
		},
		{
			name: "conflict",
			entries: []entry{
				unit("a", "kind: test.text\npath: /x\n"),
				unit("b", "kind: test.text\npath: /x\n"),
			},
			code: "R404",
		},
		{
			name:    "index gap",
			entries: []entry{unit("a", "kind: test.text\npath: /x\nindex: 2\n")},
			code:    "R405",
		},
		{
			name:    "factory fails",
			entries: []entry{unit("a", "kind: test.broken\npath: /x\n")},
			code:    "R406",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			l := NewLoader(server.New(cfg))
			file := writeBundle(t, cfg.Root, "bad.zip", tt.entries...)
			_, err := l.Load(context.Background(), file, nil)
			if got := code(err); got != tt.code {
				t.Fatalf("Load() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestLoaderConflictMessage(t *testing.T) {
	cfg := testConfig(t)
	l := NewLoader(server.New(cfg))
	file := writeBundle(t, cfg.Root, "bad.zip",
		unit("a", "kind: test.text\npath: /x\n"),
		unit("b", "kind: test.text\npath: /x\n"),
	)
	_, err := l.Load(context.Background(), file, nil)
	var ce *server.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Load() error = %v, want ConflictError", err)
	}
	if ce.Existing != "a" || ce.Incoming != "b" || ce.Path != "/x" {
		t.Errorf("ConflictError = %+v", ce)
	}
}

func TestLoaderRejectsNonBundle(t *testing.T) {
	cfg := testConfig(t)
	l := NewLoader(server.New(cfg))
	if _, err := l.Load(context.Background(), filepath.Join(cfg.Root, "app.tar"), nil); code(err) != "R401" {
		t.Errorf("Load(.tar) error = %v, want R401", err)
	}
	if _, err := l.Load(context.Background(), filepath.Join(cfg.Root, "missing.zip"), nil); code(err) != "R403" {
		t.Errorf("Load(missing) error = %v, want R403", err)
	}
}

func TestLoaderCreateHookFailureUnwinds(t *testing.T) {
	cfg := testConfig(t)
	l := NewLoader(server.New(cfg))
	file := writeBundle(t, cfg.Root, "hooks.zip",
		unit("a", "kind: test.tracked\npath: /a\nparams:\n  id: unwind-a\n"),
		unit("b", "kind: test.tracked\npath: /b\nparams:\n  id: unwind-b\n  fail: create\n"),
	)
	if _, err := l.Load(context.Background(), file, nil); code(err) != "R406" {
		t.Fatalf("Load() error = %v, want R406", err)
	}
	a := trackedByID(t, "unwind-a")
	if a.created.Load() != 1 || a.destroyed.Load() != 1 {
		t.Errorf("a created/destroyed = %d/%d, want 1/1", a.created.Load(), a.destroyed.Load())
	}
}

func TestFailedRedeployKeepsResources(t *testing.T) {
	tests := []struct {
		name string
		unit entry
		code string
	}{
		{"index gap", unit("gap", "kind: test.text\npath: /gap\nindex: 4\n"), "R405"},
		{"bad unit", unit("bad", "kind: test.broken\npath: /bad\n"), "R406"},
		{"create hook", unit("hook", "kind: test.tracked\npath: /hook\nparams:\n  id: keep-hook\n  fail: create\n"), "R406"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			l := NewLoader(server.New(cfg))
			ctx := context.Background()

			good := writeBundle(t, cfg.Root, "app.zip", entry{name: "index.html", body: "old"})
			if _, err := l.Deploy(ctx, good, nil); err != nil {
				t.Fatalf("Deploy() error = %v", err)
			}

			bad := writeBundle(t, t.TempDir(), "app.zip",
				entry{name: "index.html", body: "new"},
				entry{name: "extra.css", body: "new"},
				tt.unit,
			)
			if _, err := l.Deploy(ctx, bad, nil); code(err) != tt.code {
				t.Fatalf("Deploy() error = %v, want %s", err, tt.code)
			}

			host := filepath.Join(cfg.Root, server.ContentHost)
			if data, _ := os.ReadFile(filepath.Join(host, "index.html")); string(data) != "old" {
				t.Errorf("index.html = %q after a failed deploy, want %q", data, "old")
			}
			if _, err := os.Stat(filepath.Join(host, "extra.css")); !os.IsNotExist(err) {
				t.Error("a failed deploy left extra.css behind")
			}
			entries, _ := os.ReadDir(cfg.Root)
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") {
					t.Errorf("staging directory %s left behind", e.Name())
				}
			}
		})
	}
}

func TestDeployReplacesInPlace(t *testing.T) {
	cfg := testConfig(t)
	s := server.New(cfg)
	l := NewLoader(s)
	ctx := context.Background()

	file := writeBundle(t, cfg.Root, "app.zip",
		unit("svc", "kind: test.tracked\npath: /svc\nparams:\n  id: replace-1\n  body: one\n"))
	first, err := l.Deploy(ctx, file, nil)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if s.Archive("app.zip") != first {
		t.Fatal("first bundle not installed")
	}
	old := trackedByID(t, "replace-1")
	if old.created.Load() != 1 {
		t.Errorf("created = %d, want 1", old.created.Load())
	}

	file = writeBundle(t, cfg.Root, "app.zip",
		unit("svc", "kind: test.tracked\npath: /svc\nparams:\n  id: replace-2\n  body: two\n"))
	second, err := l.Deploy(ctx, file, nil)
	if err != nil {
		t.Fatalf("redeploy error = %v", err)
	}
	if second.ID() == first.ID() {
		t.Error("redeploy reused the deploy ID")
	}
	if s.Archive("app.zip") != second {
		t.Error("second bundle not installed")
	}
	if got := old.destroyed.Load(); got != 1 {
		t.Errorf("old destroyed = %d, want 1", got)
	}
	if got := trackedByID(t, "replace-2").destroyed.Load(); got != 0 {
		t.Errorf("new destroyed = %d, want 0", got)
	}
	if got := len(s.Archives()); got != 1 {
		t.Errorf("len(Archives()) = %d, want 1", got)
	}
	if c := s.Chain("localhost", "/svc"); c == nil || c.Get(0) != second.Services()[0] {
		t.Error("chain does not resolve to the new service")
	}
}

func TestHostModeBundles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = true
	cfg.Domain = "host.rupy.se"
	s := server.New(cfg)
	l := NewLoader(s, WithShared(filepath.Join(cfg.Root, "shared")))

	writeBundle(t, cfg.Root, "b.com.zip", unit("u", "kind: test.text\npath: /b\n"))
	writeBundle(t, cfg.Root, "A.com.zip", unit("u", "kind: test.text\npath: /a\n"))
	writeBundle(t, cfg.Root, "host.rupy.se.zip", unit("u", "kind: test.text\npath: /d\n"))
	writeBundle(t, cfg.Root, "broken.zip", unit("u", "kind: test.text\npath: /x\nindex: 3\n"))
	os.WriteFile(filepath.Join(cfg.Root, "notes.txt"), []byte("x"), 0o644)

	files, err := l.Bundles()
	if err != nil {
		t.Fatalf("Bundles() error = %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	want := []string{"host.rupy.se.zip", "A.com.zip", "b.com.zip", "broken.zip"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Errorf("Bundles() = %v, want %v", names, want)
	}

	bundles, err := l.LoadDir(context.Background())
	if err == nil || code(err) != "R405" {
		t.Errorf("LoadDir() error = %v, want the broken bundle's R405", err)
	}
	if len(bundles) != 3 {
		t.Fatalf("LoadDir() loaded %d bundles, want 3", len(bundles))
	}
	a := s.Archive("A.com.zip")
	if a == nil || a.Host() != "a.com" {
		t.Fatalf("A.com.zip host = %v", a)
	}
	if a.Sandbox().Policy().Name() != "hosted" {
		t.Errorf("policy = %s, want hosted", a.Sandbox().Policy().Name())
	}
	if s.Chain("a.com", "/a") == nil {
		t.Error("a.com does not resolve /a")
	}
	if s.Chain("a.com", "/b") != nil {
		t.Error("a.com resolves another tenant's path")
	}
}

func TestBundlesMissingRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Root = filepath.Join(cfg.Root, "absent")
	l := NewLoader(server.New(cfg))
	files, err := l.Bundles()
	if err != nil || len(files) != 0 {
		t.Errorf("Bundles() = %v, %v; want empty", files, err)
	}
}

func TestPackRoundTrip(t *testing.T) {
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "units"), 0o755)
	os.WriteFile(filepath.Join(src, "units", "hello.unit"), []byte("kind: test.text\npath: /hello\nparams:\n  body: packed\n"), 0o644)
	os.WriteFile(filepath.Join(src, "index.html"), []byte("home"), 0o644)

	cfg := testConfig(t)
	out := filepath.Join(cfg.Root, "packed.zip")
	n, err := Pack(src, out)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Pack() = %d entries, want 2", n)
	}

	b, err := NewLoader(server.New(cfg)).Load(context.Background(), out, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b.Chain("/hello") == nil {
		t.Error("packed unit not loaded")
	}
	if files := b.Files(); len(files) != 1 || files[0] != "index.html" {
		t.Errorf("Files() = %v", files)
	}
}

func TestPackSkipsItself(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644)
	n, err := Pack(src, filepath.Join(src, "self.zip"))
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Pack() = %d entries, want 1", n)
	}
}
