package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/sandbox"
	"github.com/rupy-dev/rupy/pkg/server"
)

const (
	// BundleExt is the file suffix of deployable bundles.
	BundleExt = ".zip"

	tracerName = "github.com/rupy-dev/rupy/pkg/deploy"

	// maxUnitSize bounds a single descriptor entry.
	maxUnitSize = 1 << 20
)

// Loader turns bundle files into installed archives.
type Loader struct {
	server   *server.Server
	config   *server.Config
	logger   *slog.Logger
	deployer *sandbox.Context
	tracer   trace.Tracer
	mirror   Mirror
	shared   string
}

// Option configures a Loader.
type Option func(*Loader)

// WithMirror copies every deployed bundle to m and lets Restore pull from it.
func WithMirror(m Mirror) Option {
	return func(l *Loader) {
		l.mirror = m
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) {
		l.tracer = t
	}
}

// WithShared sets the shared resource directory hosted bundles may read.
func WithShared(dir string) Option {
	return func(l *Loader) {
		l.shared = dir
	}
}

// NewLoader returns a loader installing into s.
func NewLoader(s *server.Server, opts ...Option) *Loader {
	config := s.Config()
	l := &Loader{
		server:   s,
		config:   config,
		logger:   s.Logger().With("component", "deploy"),
		deployer: sandbox.New("deployer", sandbox.DeployerPolicy(config.Root)),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mirror returns the configured mirror, or nil.
func (l *Loader) Mirror() Mirror {
	return l.mirror
}

// Sandbox is the context the loader writes files through.
func (l *Loader) Sandbox() *sandbox.Context {
	return l.deployer
}

// HostOf returns the host tag of a bundle file name.
func (l *Loader) HostOf(name string) string {
	if !l.config.Host {
		return server.ContentHost
	}
	return strings.ToLower(strings.TrimSuffix(filepath.Base(name), BundleExt))
}

func (l *Loader) policy(root string) *sandbox.Policy {
	if l.config.Host {
		return sandbox.HostedPolicy(root, l.shared)
	}
	return sandbox.ContentPolicy(root)
}

// Load reads file, extracts its resources and instantiates its units. The
// result is not installed. progress receives one dot per entry.
func (l *Loader) Load(ctx context.Context, file string, progress io.Writer) (*Bundle, error) {
	return l.load(ctx, file, filepath.Base(file), progress, nil)
}

// load extracts resources into a staging directory and moves them over the
// host root only once every unit is defined and verified. If a Create hook
// or commit fails the replaced resources are put back. commit, when set,
// runs last.
func (l *Loader) load(ctx context.Context, file, name string, progress io.Writer, commit func() error) (b *Bundle, err error) {
	_, span := l.tracer.Start(ctx, "rupy.deploy.load", trace.WithAttributes(
		attribute.String("rupy.bundle", name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("rupy.deploy_id", b.ID().String()),
				attribute.Int("rupy.services", len(b.services)),
			)
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if !strings.HasSuffix(name, BundleExt) || !filepath.IsLocal(name) {
		return nil, rerrors.New("R401").WithDetail(fmt.Sprintf("%s is not a %s bundle", name, BundleExt))
	}
	info, err := l.deployer.Stat(file)
	if err != nil {
		return nil, rerrors.New("R403").Wrap(err)
	}
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, rerrors.New("R403").Wrap(err)
	}
	defer zr.Close()

	host := l.HostOf(name)
	root := filepath.Join(l.config.Root, host)
	b = newBundle(name, host, root, info.ModTime(), sandbox.New(host, l.policy(root)))
	definer := NewDefiner(root, host)
	dots := &dotWriter{w: progress}

	st := l.stage(host, root)
	defer st.clean()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entry := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(entry) {
			return nil, rerrors.New("R403").WithDetail(fmt.Sprintf("entry %q escapes the bundle root", f.Name))
		}
		if strings.HasSuffix(f.Name, UnitExt) {
			data, err := readEntry(f)
			if err != nil {
				return nil, rerrors.New("R403").Wrap(err)
			}
			definer.Buffer(UnitName(f.Name), data)
		} else {
			if err := l.extract(f, filepath.Join(st.dir, entry)); err != nil {
				return nil, rerrors.New("R403").Wrap(err)
			}
			st.files = append(st.files, entry)
			b.files = append(b.files, f.Name)
		}
		dots.tick()
	}

	handles, err := definer.DefineAll()
	if err != nil {
		return nil, rerrors.New("R403").Wrap(err)
	}
	b.units = handles

	for _, h := range handles {
		if !h.Instantiable() {
			l.logger.Debug("unit defined", "bundle", name, "unit", h.Name)
			continue
		}
		var svc server.Service
		err := b.sandbox.Run(func() error {
			var err error
			svc, err = h.instantiate()
			return err
		})
		if err != nil {
			return nil, rerrors.New("R406").Wrap(err)
		}
		if err := b.add(svc); err != nil {
			return nil, rerrors.New("R404").Wrap(err)
		}
	}
	if err := b.verify(); err != nil {
		return nil, rerrors.New("R405").Wrap(err)
	}

	if err := st.commit(); err != nil {
		st.rollback()
		return nil, rerrors.New("R403").Wrap(err)
	}
	for i, svc := range b.services {
		cr, ok := svc.(server.Creator)
		if !ok {
			continue
		}
		if err := b.sandbox.Run(func() error { return cr.Create(l.server) }); err != nil {
			l.unwind(b, i)
			st.rollback()
			return nil, rerrors.New("R406").Wrap(err)
		}
	}
	if commit != nil {
		if err := commit(); err != nil {
			l.unwind(b, len(b.services))
			st.rollback()
			return nil, err
		}
	}
	dots.done()
	return b, nil
}

// unwind destroys the services created before a failed Create hook.
func (l *Loader) unwind(b *Bundle, created int) {
	for _, svc := range b.services[:created] {
		d, ok := svc.(server.Destroyer)
		if !ok {
			continue
		}
		if err := b.sandbox.Run(d.Destroy); err != nil {
			l.logger.Warn("service destroy failed", "bundle", b.name, "service", server.ServiceName(svc), "error", err)
		}
	}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxUnitSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUnitSize {
		return nil, fmt.Errorf("deploy: unit %s exceeds %d bytes", f.Name, maxUnitSize)
	}
	return data, nil
}

func (l *Loader) extract(f *zip.File, target string) error {
	if err := l.deployer.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := l.deployer.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	mtime := f.Modified
	if mtime.IsZero() {
		mtime = f.FileInfo().ModTime()
	}
	return l.deployer.Chtimes(target, mtime, mtime)
}

// Deploy loads file and installs it, superseding an archive of the same name.
func (l *Loader) Deploy(ctx context.Context, file string, progress io.Writer) (*Bundle, error) {
	return l.deploy(ctx, file, filepath.Base(file), false, progress)
}

// Accept deploys an uploaded file as name. The upload is moved into the root
// directory only once the bundle has loaded, so a failed deploy never replaces
// the previous bundle file.
func (l *Loader) Accept(ctx context.Context, upload, name string, progress io.Writer) (*Bundle, error) {
	return l.deploy(ctx, upload, name, true, progress)
}

func (l *Loader) deploy(ctx context.Context, file, name string, move bool, progress io.Writer) (*Bundle, error) {
	ctx, span := l.tracer.Start(ctx, "rupy.deploy", trace.WithAttributes(
		attribute.String("rupy.bundle", name),
	))
	defer span.End()

	var commit func() error
	if move {
		target := filepath.Join(l.config.Root, name)
		commit = func() error {
			if err := l.deployer.Rename(file, target); err != nil {
				return rerrors.New("R401").Wrap(err)
			}
			file = target
			return nil
		}
	}
	b, err := l.load(ctx, file, name, progress, commit)
	if err != nil {
		l.server.ObserveDeploy("failed")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	l.server.Install(b)
	l.server.ObserveDeploy("ok")

	l.logger.Info("bundle deployed",
		"bundle", b.Name(),
		"host", b.Host(),
		"id", b.ID().String(),
		"units", len(b.units),
		"services", len(b.services),
		"files", len(b.files))

	if l.mirror != nil {
		if err := l.push(ctx, file); err != nil {
			l.logger.Warn("bundle mirror failed", "bundle", b.Name(), "error", err)
		}
	}
	return b, nil
}

func (l *Loader) push(ctx context.Context, file string) error {
	f, err := l.deployer.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return l.mirror.Put(ctx, filepath.Base(file), f, info.Size())
}

// Bundles lists the bundle files in the root directory. In host mode the
// domain bundle comes first so tenants can fall back on it.
func (l *Loader) Bundles() ([]string, error) {
	entries, err := os.ReadDir(l.config.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), BundleExt) {
			continue
		}
		files = append(files, e.Name())
	}
	domain := l.config.Domain + BundleExt
	sort.SliceStable(files, func(i, j int) bool {
		if l.config.Host && (files[i] == domain) != (files[j] == domain) {
			return files[i] == domain
		}
		return files[i] < files[j]
	})
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(l.config.Root, f)
	}
	return paths, nil
}

// LoadDir deploys every bundle in the root directory. A failing bundle is
// logged and skipped; the joined errors are returned.
func (l *Loader) LoadDir(ctx context.Context) ([]*Bundle, error) {
	files, err := l.Bundles()
	if err != nil {
		return nil, rerrors.New("R403").Wrap(err)
	}
	var (
		bundles []*Bundle
		errs    []error
	)
	for _, f := range files {
		b, err := l.Deploy(ctx, f, io.Discard)
		if err != nil {
			l.logger.Error("bundle load failed", "bundle", filepath.Base(f), "error", err)
			errs = append(errs, err)
			continue
		}
		bundles = append(bundles, b)
	}
	return bundles, errors.Join(errs...)
}

// Restore fetches bundles that exist in the mirror but not on disk.
func (l *Loader) Restore(ctx context.Context) (int, error) {
	if l.mirror == nil {
		return 0, nil
	}
	names, err := l.mirror.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := l.deployer.MkdirAll(l.config.Root, 0o755); err != nil {
		return 0, err
	}
	restored := 0
	for _, name := range names {
		if !strings.HasSuffix(name, BundleExt) || !filepath.IsLocal(name) || strings.ContainsRune(name, os.PathSeparator) {
			continue
		}
		target := filepath.Join(l.config.Root, name)
		if _, err := l.deployer.Stat(target); err == nil {
			continue
		}
		if err := l.fetch(ctx, name, target); err != nil {
			return restored, fmt.Errorf("deploy: restore %s: %w", name, err)
		}
		restored++
	}
	if restored > 0 {
		l.logger.Info("bundles restored", "count", restored)
	}
	return restored, nil
}

// Fetch replaces the bundle file name in the root directory with the
// mirror's copy and returns its path.
func (l *Loader) Fetch(ctx context.Context, name string) (string, error) {
	if l.mirror == nil {
		return "", errors.New("deploy: no mirror configured")
	}
	if !strings.HasSuffix(name, BundleExt) || !filepath.IsLocal(name) || strings.ContainsRune(name, os.PathSeparator) {
		return "", rerrors.New("R401").WithDetail(name)
	}
	if err := l.deployer.MkdirAll(l.config.Root, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(l.config.Root, name)
	if err := l.fetch(ctx, name, target); err != nil {
		return "", fmt.Errorf("deploy: fetch %s: %w", name, err)
	}
	return target, nil
}

func (l *Loader) fetch(ctx context.Context, name, target string) error {
	part := target + partExt
	out, err := l.deployer.Create(part)
	if err != nil {
		return err
	}
	if err := l.mirror.Get(ctx, name, out); err != nil {
		out.Close()
		l.deployer.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		l.deployer.Remove(part)
		return err
	}
	return l.deployer.Rename(part, target)
}

// dotWriter prints deploy progress.
type dotWriter struct {
	w     io.Writer
	count int
}

func (d *dotWriter) tick() {
	if d.w == nil {
		return
	}
	d.count++
	io.WriteString(d.w, ".")
	if d.count%64 == 0 {
		io.WriteString(d.w, "\n")
	}
}

func (d *dotWriter) done() {
	if d.w != nil && d.count%64 != 0 {
		io.WriteString(d.w, "\n")
	}
}
