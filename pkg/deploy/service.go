package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/server"
)

const (
	// Path is where the deploy service listens.
	Path = "/deploy"

	// DefaultPass only deploys from the loopback address.
	DefaultPass = "secret"

	// SmallLimit caps hosted uploads authorized by the controller.
	SmallLimit = 1 << 20
	// LargeLimit caps uploads authorized with the daemon pass.
	LargeLimit = 100 << 20

	loopback = "127.0.0.1"
	partExt  = ".part"
	usedKey  = "deploy.cookie"
)

// Request headers of a deploy POST.
const (
	HeaderFile    = "File"
	HeaderSize    = "Size"
	HeaderPass    = "Pass"
	HeaderCluster = "Cluster"
)

// Propagator spreads a deployed bundle to the rest of the cluster.
type Propagator interface {
	Propagate(ctx context.Context, b *Bundle) error
}

// Service is the /deploy endpoint. GET returns a nonce; POST uploads a bundle
// authenticated with Hash(bundle, pass, nonce).
type Service struct {
	loader     *Loader
	server     *server.Server
	logger     *slog.Logger
	passport   string
	propagator Propagator
	node       string

	mu    sync.Mutex
	nonce string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPassport sets the passport file consulted when no controller answers.
func WithPassport(name string) ServiceOption {
	return func(s *Service) {
		s.passport = name
	}
}

// WithPropagator sets what handles deploys sent with Cluster: true.
func WithPropagator(p Propagator) ServiceOption {
	return func(s *Service) {
		s.propagator = p
	}
}

// WithNode sets the node name reported back to deployers.
func WithNode(name string) ServiceOption {
	return func(s *Service) {
		s.node = name
	}
}

// NewService returns the deploy endpoint for l.
func NewService(l *Loader, opts ...ServiceOption) *Service {
	s := &Service{
		loader:   l,
		server:   l.server,
		logger:   l.logger,
		passport: DefaultPassport,
		nonce:    newNonce(),
	}
	if host, err := os.Hostname(); err == nil {
		s.node = host
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Index() int   { return 0 }
func (s *Service) Path() string { return Path }
func (s *Service) Name() string { return "deploy" }

// Filter serves the nonce and accepts uploads.
func (s *Service) Filter(ev *server.Event) error {
	switch ev.Query().Method() {
	case http.MethodGet, http.MethodHead:
		ev.Reply().SetType("text/plain; charset=utf-8")
		ev.Reply().WriteString(s.current(ev))
		return ev.Halt()
	case http.MethodPost:
		s.post(ev)
		return ev.Halt()
	}
	ev.Reply().Header().Set("Allow", "GET, POST")
	return s.reject(ev, http.StatusMethodNotAllowed, rerrors.New("R401").WithDetail("deploy takes GET or POST"))
}

// current is the nonce a GET hands out. With sessions it is the session key,
// otherwise a daemon wide value rotated on every upload.
func (s *Service) current(ev *server.Event) string {
	if sess := ev.Session(); sess != nil {
		return sess.Key()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// take consumes the nonce of a POST. It returns "" when the session's nonce
// was already spent.
func (s *Service) take(ev *server.Event) string {
	if sess := ev.Session(); sess != nil {
		if sess.String(usedKey) != "" {
			return ""
		}
		sess.Put(usedKey, "used")
		return sess.Key()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nonce
	s.nonce = newNonce()
	return n
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("deploy: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (s *Service) limit() int64 {
	if s.server.Config().Pass == "" {
		return SmallLimit
	}
	return LargeLimit
}

func (s *Service) post(ev *server.Event) {
	q := ev.Query()
	config := s.server.Config()
	name := q.Header(HeaderFile)
	pass := q.Header(HeaderPass)
	cluster, _ := strconv.ParseBool(q.Header(HeaderCluster))

	if name == "" || pass == "" {
		s.reject(ev, http.StatusBadRequest, rerrors.New("R401").WithDetail("File and Pass headers are required"))
		return
	}
	if filepath.Base(name) != name || !filepath.IsLocal(name) || !strings.HasSuffix(name, BundleExt) {
		s.reject(ev, http.StatusBadRequest, rerrors.New("R401").WithDetail(fmt.Sprintf("%q is not a bundle name", name)))
		return
	}
	if !config.Host && config.Pass == "" {
		s.reject(ev, http.StatusForbidden, rerrors.New("R402").WithDetail("deploy is disabled until a pass is configured"))
		return
	}
	if config.Pass == DefaultPass && ev.Remote() != loopback {
		s.reject(ev, http.StatusForbidden, rerrors.New("R402").WithDetail("the default pass only deploys from "+loopback))
		return
	}
	nonce := s.take(ev)
	if nonce == "" {
		s.reject(ev, http.StatusBadRequest, rerrors.New("R402").WithDetail("Cookie already used!"))
		return
	}

	limit := s.limit()
	size := int64(-1)
	if v := q.Header(HeaderSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.reject(ev, http.StatusBadRequest, rerrors.New("R401").WithDetail("Size header is not a number"))
			return
		}
		size = n
	}
	if size > limit {
		s.reject(ev, http.StatusBadRequest, rerrors.New("R401").WithDetail(fmt.Sprintf("bundle exceeds %d bytes", limit)))
		return
	}

	part, err := s.receive(q.Body(), name, limit, size)
	if err != nil {
		s.reject(ev, http.StatusBadRequest, asDeployError(err, "R401"))
		return
	}
	if err := s.authorize(ev, part, name, pass, nonce, cluster); err != nil {
		s.loader.deployer.Remove(part)
		s.reject(ev, http.StatusUnauthorized, err)
		return
	}

	reply := ev.Reply()
	reply.SetType("text/plain; charset=utf-8")
	b, err := s.loader.Accept(ev.Context(), part, name, reply)
	if err != nil {
		s.loader.deployer.Remove(part)
		reply.Reset()
		s.reject(ev, http.StatusInternalServerError, err)
		return
	}

	fmt.Fprintf(reply, "Application '%s' deployed on '%s'.\n", b.Name(), s.node)
	if cluster && s.propagator != nil {
		if err := s.propagator.Propagate(ev.Context(), b); err != nil {
			s.logger.Warn("deploy propagation failed", "bundle", b.Name(), "error", err)
			fmt.Fprintf(reply, "Deploy propagation failed: %v\n", err)
			return
		}
		io.WriteString(reply, "Deploy is propagating on cluster.\n")
	}
}

// receive stores the request body in a temporary file below the root.
func (s *Service) receive(body io.Reader, name string, limit, size int64) (string, error) {
	root := s.server.Config().Root
	d := s.loader.deployer
	if err := d.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	part := filepath.Join(root, name+partExt)
	out, err := d.Create(part)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, io.LimitReader(body, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
	case n > limit:
		err = rerrors.New("R401").WithDetail(fmt.Sprintf("bundle exceeds %d bytes", limit))
	case size >= 0 && n != size:
		err = rerrors.New("R401").WithDetail(fmt.Sprintf("received %d of %d bytes", n, size))
	}
	if err != nil {
		d.Remove(part)
		return "", err
	}
	return part, nil
}

// authorize checks the upload's credential against the daemon pass, or in
// host mode against the controller and then the passport.
func (s *Service) authorize(ev *server.Event, part, name, pass, nonce string, cluster bool) error {
	digest, err := DigestFile(part)
	if err != nil {
		return rerrors.New("R402").Wrap(err)
	}
	config := s.server.Config()
	if config.Pass != "" {
		if !Equal(Salt(digest, config.Pass, nonce), pass) {
			return rerrors.New("R402").WithDetail("Pass verification failed")
		}
		return nil
	}

	msg := server.AuthMessage(name, ev.Remote(), digest, pass, nonce, cluster)
	answer, err := s.server.Send(msg)
	if err != nil {
		return rerrors.New("R402").Wrap(err)
	}
	switch answer {
	case "OK":
		return nil
	case msg:
	default:
		return rerrors.New("R402").WithDetail(answer)
	}

	passport, err := ReadPassport(s.passport)
	if err != nil {
		return rerrors.New("R402").Wrap(err)
	}
	key, ok := passport.Pass(s.loader.HostOf(name))
	if !ok || !Equal(Salt(digest, key, nonce), pass) {
		return rerrors.New("R402").WithDetail("Pass verification failed")
	}
	return nil
}

func (s *Service) reject(ev *server.Event, code int, err error) error {
	s.server.ObserveDeploy("rejected")
	s.logger.Warn("deploy rejected",
		"remote", ev.Remote(),
		"file", ev.Query().Header(HeaderFile),
		"status", code,
		"error", err)

	reply := ev.Reply()
	reply.SetCode(code)
	reply.SetType("text/plain; charset=utf-8")
	io.WriteString(reply, message(err)+"\n")
	return ev.Halt()
}

// message is the text returned to the deployer.
func message(err error) string {
	var re *rerrors.RupyError
	if errors.As(err, &re) && re.Detail != "" {
		return re.Error() + ": " + re.Detail
	}
	return err.Error()
}

func asDeployError(err error, code string) error {
	var re *rerrors.RupyError
	if errors.As(err, &re) {
		return re
	}
	return rerrors.New(code).Wrap(err)
}
