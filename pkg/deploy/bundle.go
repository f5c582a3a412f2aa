package deploy

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rupy-dev/rupy/pkg/sandbox"
	"github.com/rupy-dev/rupy/pkg/server"
)

// Bundle is a loaded archive. It implements server.Archive.
type Bundle struct {
	id       uuid.UUID
	name     string
	host     string
	date     time.Time
	root     string
	sandbox  *sandbox.Context
	chains   map[string]*server.Chain
	services []server.Service
	units    []*Handle
	files    []string
}

func newBundle(name, host, root string, date time.Time, sb *sandbox.Context) *Bundle {
	return &Bundle{
		id:      uuid.New(),
		name:    name,
		host:    host,
		date:    date,
		root:    root,
		sandbox: sb,
		chains:  make(map[string]*server.Chain),
	}
}

// ID identifies this deploy of the bundle.
func (b *Bundle) ID() uuid.UUID { return b.id }

// Name is the bundle file name.
func (b *Bundle) Name() string { return b.name }

// Host is the tenant host or server.ContentHost.
func (b *Bundle) Host() string { return b.host }

// Date is the bundle file modification time.
func (b *Bundle) Date() time.Time { return b.date }

// Root is the directory resources were extracted to.
func (b *Bundle) Root() string { return b.root }

// Sandbox is the context the bundle's services run in.
func (b *Bundle) Sandbox() *sandbox.Context { return b.sandbox }

// Chain returns the chain for path, or nil.
func (b *Bundle) Chain(path string) *server.Chain {
	return b.chains[path]
}

// Paths lists the paths the bundle serves.
func (b *Bundle) Paths() []string {
	paths := make([]string, 0, len(b.chains))
	for p := range b.chains {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Services returns the instantiated services in definition order.
func (b *Bundle) Services() []server.Service {
	out := make([]server.Service, len(b.services))
	copy(out, b.services)
	return out
}

// Units returns every defined unit, instantiated or not.
func (b *Bundle) Units() []*Handle {
	out := make([]*Handle, len(b.units))
	copy(out, b.units)
	return out
}

// Files lists the extracted resource paths.
func (b *Bundle) Files() []string {
	out := make([]string, len(b.files))
	copy(out, b.files)
	return out
}

// add registers svc under each of its paths.
func (b *Bundle) add(svc server.Service) error {
	paths := server.Paths(svc)
	for _, p := range paths {
		if c := b.chains[p]; c != nil {
			if existing := c.Get(svc.Index()); existing != nil {
				return &server.ConflictError{
					Path:     p,
					Index:    svc.Index(),
					Existing: server.ServiceName(existing),
					Incoming: server.ServiceName(svc),
				}
			}
		}
	}
	for _, p := range paths {
		c := b.chains[p]
		if c == nil {
			c = server.NewChain(p, b.sandbox)
			b.chains[p] = c
		}
		c.Put(svc)
	}
	b.services = append(b.services, svc)
	return nil
}

// verify checks every chain for index gaps.
func (b *Bundle) verify() error {
	for _, p := range b.Paths() {
		if err := b.chains[p].Verify(); err != nil {
			return err
		}
	}
	return nil
}
