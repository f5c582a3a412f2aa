package server

import (
	"sort"
	"time"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// ContentHost is the host tag of bundles deployed outside host mode.
const ContentHost = "content"

// Archive is a deployed bundle of services.
type Archive interface {
	// Name is the bundle file name; redeploying a name supersedes the archive.
	Name() string
	// Host is the tenant host, or ContentHost outside host mode.
	Host() string
	// Date is the bundle modification time.
	Date() time.Time
	// Chain returns the chain for path, or nil.
	Chain(path string) *Chain
	// Services returns every instantiated service.
	Services() []Service
	// Sandbox is the context every service of the archive runs in.
	Sandbox() *sandbox.Context
}

// Install publishes a. It supersedes any archive with the same name. The old
// archive's services are destroyed inside its sandbox before the swap;
// requests that already resolved an old chain finish on it.
func (s *Server) Install(a Archive) {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	s.archiveMu.RLock()
	old := s.archives[a.Name()]
	s.archiveMu.RUnlock()

	if old != nil {
		s.destroy(old.Sandbox(), old.Services())
	}

	s.archiveMu.Lock()
	s.archives[a.Name()] = a
	s.archiveMu.Unlock()

	s.logger.Info("archive installed",
		"name", a.Name(),
		"host", a.Host(),
		"services", len(a.Services()),
		"replaced", old != nil)
}

// Uninstall removes the named archive and destroys its services.
func (s *Server) Uninstall(name string) error {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	s.archiveMu.Lock()
	a := s.archives[name]
	delete(s.archives, name)
	s.archiveMu.Unlock()

	if a == nil {
		return ErrNotFound
	}
	s.destroy(a.Sandbox(), a.Services())
	return nil
}

// Archive returns the named archive, or nil.
func (s *Server) Archive(name string) Archive {
	s.archiveMu.RLock()
	defer s.archiveMu.RUnlock()
	return s.archives[name]
}

// Archives returns the installed archives ordered by name.
func (s *Server) Archives() []Archive {
	s.archiveMu.RLock()
	out := make([]Archive, 0, len(s.archives))
	for _, a := range s.archives {
		out = append(out, a)
	}
	s.archiveMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// archiveFor returns the tenant archive serving host in host mode.
// Caller holds archiveMu.
func (s *Server) archiveFor(host string, approved bool) Archive {
	var domain Archive
	var www Archive
	for _, a := range s.archives {
		switch a.Host() {
		case host:
			return a
		case "www." + host:
			www = a
		case s.config.Domain:
			domain = a
		}
	}
	if www != nil {
		return www
	}
	if approved {
		return domain
	}
	return nil
}

// Chain resolves (host, path) to a chain: root services first, then the
// tenant archive in host mode or every content archive otherwise.
func (s *Server) Chain(host, path string) *Chain {
	return s.chain(host, path, s.approved)
}

func (s *Server) chain(host, path string, approved func(string) bool) *Chain {
	s.serviceMu.RLock()
	c := s.service[path]
	s.serviceMu.RUnlock()
	if c != nil {
		return c
	}

	if s.config.Host {
		s.archiveMu.RLock()
		a := s.archiveFor(host, false)
		s.archiveMu.RUnlock()
		if a == nil && approved(host) {
			s.archiveMu.RLock()
			a = s.archiveFor(host, true)
			s.archiveMu.RUnlock()
		}
		if a == nil {
			return nil
		}
		return a.Chain(path)
	}

	for _, a := range s.Archives() {
		if a.Host() != ContentHost {
			continue
		}
		if c := a.Chain(path); c != nil {
			return c
		}
	}
	return nil
}

// approved asks the controller whether host may use the domain archive.
func (s *Server) approved(host string) bool {
	if host == s.config.Domain {
		return true
	}
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l == nil {
		return false
	}
	reply, err := l.Receive(HostMessage(host))
	return err == nil && reply == "OK"
}
