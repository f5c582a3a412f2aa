package units

import (
	"errors"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

// Kind names.
const (
	KindText     = "text"
	KindRedirect = "redirect"
	KindEcho     = "echo"
	KindCounter  = "counter"
	KindFile     = "file"
	KindFetch    = "fetch"
	KindStream   = "stream"
)

var errNoPath = errors.New("units: unit has no path")

func init() {
	register(KindText, newText)
	register(KindRedirect, newRedirect)
	register(KindEcho, newEcho)
	register(KindCounter, newCounter)
	register(KindFile, newFile)
	register(KindFetch, newFetch)
	register(KindStream, newStream)
}

func register(kind string, f deploy.Factory) {
	deploy.Register(kind, func(h *deploy.Handle) (server.Service, error) {
		if h.Path == "" {
			return nil, errNoPath
		}
		return f(h)
	})
}

// unit carries the chain placement every kind shares.
type unit struct {
	handle *deploy.Handle
}

func (u unit) Index() int   { return u.handle.Index }
func (u unit) Path() string { return u.handle.Path }
func (u unit) Name() string { return u.handle.Name }
