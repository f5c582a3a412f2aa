package units

import (
	"fmt"
	"mime"
	"path/filepath"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

// File serves one file of the bundle's resources. The read goes through the
// sandbox of the calling chain, so a hosted bundle cannot leave its root.
type File struct {
	unit
	path  string
	ctype string
}

func newFile(h *deploy.Handle) (server.Service, error) {
	name := h.Param("file")
	if name == "" {
		return nil, fmt.Errorf("units: %s: file needs a file param", h.Name)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.Root, filepath.FromSlash(name))
	}
	ctype := h.Param("type")
	if ctype == "" {
		ctype = mime.TypeByExtension(filepath.Ext(path))
	}
	return &File{unit: unit{h}, path: path, ctype: ctype}, nil
}

// Filter writes the file.
func (f *File) Filter(ev *server.Event) error {
	data, err := ev.Sandbox().ReadFile(f.path)
	if err != nil {
		return err
	}
	if f.ctype != "" {
		ev.Reply().SetType(f.ctype)
	}
	_, err = ev.Reply().Write(data)
	return err
}
