package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rupy-dev/rupy/pkg/server"
)

// UnitExt is the entry suffix of compiled unit descriptors inside a bundle.
const UnitExt = ".unit"

// Factory builds the service of a defined unit. It runs inside the sandbox of
// the bundle that carries the unit.
type Factory func(h *Handle) (server.Service, error)

var (
	kindsLock sync.RWMutex
	kinds     = make(map[string]Factory)
)

// Register makes a handler kind available to bundles. It panics when kind is
// registered twice.
func Register(kind string, f Factory) {
	kindsLock.Lock()
	defer kindsLock.Unlock()

	if kind == "" || f == nil {
		panic("deploy: Register with empty kind or nil factory")
	}
	if _, ok := kinds[kind]; ok {
		panic("deploy: kind " + kind + " registered twice")
	}
	kinds[kind] = f
}

// Kinds lists the registered handler kinds.
func Kinds() []string {
	kindsLock.RLock()
	defer kindsLock.RUnlock()

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lookup(kind string) (Factory, bool) {
	kindsLock.RLock()
	defer kindsLock.RUnlock()
	f, ok := kinds[kind]
	return f, ok
}

// Descriptor is the YAML form of a compiled unit.
type Descriptor struct {
	Kind     string            `yaml:"kind"`
	Extends  string            `yaml:"extends"`
	Path     string            `yaml:"path"`
	Index    *int              `yaml:"index"`
	Abstract bool              `yaml:"abstract"`
	Params   map[string]string `yaml:"params"`
}

// Handle is a defined unit. Kind, Path, Index and Params are resolved
// against the ancestry: a unit inherits every field it leaves empty, and its
// params override its parent's.
type Handle struct {
	Name     string
	Kind     string
	Path     string
	Index    int
	Abstract bool
	Params   map[string]string
	Parent   *Handle

	// Root is the directory the bundle's resources were extracted to.
	Root string
	// Host is the host tag of the bundle.
	Host string
}

// Param returns a parameter or "".
func (h *Handle) Param(key string) string {
	return h.Params[key]
}

// IntParam returns a numeric parameter or def.
func (h *Handle) IntParam(key string, def int) int {
	v, err := strconv.Atoi(h.Params[key])
	if err != nil {
		return def
	}
	return v
}

// Instantiable reports whether the unit should become a service: it is not
// abstract and its ancestry reaches a registered kind.
func (h *Handle) Instantiable() bool {
	if h.Abstract || h.Kind == "" {
		return false
	}
	_, ok := lookup(h.Kind)
	return ok
}

// Ancestry lists the unit and its parents, nearest first.
func (h *Handle) Ancestry() []string {
	var names []string
	for p := h; p != nil; p = p.Parent {
		names = append(names, p.Name)
	}
	return names
}

func (h *Handle) String() string {
	return h.Name
}

func (h *Handle) instantiate() (server.Service, error) {
	f, ok := lookup(h.Kind)
	if !ok {
		return nil, fmt.Errorf("deploy: unit %s: kind %q is not registered", h.Name, h.Kind)
	}
	svc, err := f(h)
	if err != nil {
		return nil, fmt.Errorf("deploy: unit %s: %w", h.Name, err)
	}
	return svc, nil
}

var (
	// ErrCycle is returned when units extend each other in a loop.
	ErrCycle = errors.New("deploy: unit inheritance cycle")
	// ErrMissingParent is returned when a unit extends a name the bundle lacks.
	ErrMissingParent = errors.New("deploy: unit parent not found")
)

// UnitError reports a unit that could not be defined.
type UnitError struct {
	Unit string
	Err  error
}

// Error returns the error message.
func (e *UnitError) Error() string {
	return "deploy: unit " + e.Unit + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// Definer defines the units of one bundle. Descriptors are buffered first and
// defined on demand, so a unit may extend one that appears later in the zip.
type Definer struct {
	root    string
	host    string
	raw     map[string][]byte
	defined map[string]*Handle
	active  map[string]bool
}

// NewDefiner returns a definer for a bundle extracted to root.
func NewDefiner(root, host string) *Definer {
	return &Definer{
		root:    root,
		host:    host,
		raw:     make(map[string][]byte),
		defined: make(map[string]*Handle),
		active:  make(map[string]bool),
	}
}

// UnitName maps a zip entry to its unit name.
func UnitName(entry string) string {
	return strings.TrimSuffix(entry, UnitExt)
}

// Buffer keeps a descriptor for lazy definition.
func (d *Definer) Buffer(name string, data []byte) {
	d.raw[name] = data
}

// Buffered lists the buffered unit names in order.
func (d *Definer) Buffered() []string {
	names := make([]string, 0, len(d.raw))
	for n := range d.raw {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefineUnit defines name from its descriptor bytes. Parents are defined
// from the buffered descriptors as they are needed.
func (d *Definer) DefineUnit(name string, data []byte) (*Handle, error) {
	if h := d.defined[name]; h != nil {
		return h, nil
	}
	if d.active[name] {
		return nil, &UnitError{Unit: name, Err: ErrCycle}
	}
	d.active[name] = true
	defer delete(d.active, name)

	var desc Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&desc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &UnitError{Unit: name, Err: err}
	}

	h := &Handle{
		Name:     name,
		Abstract: desc.Abstract,
		Params:   make(map[string]string),
		Root:     d.root,
		Host:     d.host,
	}
	if desc.Extends != "" {
		parent, err := d.find(desc.Extends)
		if err != nil {
			return nil, &UnitError{Unit: name, Err: err}
		}
		h.Parent = parent
		h.Kind = parent.Kind
		h.Path = parent.Path
		h.Index = parent.Index
		for k, v := range parent.Params {
			h.Params[k] = v
		}
	}
	if desc.Kind != "" {
		h.Kind = desc.Kind
	}
	if desc.Path != "" {
		h.Path = desc.Path
	}
	if desc.Index != nil {
		h.Index = *desc.Index
	}
	for k, v := range desc.Params {
		h.Params[k] = v
	}

	d.defined[name] = h
	return h, nil
}

func (d *Definer) find(name string) (*Handle, error) {
	if h := d.defined[name]; h != nil {
		return h, nil
	}
	data, ok := d.raw[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParent, name)
	}
	h, err := d.DefineUnit(name, data)
	if err != nil {
		var ue *UnitError
		if errors.As(err, &ue) && errors.Is(ue.Err, ErrCycle) {
			return nil, ue.Err
		}
		return nil, err
	}
	return h, nil
}

// DefineAll defines every buffered unit.
func (d *Definer) DefineAll() ([]*Handle, error) {
	names := d.Buffered()
	handles := make([]*Handle, 0, len(names))
	for _, n := range names {
		h, err := d.DefineUnit(n, d.raw[n])
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
