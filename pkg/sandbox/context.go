package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("sandbox: permission denied")

// DeniedError reports an operation refused by a policy.
type DeniedError struct {
	Context string
	Op      Op
	Target  string
}

// Error returns the error message.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("sandbox: %s denied %s %s", e.Context, e.Op, e.Target)
}

// Unwrap returns ErrDenied for errors.Is.
func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// PanicError is returned by Run when the function panicked.
type PanicError struct {
	Context string
	Value   any
	Stack   []byte
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("sandbox: panic in %s: %v", e.Context, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Context is the capability token handed to service code.
type Context struct {
	name   string
	policy *Policy
	dialer net.Dialer
}

// New creates a context owned by name and bounded by policy.
func New(name string, policy *Policy) *Context {
	return &Context{
		name:   name,
		policy: policy,
		dialer: net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// Name returns the owner of the context.
func (c *Context) Name() string {
	return c.name
}

// Policy returns the policy bounding the context.
func (c *Context) Policy() *Policy {
	return c.policy
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return c.name + "(" + c.policy.Name() + ")"
}

// Check returns a *DeniedError unless the policy grants op on target.
func (c *Context) Check(op Op, target string) error {
	if c == nil || !c.policy.Implies(op, target) {
		name := ""
		if c != nil {
			name = c.name
		}
		return &DeniedError{Context: name, Op: op, Target: target}
	}
	return nil
}

// Require checks a named platform permission.
func (c *Context) Require(name string) error {
	return c.Check(OpPlatform, name)
}

// Run calls fn and converts a panic into a *PanicError.
func (c *Context) Run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Context: c.name, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Dial connects to address after checking resolve and connect permissions.
func (c *Context) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	host, _ := splitHostPort(address)
	if net.ParseIP(host) == nil {
		if err := c.Check(OpResolve, host); err != nil {
			return nil, err
		}
	}
	if err := c.Check(OpConnect, address); err != nil {
		return nil, err
	}
	return c.dialer.DialContext(ctx, network, address)
}

// Listen opens a listener after checking the listen permission. Accepted
// connections from peers the policy does not grant are closed.
func (c *Context) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if err := c.Check(OpListen, address); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &listener{Listener: ln, sb: c}, nil
}

type listener struct {
	net.Listener
	sb *Context
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if err := l.sb.Check(OpAccept, conn.RemoteAddr().String()); err != nil {
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// HTTPClient returns a client whose connections are dialed through c.
func (c *Context) HTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext:         c.Dial,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}

// Open opens name for reading.
func (c *Context) Open(name string) (*os.File, error) {
	if err := c.Check(OpRead, name); err != nil {
		return nil, err
	}
	return os.Open(name)
}

// Stat returns file info for name.
func (c *Context) Stat(name string) (fs.FileInfo, error) {
	if err := c.Check(OpRead, name); err != nil {
		return nil, err
	}
	return os.Stat(name)
}

// ReadFile reads the named file.
func (c *Context) ReadFile(name string) ([]byte, error) {
	if err := c.Check(OpRead, name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

// WriteFile writes data to the named file.
func (c *Context) WriteFile(name string, data []byte, perm fs.FileMode) error {
	if err := c.Check(OpWrite, name); err != nil {
		return err
	}
	return os.WriteFile(name, data, perm)
}

// Create creates or truncates the named file.
func (c *Context) Create(name string) (*os.File, error) {
	if err := c.Check(OpWrite, name); err != nil {
		return nil, err
	}
	return os.Create(name)
}

// MkdirAll creates a directory and its parents.
func (c *Context) MkdirAll(name string, perm fs.FileMode) error {
	if err := c.Check(OpWrite, name); err != nil {
		return err
	}
	return os.MkdirAll(name, perm)
}

// Chtimes changes the access and modification times of the named file.
func (c *Context) Chtimes(name string, atime, mtime time.Time) error {
	if err := c.Check(OpWrite, name); err != nil {
		return err
	}
	return os.Chtimes(name, atime, mtime)
}

// Rename moves oldpath to newpath. Both need write permission.
func (c *Context) Rename(oldpath, newpath string) error {
	if err := c.Check(OpWrite, oldpath); err != nil {
		return err
	}
	if err := c.Check(OpWrite, newpath); err != nil {
		return err
	}
	return os.Rename(oldpath, newpath)
}

// Remove deletes the named file or empty directory.
func (c *Context) Remove(name string) error {
	if err := c.Check(OpDelete, name); err != nil {
		return err
	}
	return os.Remove(name)
}

// RemoveAll deletes the named path and everything below it.
func (c *Context) RemoveAll(name string) error {
	if err := c.Check(OpDelete, name); err != nil {
		return err
	}
	return os.RemoveAll(name)
}
