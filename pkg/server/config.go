package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
)

// MinCookie is the shortest session key the daemon will issue.
const MinCookie = 4

// Config configures the daemon.
type Config struct {
	// Port is the request port. Ignored when Address is set.
	// Default: 8000.
	Port int

	// Address overrides Port with a full listen address (e.g. "127.0.0.1:0").
	Address string

	// Threads is the number of workers.
	// Default: 5.
	Threads int

	// Timeout is the session inactivity timeout. Zero disables sessions.
	// Default: 5 minutes.
	Timeout time.Duration

	// Cookie is the length of generated session keys.
	// Default: 4.
	Cookie int

	// Delay is how long a busy worker may go without reading or writing on
	// its event before the heartbeat considers it stuck.
	// Default: 5 seconds.
	Delay time.Duration

	// Size is the connection buffer size in bytes.
	// Default: 1024.
	Size int

	// Host enables multi-tenant mode: bundles are selected by the Host header.
	Host bool

	// Domain is the bundle that serves hosts approved by the controller.
	// Default: "host.rupy.se".
	Domain string

	// Pass is the deploy password. Empty means hosted deploys only.
	Pass string

	// Root is the directory holding bundles and extracted resources.
	// Default: "app".
	Root string

	// Panel enables the /panel diagnostics service.
	Panel bool

	// Live enables Cache-Control headers on static content.
	Live bool

	// Cache is the max-age sent for static content when Live is set.
	// Default: 24 hours.
	Cache time.Duration

	// Verbose and Debug raise the log level of the default logger.
	Verbose bool
	Debug   bool

	// AcceptRate limits accepted connections per second. Zero is unlimited.
	AcceptRate float64

	// AcceptBurst is the burst allowed by AcceptRate.
	// Default: Threads * 8.
	AcceptBurst int

	// Heartbeat is the sweep interval.
	// Default: 1 second.
	Heartbeat time.Duration

	// ShutdownTimeout bounds how long Stop waits for busy workers.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is the daemon logger.
	// Default: slog.Default().
	Logger *slog.Logger

	// AccessLog receives one record per served request. Nil disables it.
	AccessLog *slog.Logger

	// ErrorLog receives one record per failed request. Nil logs to Logger.
	ErrorLog *slog.Logger

	// Registry is the Prometheus registry for daemon metrics.
	// Default: a private registry.
	Registry *prometheus.Registry
}

// DefaultConfig returns a Config with the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8000,
		Threads:         5,
		Timeout:         300 * time.Second,
		Cookie:          MinCookie,
		Delay:           5 * time.Second,
		Size:            1024,
		Domain:          "host.rupy.se",
		Root:            "app",
		Cache:           86400 * time.Second,
		Heartbeat:       time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Clone returns a shallow copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ListenAddress returns the address the daemon binds.
func (c *Config) ListenAddress() string {
	if c.Address != "" {
		return c.Address
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// SocketTimeout is the idle time after which the heartbeat closes a connection.
func (c *Config) SocketTimeout() time.Duration {
	socket := c.Timeout
	if socket <= 0 {
		socket = 5 * time.Minute
	}
	if c.Delay > socket {
		socket = c.Delay
	}
	return socket
}

// SessionsEnabled reports whether requests bind sessions.
func (c *Config) SessionsEnabled() bool {
	return c.Timeout > 0
}

// fill sets zero fields from DefaultConfig.
func (c *Config) fill() {
	defaults := DefaultConfig()
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Threads == 0 {
		c.Threads = defaults.Threads
	}
	if c.Cookie < MinCookie {
		c.Cookie = MinCookie
	}
	if c.Delay == 0 {
		c.Delay = defaults.Delay
	}
	if c.Size == 0 {
		c.Size = defaults.Size
	}
	if c.Domain == "" {
		c.Domain = defaults.Domain
	}
	if c.Root == "" {
		c.Root = defaults.Root
	}
	if c.Cache == 0 {
		c.Cache = defaults.Cache
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaults.Heartbeat
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.AcceptBurst == 0 {
		c.AcceptBurst = c.Threads * 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
}

// ValidateConfig checks the config for values the daemon cannot run with.
func (c *Config) ValidateConfig() error {
	var problem string
	switch {
	case c.Address == "" && (c.Port < 0 || c.Port > 65535):
		problem = fmt.Sprintf("port %d is out of range", c.Port)
	case c.Threads < 1:
		problem = fmt.Sprintf("threads must be at least 1, got %d", c.Threads)
	case c.Timeout < 0:
		problem = fmt.Sprintf("timeout must not be negative, got %s", c.Timeout)
	case c.Size < 128:
		problem = fmt.Sprintf("size must be at least 128 bytes, got %d", c.Size)
	case c.Delay < 0:
		problem = fmt.Sprintf("delay must not be negative, got %s", c.Delay)
	case c.AcceptRate < 0:
		problem = fmt.Sprintf("accept rate must not be negative, got %v", c.AcceptRate)
	}
	if problem != "" {
		return rerrors.New("R502").WithDetail(problem)
	}
	return nil
}

// GetConfigWarnings returns non-fatal configuration concerns.
func (c *Config) GetConfigWarnings() []string {
	var warnings []string
	if c.Pass == "secret" {
		warnings = append(warnings, "deploy pass is the default 'secret'; deploys are only accepted from 127.0.0.1")
	}
	if c.Host && c.Pass != "" {
		warnings = append(warnings, "host mode with a deploy pass accepts 100MB bundles from any tenant holding the pass")
	}
	if c.Panel {
		warnings = append(warnings, "the /panel diagnostics service is public on the request port")
	}
	if c.Timeout > 0 && c.Timeout < c.Heartbeat {
		warnings = append(warnings, "session timeout is shorter than the heartbeat; sessions expire late")
	}
	return warnings
}
