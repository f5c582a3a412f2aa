package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/cluster"
	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

const (
	// FileName is the configuration file looked up in the working directory.
	FileName = "rupy.yaml"

	// EnvPrefix prefixes the environment variables.
	EnvPrefix = "RUPY_"
)

// Config is the complete daemon configuration.
type Config struct {
	Port       int     `yaml:"port"`
	Address    string  `yaml:"address"`
	Threads    int     `yaml:"threads"`
	Timeout    int     `yaml:"timeout"`
	Cookie     int     `yaml:"cookie"`
	Delay      int     `yaml:"delay"`
	Size       int     `yaml:"size"`
	Host       bool    `yaml:"host"`
	Domain     string  `yaml:"domain"`
	Pass       string  `yaml:"pass"`
	Root       string  `yaml:"root"`
	Panel      bool    `yaml:"panel"`
	Live       bool    `yaml:"live"`
	Cache      int     `yaml:"cache"`
	Verbose    bool    `yaml:"verbose"`
	Debug      bool    `yaml:"debug"`
	Log        bool    `yaml:"log"`
	AcceptRate float64 `yaml:"accept_rate"`

	// Admin is the listen address of the metrics and panel server. Empty
	// disables it.
	Admin string `yaml:"admin"`

	// Node names this daemon in the cluster. Default: the host name.
	Node string `yaml:"node"`

	// Passport is the tenant pass file used in host mode.
	Passport string `yaml:"passport"`

	// Nodes lists the cluster nodes whose packets are trusted. When set,
	// the passport controller is installed.
	Nodes []string `yaml:"nodes"`

	S3    deploy.S3Config     `yaml:"s3"`
	Redis cluster.RedisConfig `yaml:"redis"`

	path string
}

// New returns a Config holding the defaults.
func New() *Config {
	d := server.DefaultConfig()
	return &Config{
		Port:     d.Port,
		Threads:  d.Threads,
		Timeout:  int(d.Timeout / time.Second),
		Cookie:   d.Cookie,
		Delay:    int(d.Delay / time.Millisecond),
		Size:     d.Size,
		Domain:   d.Domain,
		Root:     d.Root,
		Cache:    int(d.Cache / time.Second),
		Passport: deploy.DefaultPassport,
		Redis:    cluster.RedisConfig{Channel: cluster.DefaultChannel},
	}
}

// Load reads path over the defaults. An empty path reads FileName from the
// working directory when it exists.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		if _, err := os.Stat(FileName); err != nil {
			return cfg, nil
		}
		path = FileName
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.New("R503").Wrap(err).
			WithSuggestion("Check the --config path")
	}
	if err := cfg.decode(data); err != nil {
		return nil, rerrors.New("R503").
			WithDetail("Failed to parse " + path + ": " + err.Error()).
			WithSuggestion("Check that the file is valid YAML and uses known keys")
	}
	cfg.path = path
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

type variable struct {
	key   string
	usage string
	ptr   any
}

// variables lists every settable key.
func (c *Config) variables() []variable {
	return []variable{
		{"port", "request port", &c.Port},
		{"address", "listen address, overrides port", &c.Address},
		{"threads", "number of workers", &c.Threads},
		{"timeout", "session timeout in seconds, 0 disables sessions", &c.Timeout},
		{"cookie", "session key length", &c.Cookie},
		{"delay", "stuck worker delay in milliseconds", &c.Delay},
		{"size", "connection buffer size in bytes", &c.Size},
		{"host", "multi-tenant host mode", &c.Host},
		{"domain", "domain bundle in host mode", &c.Domain},
		{"pass", "deploy pass", &c.Pass},
		{"root", "bundle directory", &c.Root},
		{"panel", "serve /panel diagnostics", &c.Panel},
		{"live", "send Cache-Control on static content", &c.Live},
		{"cache", "static content max-age in seconds", &c.Cache},
		{"verbose", "log at info level", &c.Verbose},
		{"debug", "log at debug level", &c.Debug},
		{"log", "write log/access.txt and log/error.txt", &c.Log},
		{"accept_rate", "accepted connections per second, 0 is unlimited", &c.AcceptRate},
		{"admin", "admin listen address for metrics and panel", &c.Admin},
		{"node", "cluster node name", &c.Node},
		{"passport", "tenant pass file", &c.Passport},
		{"nodes", "trusted cluster nodes", &c.Nodes},
		{"s3.bucket", "bundle mirror bucket", &c.S3.Bucket},
		{"s3.prefix", "bundle mirror key prefix", &c.S3.Prefix},
		{"s3.region", "bundle mirror region", &c.S3.Region},
		{"s3.endpoint", "bundle mirror endpoint", &c.S3.Endpoint},
		{"s3.access_key", "bundle mirror access key", &c.S3.AccessKey},
		{"s3.secret_key", "bundle mirror secret key", &c.S3.SecretKey},
		{"s3.path_style", "use path-style bucket addressing", &c.S3.PathStyle},
		{"redis.addr", "cluster redis address", &c.Redis.Addr},
		{"redis.password", "cluster redis password", &c.Redis.Password},
		{"redis.db", "cluster redis database", &c.Redis.DB},
		{"redis.channel", "cluster channel prefix", &c.Redis.Channel},
	}
}

// Keys returns every configuration key, sorted.
func (c *Config) Keys() []string {
	vars := c.variables()
	keys := make([]string, len(vars))
	for i, v := range vars {
		keys[i] = v.key
	}
	sort.Strings(keys)
	return keys
}

// Set parses value into key.
func (c *Config) Set(key, value string) error {
	for _, v := range c.variables() {
		if v.key == key {
			if err := set(v.ptr, value); err != nil {
				return rerrors.New("R502").WithDetail(fmt.Sprintf("%s: %v", key, err))
			}
			return nil
		}
	}
	return rerrors.New("R502").WithDetail("unknown key " + key)
}

func set(ptr any, value string) error {
	switch p := ptr.(type) {
	case *string:
		*p = value
	case *int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		*p = b
	case *float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		*p = f
	case *[]string:
		*p = nil
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*p = append(*p, s)
			}
		}
	default:
		return fmt.Errorf("unsupported type %T", ptr)
	}
	return nil
}

// EnvName returns the environment variable for key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ApplyEnv overrides values from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, v := range c.variables() {
		value, ok := lookup(EnvName(v.key))
		if !ok {
			continue
		}
		if err := set(v.ptr, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(v.key), err))
		}
	}
	if len(errs) > 0 {
		return rerrors.New("R502").WithDetail(errors.Join(errs...).Error())
	}
	return nil
}

// RegisterFlags adds a flag per key to fs, with the defaults as shown values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := New()
	for _, v := range d.variables() {
		switch p := v.ptr.(type) {
		case *string:
			fs.String(v.key, *p, v.usage)
		case *int:
			fs.Int(v.key, *p, v.usage)
		case *bool:
			fs.Bool(v.key, *p, v.usage)
		case *float64:
			fs.Float64(v.key, *p, v.usage)
		case *[]string:
			fs.StringSlice(v.key, *p, v.usage)
		}
	}
}

// ApplyFlags overrides values with the flags set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	for _, v := range c.variables() {
		f := fs.Lookup(v.key)
		if f == nil || !f.Changed {
			continue
		}
		value := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			value = strings.Join(sv.GetSlice(), ",")
		}
		if err := set(v.ptr, value); err != nil {
			return rerrors.New("R502").WithDetail(fmt.Sprintf("--%s: %v", v.key, err))
		}
	}
	return nil
}

// Server converts the config for server.New. Loggers are left unset.
func (c *Config) Server() *server.Config {
	return &server.Config{
		Port:       c.Port,
		Address:    c.Address,
		Threads:    c.Threads,
		Timeout:    time.Duration(c.Timeout) * time.Second,
		Cookie:     c.Cookie,
		Delay:      time.Duration(c.Delay) * time.Millisecond,
		Size:       c.Size,
		Host:       c.Host,
		Domain:     c.Domain,
		Pass:       c.Pass,
		Root:       c.Root,
		Panel:      c.Panel,
		Live:       c.Live,
		Cache:      time.Duration(c.Cache) * time.Second,
		Verbose:    c.Verbose,
		Debug:      c.Debug,
		AcceptRate: c.AcceptRate,
	}
}

// Validate checks the daemon values and the admin address.
func (c *Config) Validate() error {
	if err := c.Server().ValidateConfig(); err != nil {
		return err
	}
	if c.Admin != "" {
		if _, _, err := net.SplitHostPort(c.Admin); err != nil {
			return rerrors.New("R502").WithDetail("admin address: " + err.Error())
		}
	}
	if c.Cache < 0 {
		return rerrors.New("R502").WithDetail(fmt.Sprintf("cache must not be negative, got %d", c.Cache))
	}
	return nil
}

// Warnings returns non-fatal configuration concerns.
func (c *Config) Warnings() []string {
	warnings := c.Server().GetConfigWarnings()
	if c.Redis.Enabled() && !c.S3.Enabled() {
		warnings = append(warnings, "cluster redis is set without an s3 mirror; deploys will not propagate")
	}
	if c.S3.SecretKey != "" && c.path != "" {
		warnings = append(warnings, "s3 secret key is stored in "+c.path+"; prefer "+EnvName("s3.secret_key"))
	}
	return warnings
}
