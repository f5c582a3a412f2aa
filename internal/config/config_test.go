package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
)

func TestNew(t *testing.T) {
	cfg := New()
	if cfg.Port != 8000 || cfg.Threads != 5 || cfg.Timeout != 300 || cfg.Cookie != 4 {
		t.Errorf("New() = %+v", cfg)
	}
	if cfg.Delay != 5000 || cfg.Size != 1024 || cfg.Domain != "host.rupy.se" || cfg.Root != "app" {
		t.Errorf("New() = %+v", cfg)
	}
	if cfg.Cache != 86400 || cfg.Redis.Channel != "rupy" || cfg.Passport != "passport" {
		t.Errorf("New() = %+v", cfg)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
port: 9000
threads: 8
timeout: 0
host: true
nodes: [one, two]
s3:
  bucket: bundles
  path_style: true
redis:
  addr: 127.0.0.1:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9000 || cfg.Threads != 8 || cfg.Timeout != 0 || !cfg.Host {
		t.Errorf("Load() = %+v", cfg)
	}
	if strings.Join(cfg.Nodes, ",") != "one,two" {
		t.Errorf("Nodes = %v", cfg.Nodes)
	}
	if cfg.S3.Bucket != "bundles" || !cfg.S3.PathStyle || !cfg.S3.Enabled() {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.Channel != "rupy" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Cookie != 4 || cfg.Domain != "host.rupy.se" {
		t.Error("defaults lost for keys missing from the file")
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q", cfg.Path())
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil || cfg.Port != 8000 {
		t.Errorf("Load(empty) = %+v, %v", cfg, err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(t.TempDir(), "none.yaml")},
		{"unknown key", writeFile(t, "prot: 80\n")},
		{"bad type", writeFile(t, "port: eighty\n")},
		{"bad yaml", writeFile(t, "port: [\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			var re *rerrors.RupyError
			if !errors.As(err, &re) || re.Code != "R503" {
				t.Errorf("Load() error = %v, want R503", err)
			}
		})
	}
}

func TestLoadWithoutPath(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	cfg, err := Load("")
	if err != nil || cfg.Path() != "" {
		t.Fatalf("Load(\"\") = %v, %v", cfg, err)
	}
	os.WriteFile(FileName, []byte("threads: 3\n"), 0o644)
	cfg, err = Load("")
	if err != nil || cfg.Threads != 3 || cfg.Path() != FileName {
		t.Errorf("Load(\"\") with %s = %+v, %v", FileName, cfg, err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RUPY_PORT":           "8080",
		"RUPY_HOST":           "true",
		"RUPY_ACCEPT_RATE":    "2.5",
		"RUPY_S3_SECRET_KEY":  "shh",
		"RUPY_NODES":          "a, b,,c",
		"RUPY_REDIS_DB":       "2",
		"UNRELATED_RUPY_PORT": "1",
	}
	cfg := New()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Port != 8080 || !cfg.Host || cfg.AcceptRate != 2.5 || cfg.S3.SecretKey != "shh" || cfg.Redis.DB != 2 {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if strings.Join(cfg.Nodes, ",") != "a,b,c" {
		t.Errorf("Nodes = %v", cfg.Nodes)
	}

	err = New().ApplyEnv(func(k string) (string, bool) {
		if k == "RUPY_THREADS" {
			return "many", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "R502") {
		t.Errorf("ApplyEnv(bad) error = %v", err)
	}
}

func TestFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--threads=9", "--redis.addr=r:6379", "--nodes=x,y", "--live"}); err != nil {
		t.Fatal(err)
	}

	cfg := New()
	cfg.Port = 7000 // from a file
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("ApplyFlags() error = %v", err)
	}
	if cfg.Threads != 9 || cfg.Redis.Addr != "r:6379" || !cfg.Live {
		t.Errorf("ApplyFlags() = %+v", cfg)
	}
	if cfg.Port != 7000 {
		t.Errorf("unset flag overrode port: %d", cfg.Port)
	}
	if strings.Join(cfg.Nodes, ",") != "x,y" {
		t.Errorf("Nodes = %v", cfg.Nodes)
	}
}

func TestSet(t *testing.T) {
	cfg := New()
	if err := cfg.Set("s3.region", "eu-north-1"); err != nil || cfg.S3.Region != "eu-north-1" {
		t.Errorf("Set() = %v, region %q", err, cfg.S3.Region)
	}
	if err := cfg.Set("nope", "1"); err == nil {
		t.Error("Set() of an unknown key succeeded")
	}
	if err := cfg.Set("debug", "maybe"); err == nil {
		t.Error("Set() of a bad bool succeeded")
	}
	if len(cfg.Keys()) != len(cfg.variables()) {
		t.Error("Keys() length mismatch")
	}
}

func TestServer(t *testing.T) {
	cfg := New()
	cfg.Timeout = 60
	cfg.Delay = 250
	cfg.Cache = 10
	sc := cfg.Server()
	if sc.Timeout != time.Minute || sc.Delay != 250*time.Millisecond || sc.Cache != 10*time.Second {
		t.Errorf("Server() durations = %v %v %v", sc.Timeout, sc.Delay, sc.Cache)
	}
	if sc.Port != 8000 || sc.Root != "app" || sc.Domain != "host.rupy.se" {
		t.Errorf("Server() = %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no threads", func(c *Config) { c.Threads = 0 }, false},
		{"bad admin", func(c *Config) { c.Admin = "nowhere" }, false},
		{"admin", func(c *Config) { c.Admin = "127.0.0.1:9000" }, true},
		{"negative cache", func(c *Config) { c.Cache = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.modify(cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := New()
	cfg.Redis.Addr = "r:6379"
	cfg.Pass = "secret"
	warnings := strings.Join(cfg.Warnings(), "\n")
	if !strings.Contains(warnings, "s3 mirror") || !strings.Contains(warnings, "127.0.0.1") {
		t.Errorf("Warnings() = %q", warnings)
	}
}
