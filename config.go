package rupy

import (
	"github.com/rupy-dev/rupy/internal/config"
)

// Config is the daemon configuration: request daemon settings plus the
// mirror, cluster and admin sections.
type Config = config.Config

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.New() }

// LoadConfig reads a YAML file over the defaults. An empty path reads
// rupy.yaml from the working directory when it exists.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }
