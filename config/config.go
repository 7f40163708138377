// Package config loads the relay's typed configuration from environment
// variables, with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the relay's full operational configuration.
type Config struct {
	ListenAddr       string        `env:"MOQRELAY_LISTEN_ADDR" yaml:"listen_addr" envDefault:":4433"`
	CertPath         string        `env:"MOQRELAY_CERT_PATH" yaml:"cert_path"`
	KeyPath          string        `env:"MOQRELAY_KEY_PATH" yaml:"key_path"`
	MaxSessions      int           `env:"MOQRELAY_MAX_SESSIONS" yaml:"max_sessions" envDefault:"1000"`
	DefaultCacheTTL  time.Duration `env:"MOQRELAY_DEFAULT_CACHE_TTL" yaml:"default_cache_ttl" envDefault:"30s"`
	CacheCapacity    int           `env:"MOQRELAY_CACHE_CAPACITY" yaml:"cache_capacity" envDefault:"100000"`
	MetricsAddr      string        `env:"MOQRELAY_METRICS_ADDR" yaml:"metrics_addr" envDefault:":9090"`
	JWTPublicKeyPath string        `env:"MOQRELAY_JWT_PUBLIC_KEY_PATH" yaml:"jwt_public_key_path"`
	Debug            bool          `env:"DEBUG" yaml:"debug"`
}

// Load reads environment variables into a Config, optionally overlaying a
// YAML file named by path first (env always wins on conflict).
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{UseFieldNameByDefault: false}); err != nil {
		return cfg, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
