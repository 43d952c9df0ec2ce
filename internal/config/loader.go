package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GEOEPIC_"

// Loader loads Config from layered sources: built-in defaults, an optional
// YAML file, then environment variables, in increasing priority order.
type Loader struct {
	k          *koanf.Koanf
	configPath string
	envPrefix  string
}

// NewLoader creates a Loader for the given YAML config path ("" skips the file layer).
func NewLoader(configPath string) *Loader {
	return &Loader{
		k:          koanf.New("."),
		configPath: configPath,
		envPrefix:  envPrefix,
	}
}

// Load runs the three-tier load and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if l.configPath != "" {
		if err := l.k.Load(file.Provider(l.configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", l.configPath, err)
		}
	}

	if err := l.k.Load(env.Provider(l.envPrefix, ".", envKeyMap(l.envPrefix)), nil); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyMap maps GEOEPIC_ENGINE_MODEL -> engine.model.
func envKeyMap(prefix string) func(string) string {
	return func(s string) string {
		s = s[len(prefix):]
		return toDotted(s)
	}
}

func toDotted(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '_':
			out = append(out, '.')
		default:
			if r >= 'A' && r <= 'Z' {
				r = r - 'A' + 'a'
			}
			out = append(out, r)
		}
	}
	return string(out)
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"engine.output_types":    []string{"ACY", "DGN"},
		"engine.duration":        30,
		"engine.num_of_workers":  4,
		"engine.timeout":         30 * time.Minute,
		"engine.delete_after_use": true,

		"pool.backend": "memory",
		"pool.key":     "geoepic",

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		"metrics.enabled":   false,
		"metrics.port":      9090,
		"metrics.namespace": "geoepic",

		"retry.max_attempts":     5,
		"retry.initial_backoff": 50 * time.Millisecond,
		"retry.max_backoff":     2 * time.Second,

		"database.enabled":       false,
		"database.ssl_mode":      "disable",
		"database.max_open_conns": 10,

		"select": "Range(0,1)",
	}
	return l.k.Load(confmap.Provider(defaults, "."), nil)
}
