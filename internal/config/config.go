// Package config handles loading, validating, and writing the auditchain
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) and allowed CORS origins
//   - Store backend (sqlite path, or memory)
//   - Audited field patterns and write tuning (retries, lock timeout)
//
// Every key can be overridden from the environment with the AUDITCHAIN_
// prefix, using "__" between nesting levels:
//
//	AUDITCHAIN_SERVER__PORT=9000
//	AUDITCHAIN_AUDIT__LOCK_TIMEOUT_MS=2000
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "AUDITCHAIN_"

// Config is the top-level auditchain configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Audit  AuditConfig  `yaml:"audit"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LiveFeed       bool     `yaml:"live_feed"`
}

// StoreConfig selects the record store. Driver is "sqlite" or "memory".
// A relative Path is resolved against the config directory.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuditConfig controls which fields are audited and how writes behave.
type AuditConfig struct {
	Fields         []string `yaml:"fields"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoffMs int      `yaml:"retry_backoff_ms"`
	LockTimeoutMs  int      `yaml:"lock_timeout_ms"`
}

// RetryBackoff returns the initial conflict retry delay.
func (a AuditConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// LockTimeout returns the per-entity lock wait limit.
func (a AuditConfig) LockTimeout() time.Duration {
	return time.Duration(a.LockTimeoutMs) * time.Millisecond
}

// Load reads config.yaml from the given path, then overlays AUDITCHAIN_*
// environment variables. A missing file yields defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := applyDefaults()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	// ZeroFields makes a list in the file replace the default list rather
	// than overwrite it index by index.
	dc := &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ZeroFields:       true,
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml", DecoderConfig: dc}); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envKey maps AUDITCHAIN_AUDIT__LOCK_TIMEOUT_MS to audit.lock_timeout_ms.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditchain config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditchain configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#   allowed_origins: CORS origins allowed to call the API
#   live_feed: Serve the websocket feed at /api/ws
#
# store:
#   driver: sqlite or memory
#   path: SQLite file, relative to the config directory
#
# audit:
#   fields: Glob patterns of audited field names ("." separates nested fields)
#   max_attempts: Attempts per change when concurrent writers conflict
#   retry_backoff_ms: First retry delay, doubled per attempt
#   lock_timeout_ms: Max wait for an entity's write lock
#
# Environment overrides: AUDITCHAIN_<SECTION>__<KEY>, e.g. AUDITCHAIN_SERVER__PORT=9000

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           3200,
			AllowedOrigins: []string{"http://localhost:3000"},
			LiveFeed:       true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "audit.db",
		},
		Audit: AuditConfig{
			Fields:         []string{"assignedTo"},
			MaxAttempts:    3,
			RetryBackoffMs: 50,
			LockTimeoutMs:  5000,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q: must be sqlite or memory", cfg.Store.Driver)
	}

	if cfg.Audit.MaxAttempts < 1 {
		return fmt.Errorf("audit.max_attempts must be at least 1")
	}
	if cfg.Audit.RetryBackoffMs < 0 {
		return fmt.Errorf("audit.retry_backoff_ms must be non-negative")
	}
	if cfg.Audit.LockTimeoutMs < 0 {
		return fmt.Errorf("audit.lock_timeout_ms must be non-negative")
	}
	for _, f := range cfg.Audit.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("audit.fields must not contain empty patterns")
		}
	}

	return nil
}
