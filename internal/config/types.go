package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Enabled       bool                  `yaml:"enabled" mapstructure:"enabled"`
	Serialization SerializationConfig   `yaml:"serialization" mapstructure:"serialization"`
	Modes         map[string]ModeConfig `yaml:"modes" mapstructure:"modes"`
	Audit         AuditConfig           `yaml:"audit" mapstructure:"audit"`
	Cache         CacheConfig           `yaml:"cache" mapstructure:"cache"`
	Server        ServerConfig          `yaml:"server" mapstructure:"server"`
	Logging       LoggingConfig         `yaml:"logging" mapstructure:"logging"`
}

// SerializationConfig controls tokenization and the lifetime of token maps
type SerializationConfig struct {
	Enabled            bool           `yaml:"enabled" mapstructure:"enabled"`
	ProximityThreshold int            `yaml:"proximity_threshold" mapstructure:"proximity_threshold"`
	CacheTTL           CacheTTLConfig `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// CacheTTLConfig holds TTLs (seconds) and sweep quotas for cached token maps
type CacheTTLConfig struct {
	Default        int `yaml:"default" mapstructure:"default"`
	OnError        int `yaml:"on_error" mapstructure:"on_error"`
	MaxTotalSizeMB int `yaml:"max_total_size_mb" mapstructure:"max_total_size_mb"`
	MaxPerUser     int `yaml:"max_per_user" mapstructure:"max_per_user"`
}

// Protection levels accepted by ModeConfig.ProtectionLevel
const (
	ProtectionStrict   = "strict"
	ProtectionStandard = "standard"
	ProtectionRelaxed  = "relaxed"
)

// ModeConfig configures detection for one deployment mode (local, external, ...)
type ModeConfig struct {
	Enabled         bool     `yaml:"enabled" mapstructure:"enabled"`
	PIITypes        []string `yaml:"pii_types" mapstructure:"pii_types"`
	ProtectionLevel string   `yaml:"protection_level" mapstructure:"protection_level"`
}

// MinConfidence returns the lowest finding confidence kept for this mode
func (m ModeConfig) MinConfidence() float64 {
	switch m.ProtectionLevel {
	case ProtectionRelaxed:
		return 0.8
	case ProtectionStandard:
		return 0.6
	default:
		return 0
	}
}

// AuditConfig selects which audit events are recorded and where they go
type AuditConfig struct {
	LogSerializationEvents   bool   `yaml:"log_serialization_events" mapstructure:"log_serialization_events"`
	LogDeserializationEvents bool   `yaml:"log_deserialization_events" mapstructure:"log_deserialization_events"`
	LogCacheOperations       bool   `yaml:"log_cache_operations" mapstructure:"log_cache_operations"`
	Sink                     string `yaml:"sink" mapstructure:"sink"` // log, postgres or sqlite
	// DatabaseURL is the Postgres DSN, or the database file path for sqlite
	DatabaseURL              string `yaml:"database_url" mapstructure:"database_url"`
	WebSocket                struct {
		Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
		Username string `yaml:"username" mapstructure:"username"`
		Password string `yaml:"password" mapstructure:"password"`
	} `yaml:"websocket" mapstructure:"websocket"`
}

// CacheConfig contains token map store configuration
type CacheConfig struct {
	Backend        string        `yaml:"backend" mapstructure:"backend"` // memory, redis or bolt
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	BoltPath       string        `yaml:"bolt_path" mapstructure:"bolt_path"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	RateLimit    struct {
		Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
		Burst          int  `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// DefaultTTL returns the TTL applied on a normal serialize
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.Serialization.CacheTTL.Default) * time.Second
}

// ErrorTTL returns the longer TTL kept for inspection after a downstream error
func (c *Config) ErrorTTL() time.Duration {
	return time.Duration(c.Serialization.CacheTTL.OnError) * time.Second
}

// TTLFor selects the cache TTL from the caller's error flag
func (c *Config) TTLFor(errorContext bool) time.Duration {
	if errorContext {
		return c.ErrorTTL()
	}
	return c.DefaultTTL()
}

// Mode returns the configuration for the named mode
func (c *Config) Mode(name string) (ModeConfig, bool) {
	m, ok := c.Modes[name]
	return m, ok
}

// ProtectionEnabled reports whether detection runs for mode: the global switch,
// the serialization switch and the mode switch must all be on
func (c *Config) ProtectionEnabled(mode string) bool {
	if !c.Enabled || !c.Serialization.Enabled {
		return false
	}
	m, ok := c.Modes[mode]
	return ok && m.Enabled
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Enabled: true,
		Serialization: SerializationConfig{
			Enabled:            true,
			ProximityThreshold: 50,
			CacheTTL: CacheTTLConfig{
				Default:        300,
				OnError:        3600,
				MaxTotalSizeMB: 100,
				MaxPerUser:     50,
			},
		},
		Modes: map[string]ModeConfig{
			"local": {
				Enabled:         true,
				PIITypes:        []string{"ssn", "credit_card", "bank_account", "medical_record"},
				ProtectionLevel: ProtectionStandard,
			},
			"external": {
				Enabled:         true,
				PIITypes:        []string{"all"},
				ProtectionLevel: ProtectionStrict,
			},
		},
		Audit: AuditConfig{
			LogSerializationEvents:   true,
			LogDeserializationEvents: true,
			LogCacheOperations:       true,
			Sink:                     "log",
		},
		Cache: CacheConfig{
			Backend:        "memory",
			RedisURL:       "redis://localhost:6379/0",
			KeyPrefix:      "pii",
			MaxConnections: 10,
			MinIdleConns:   2,
			BoltPath:       "data/tokens.db",
			Timeout:        250 * time.Millisecond,
			SweepInterval:  time.Minute,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerMin = 600
	cfg.Server.RateLimit.Burst = 50
	cfg.Logging.File.Path = "logs/sentinel.log"

	return cfg
}
