package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables.
// A mode block in the file replaces the default block for that mode.
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	viper.Reset()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/pii-sentinel/")
	viper.AddConfigPath("$HOME/.pii-sentinel/")

	// Environment variable overrides
	viper.SetEnvPrefix("SENTINEL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// AutomaticEnv only resolves keys viper already knows about
	registerDefaults("", reflect.ValueOf(config).Elem())

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// registerDefaults declares every leaf key of v with viper.SetDefault so that
// SENTINEL_* variables can override it. Maps are skipped: a mode block in the
// file replaces the default block, it is not merged key by key.
func registerDefaults(prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		field := v.Field(i)
		switch field.Kind() {
		case reflect.Struct:
			registerDefaults(key, field)
		case reflect.Map:
		default:
			viper.SetDefault(key, field.Interface())
		}
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	ttl := config.Serialization.CacheTTL
	if ttl.Default <= 0 {
		return fmt.Errorf("invalid serialization.cache_ttl.default: %d (must be positive)", ttl.Default)
	}
	if ttl.OnError < ttl.Default {
		return fmt.Errorf("invalid serialization.cache_ttl.on_error: %d (must be >= default %d)", ttl.OnError, ttl.Default)
	}
	if ttl.MaxTotalSizeMB < 0 || ttl.MaxPerUser < 0 {
		return fmt.Errorf("cache quotas must not be negative")
	}

	if config.Serialization.ProximityThreshold <= 0 {
		return fmt.Errorf("invalid serialization.proximity_threshold: %d", config.Serialization.ProximityThreshold)
	}

	for name, mode := range config.Modes {
		switch mode.ProtectionLevel {
		case ProtectionStrict, ProtectionStandard, ProtectionRelaxed:
		case "":
			mode.ProtectionLevel = ProtectionStandard
			config.Modes[name] = mode
		default:
			return fmt.Errorf("invalid protection level for mode %s: %s (must be strict, standard, or relaxed)", name, mode.ProtectionLevel)
		}
	}

	switch config.Cache.Backend {
	case "memory", "redis", "bolt":
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, or bolt)", config.Cache.Backend)
	}

	if config.Cache.Timeout <= 0 {
		return fmt.Errorf("invalid cache timeout: %s", config.Cache.Timeout)
	}

	if config.Audit.Sink != "log" && config.Audit.Sink != "postgres" && config.Audit.Sink != "sqlite" {
		return fmt.Errorf("invalid audit sink: %s (must be log, postgres or sqlite)", config.Audit.Sink)
	}
	if config.Audit.Sink != "log" && config.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required for the %s sink", config.Audit.Sink)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes. Invalid edits are
// reported to onError and the previous configuration stays in effect.
func Watch(callback func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			onError(fmt.Errorf("failed to unmarshal config %s: %w", e.Name, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			return
		}

		callback(newConfig)
	})
	viper.WatchConfig()
}
