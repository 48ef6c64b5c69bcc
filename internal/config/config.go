package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INKWELL"
	defaultControlAddress     = "127.0.0.1:7420"
	defaultDatabasePath       = "inkwell-sync.db"
	defaultLogLevel           = "info"
	defaultRemoteTimeoutSecs  = 15
	defaultAutoSync           = true
	defaultSyncIntervalSecs   = 30
	defaultSyncMaxAttempts    = 5
	defaultCacheTTLSecs       = 3600
	defaultCacheMaxEntries    = 512
	defaultDeviceTokenTTLMins = 30
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	ControlAddress  string
	RemoteBaseURL   string
	RemoteTimeout   time.Duration
	DatabasePath    string
	LogLevel        string
	AutoSync        bool
	SyncInterval    time.Duration
	MaxSyncAttempts int
	CacheTTL        time.Duration
	CacheMaxEntries int
	SigningSecret   string
	DeviceID        string
	DeviceTokenTTL  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("control.address", defaultControlAddress)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSecs)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.auto", defaultAutoSync)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSecs)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSecs)
	configViper.SetDefault("cache.max_entries", defaultCacheMaxEntries)
	configViper.SetDefault("auth.token_ttl_minutes", defaultDeviceTokenTTLMins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ControlAddress:  configViper.GetString("control.address"),
		RemoteBaseURL:   configViper.GetString("remote.base_url"),
		RemoteTimeout:   time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AutoSync:        configViper.GetBool("sync.auto"),
		SyncInterval:    time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		MaxSyncAttempts: configViper.GetInt("sync.max_attempts"),
		CacheTTL:        time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		CacheMaxEntries: configViper.GetInt("cache.max_entries"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		DeviceID:        configViper.GetString("auth.device_id"),
		DeviceTokenTTL:  time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("auth.device_id is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.MaxSyncAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	return nil
}
