package am

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "cradle.db")

	v.SetDefault("device.name", defaultDeviceName())

	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("sync.push_per_minute", 30)

	v.SetDefault("cloud.backend", BackendNone)
	v.SetDefault("cloud.s3.region", "us-east-1")
	v.SetDefault("cloud.s3.prefix", "cradle/")

	v.SetDefault("bridge.debounce_ms", 250)
	v.SetDefault("bridge.poll_seconds", 5)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CRADLE_DATABASE_PATH")

	// Cloud credentials; the standard AWS variables are honored by the SDK itself
	v.BindEnv("cloud.s3.access_key_id", "CRADLE_S3_ACCESS_KEY_ID")
	v.BindEnv("cloud.s3.secret_access_key", "CRADLE_S3_SECRET_ACCESS_KEY")
	v.BindEnv("cloud.postgres.dsn", "CRADLE_POSTGRES_DSN", "DATABASE_URL")
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "cradle"
}

// GetServerPort returns the configured server port, or DefaultServerPort
func GetServerPort() int {
	cfg, err := Load()
	if err != nil {
		return DefaultServerPort
	}
	return cfg.GetServerPort()
}

// GetServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "cradle.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS and WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// SyncInterval returns the periodic sync interval, zero when sync is manual
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// BridgeDebounce returns the change-notification debounce window
func (c *Config) BridgeDebounce() time.Duration {
	return time.Duration(c.Bridge.DebounceMS) * time.Millisecond
}

// BridgePoll returns the change-log poll interval, zero when disabled
func (c *Config) BridgePoll() time.Duration {
	return time.Duration(c.Bridge.PollSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Device: %s, Cloud: %q, Peers: %d}",
		c.Database.Path, c.Device.Name, c.Cloud.Backend, len(c.Sync.Peers))
}
