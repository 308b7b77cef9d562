package am

// Config represents the cradle configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Device   DeviceConfig   `mapstructure:"device" toml:"device" json:"device" yaml:"device"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync" json:"sync" yaml:"sync"`
	Cloud    CloudConfig    `mapstructure:"cloud" toml:"cloud" json:"cloud" yaml:"cloud"`
	Bridge   BridgeConfig   `mapstructure:"bridge" toml:"bridge" json:"bridge" yaml:"bridge"`
	Server   ServerConfig   `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// DeviceConfig identifies this device to peers and in the change log
type DeviceConfig struct {
	Name string `mapstructure:"name" toml:"name" json:"name" yaml:"name"` // advertised to peers in hello (e.g., "kitchen-ipad")
	// Profile is the profile id CLI commands act on when --profile is not given
	Profile string `mapstructure:"profile" toml:"profile,omitempty" json:"profile,omitempty" yaml:"profile,omitempty"`
}

// SyncConfig configures periodic cloud and peer sync
type SyncConfig struct {
	IntervalSeconds int               `mapstructure:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"` // 0 = manual only
	Peers           map[string]string `mapstructure:"peers" toml:"peers" json:"peers" yaml:"peers"`                                         // name = "url" (e.g., phone = "http://phone.local:8877")
	PushPerMinute   int               `mapstructure:"push_per_minute" toml:"push_per_minute" json:"push_per_minute" yaml:"push_per_minute"` // 0 = unlimited
}

// Cloud backends
const (
	BackendNone     = ""
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// CloudConfig selects and configures the cloud copy
type CloudConfig struct {
	Backend  string         `mapstructure:"backend" toml:"backend" json:"backend" yaml:"backend"`
	S3       S3Config       `mapstructure:"s3" toml:"s3" json:"s3" yaml:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres" toml:"postgres" json:"postgres" yaml:"postgres"`
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket          string `mapstructure:"bucket" toml:"bucket" json:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" toml:"region" json:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" toml:"endpoint" json:"endpoint" yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	Prefix          string `mapstructure:"prefix" toml:"prefix" json:"prefix" yaml:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style" toml:"use_path_style" json:"use_path_style" yaml:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" toml:"access_key_id" json:"-" yaml:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key" json:"-" yaml:"-"`
}

// PostgresConfig configures the Postgres backend
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" toml:"dsn" json:"-" yaml:"-"`
}

// BridgeConfig configures change-notification handling
type BridgeConfig struct {
	DebounceMS  int `mapstructure:"debounce_ms" toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	PollSeconds int `mapstructure:"poll_seconds" toml:"poll_seconds" json:"poll_seconds" yaml:"poll_seconds"` // 0 = filesystem events only
}

// ServerConfig configures the cradle HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port" json:"port" yaml:"port"` // nil = default 8877, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// LogConfig configures logging
type LogConfig struct {
	JSON bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	File string `mapstructure:"file" toml:"file" json:"file" yaml:"file"` // rotated via lumberjack when set
}

// DefaultServerPort is used when server.port is not configured
const DefaultServerPort = 8877

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
