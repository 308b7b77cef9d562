package am

import (
	"net/url"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/teranos/cradle/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	if c.Device.Profile != "" {
		if _, err := uuid.Parse(c.Device.Profile); err != nil {
			return errors.Newf("device.profile must be a UUID, got %q", c.Device.Profile)
		}
	}

	// Sync interval: 0 = manual only, negative = invalid
	if c.Sync.IntervalSeconds < 0 {
		return errors.Newf("sync.interval_seconds must be >= 0, got %d", c.Sync.IntervalSeconds)
	}
	if c.Sync.PushPerMinute < 0 {
		return errors.Newf("sync.push_per_minute must be >= 0, got %d", c.Sync.PushPerMinute)
	}
	for name, peer := range c.Sync.Peers {
		u, err := url.Parse(peer)
		if err != nil || u.Host == "" {
			return errors.Newf("sync.peers.%s must be an absolute URL, got %q", name, peer)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return errors.Newf("sync.peers.%s has unsupported scheme %q", name, u.Scheme)
		}
	}

	switch c.Cloud.Backend {
	case BackendNone:
	case BackendS3:
		if c.Cloud.S3.Bucket == "" {
			return errors.New("cloud.s3.bucket cannot be empty when cloud.backend = \"s3\"")
		}
	case BackendPostgres:
		if c.Cloud.Postgres.DSN == "" {
			return errors.WithHint(
				errors.New("cloud.postgres.dsn cannot be empty when cloud.backend = \"postgres\""),
				"set CRADLE_POSTGRES_DSN to keep credentials out of config files")
		}
	default:
		return errors.Newf("cloud.backend must be one of \"\", %q, %q, got %q", BackendS3, BackendPostgres, c.Cloud.Backend)
	}

	if c.Bridge.DebounceMS < 0 {
		return errors.Newf("bridge.debounce_ms must be >= 0, got %d", c.Bridge.DebounceMS)
	}
	if c.Bridge.PollSeconds < 0 {
		return errors.Newf("bridge.poll_seconds must be >= 0, got %d", c.Bridge.PollSeconds)
	}

	return nil
}

// UnknownKeys lists keys in the TOML file at path that no Config field
// consumes, typically typos.
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	var keys []string
	for _, key := range md.Undecoded() {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)
	return keys, nil
}
