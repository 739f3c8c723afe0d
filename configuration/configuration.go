// Package configuration defines the registry configuration file format and
// its validation. Configuration is TOML; the only environment variable
// consulted is LOG, which sets the logging level.
package configuration

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Configuration is the root of the registry config file.
type Configuration struct {
	Server           Server           `toml:"server"`
	Storage          Storage          `toml:"storage"`
	Auth             Auth             `toml:"auth"`
	Registry         Registry         `toml:"registry"`
	GarbageCollector GarbageCollector `toml:"garbage_collector"`
}

// Server holds the HTTP listener settings.
type Server struct {
	// BindAddr is the address the registry API listens on.
	BindAddr string `toml:"bind_addr"`

	// Workers sizes the listener's accept loop parallelism hint. Zero
	// means one per CPU.
	Workers int `toml:"workers"`

	// MaxConnections bounds concurrently served requests; excess requests
	// are shed with 503.
	MaxConnections int `toml:"max_connections"`

	// MaxUploadSizeMB bounds a single blob upload. Zero means unlimited.
	// Registry.MaxUploadSizeMB takes precedence when set.
	MaxUploadSizeMB int64 `toml:"max_upload_size_mb"`
}

// Storage selects and configures the storage backend.
type Storage struct {
	// Type names a registered backend, "filesystem" or "s3".
	Type string `toml:"type"`

	// Path is the root directory for the filesystem backend.
	Path string `toml:"path"`

	S3 S3 `toml:"s3"`
}

// S3 holds object-store connection settings.
type S3 struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
}

// Parameters renders the storage section as the options map the backend
// factory consumes.
func (s Storage) Parameters() map[string]interface{} {
	switch s.Type {
	case "s3":
		return map[string]interface{}{
			"endpoint":   s.S3.Endpoint,
			"region":     s.S3.Region,
			"bucket":     s.S3.Bucket,
			"access_key": s.S3.AccessKey,
			"secret_key": s.S3.SecretKey,
			"path_style": s.S3.PathStyle,
		}
	default:
		return map[string]interface{}{
			"path": s.Path,
		}
	}
}

// Auth configures the access controller.
type Auth struct {
	// Mode selects the access controller: "basic" or "token". Empty
	// disables authentication.
	Mode string `toml:"mode"`

	// JWTSecret signs and verifies bearer tokens in token mode.
	JWTSecret string `toml:"jwt_secret"`

	// TokenExpiryHours is the validity period of issued tokens.
	TokenExpiryHours int `toml:"token_expiry_hours"`

	Basic BasicAuth `toml:"basic"`
}

// BasicAuth lists credentials as "username:bcrypt-hash" entries.
type BasicAuth struct {
	Users []string `toml:"users"`
}

// UserMap parses the configured entries into a username to hash map. Entries
// without a colon are skipped.
func (b BasicAuth) UserMap() map[string]string {
	users := make(map[string]string, len(b.Users))
	for _, entry := range b.Users {
		if username, hash, ok := strings.Cut(entry, ":"); ok {
			users[username] = hash
		}
	}
	return users
}

// TokenExpiry returns the token lifetime.
func (a Auth) TokenExpiry() time.Duration {
	hours := a.TokenExpiryHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Registry holds distribution policy settings.
type Registry struct {
	// MaxUploadSizeMB bounds a single blob upload and takes precedence
	// over the server section.
	MaxUploadSizeMB int64 `toml:"max_upload_size_mb"`

	// RateLimitPerHour bounds requests per client per hour. Zero disables
	// rate limiting.
	RateLimitPerHour int `toml:"rate_limit_per_hour"`

	// ImmutableTags lists tag glob patterns that may not be overwritten
	// once pushed.
	ImmutableTags []string `toml:"immutable_tags"`

	// MinAgeDays prevents deletion of manifests younger than this many
	// days. Zero disables the check.
	MinAgeDays int `toml:"min_age_days"`
}

// GarbageCollector holds mark-and-sweep settings.
type GarbageCollector struct {
	Enabled          bool    `toml:"enabled"`
	IntervalHours    float64 `toml:"interval_hours"`
	GracePeriodHours float64 `toml:"grace_period_hours"`
	DryRun           bool    `toml:"dry_run"`
	MaxBlobsPerRun   int     `toml:"max_blobs_per_run"`
}

// Interval returns the scheduler period.
func (g GarbageCollector) Interval() time.Duration {
	return time.Duration(g.IntervalHours * float64(time.Hour))
}

// GracePeriod returns the sweep protection window.
func (g GarbageCollector) GracePeriod() time.Duration {
	return time.Duration(g.GracePeriodHours * float64(time.Hour))
}

// MaxUploadBytes returns the effective upload size limit in bytes, zero for
// unlimited. The registry section wins over the server section.
func (c *Configuration) MaxUploadBytes() int64 {
	mb := c.Registry.MaxUploadSizeMB
	if mb == 0 {
		mb = c.Server.MaxUploadSizeMB
	}
	return mb << 20
}

// Default returns a configuration with the documented defaults applied.
func Default() *Configuration {
	return &Configuration{
		Server: Server{
			BindAddr:       "0.0.0.0:5000",
			MaxConnections: 1000,
		},
		Storage: Storage{
			Type: "filesystem",
			Path: "/var/lib/drift",
		},
		Auth: Auth{
			TokenExpiryHours: 24,
		},
		GarbageCollector: GarbageCollector{
			IntervalHours:    24,
			GracePeriodHours: 48,
			MaxBlobsPerRun:   1000,
		},
	}
}

// Parse reads and validates the TOML configuration at path, applying
// defaults for omitted keys.
func Parse(path string) (*Configuration, error) {
	config := Default()
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("parsing %s: unrecognized keys: %s", path, strings.Join(keys, ", "))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints.
func (c *Configuration) Validate() error {
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr must not be empty")
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the filesystem backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	case "inmemory":
		// Development only.
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}

	switch c.Auth.Mode {
	case "", "basic":
		if c.Auth.Mode == "basic" && len(c.Auth.Basic.Users) == 0 {
			return fmt.Errorf("auth.basic.users must not be empty in basic mode")
		}
	case "token":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required in token mode")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}

	if c.GarbageCollector.Enabled && c.GarbageCollector.IntervalHours <= 0 {
		return fmt.Errorf("garbage_collector.interval_hours must be positive when enabled")
	}
	return nil
}

// LogLevel resolves the logging level from the LOG environment variable,
// defaulting to info.
func LogLevel() logrus.Level {
	raw := os.Getenv("LOG")
	if raw == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
