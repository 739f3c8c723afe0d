package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFullConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
bind_addr = "127.0.0.1:6000"
workers = 4
max_connections = 50
max_upload_size_mb = 100

[storage]
type = "s3"

[storage.s3]
endpoint = "http://localhost:9000"
region = "us-east-1"
bucket = "registry"
access_key = "minio"
secret_key = "minio123"
path_style = true

[auth]
mode = "token"
jwt_secret = "supersecret"
token_expiry_hours = 12

[registry]
max_upload_size_mb = 200
rate_limit_per_hour = 3600
immutable_tags = ["v*", "release-*"]
min_age_days = 7

[garbage_collector]
enabled = true
interval_hours = 6.0
grace_period_hours = 1.5
dry_run = true
max_blobs_per_run = 10
`)

	config, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", config.Server.BindAddr)
	assert.Equal(t, 4, config.Server.Workers)
	assert.Equal(t, 50, config.Server.MaxConnections)

	assert.Equal(t, "s3", config.Storage.Type)
	assert.Equal(t, "registry", config.Storage.S3.Bucket)
	assert.True(t, config.Storage.S3.PathStyle)

	assert.Equal(t, "token", config.Auth.Mode)
	assert.Equal(t, 12*time.Hour, config.Auth.TokenExpiry())

	assert.Equal(t, []string{"v*", "release-*"}, config.Registry.ImmutableTags)
	assert.Equal(t, 7, config.Registry.MinAgeDays)

	assert.True(t, config.GarbageCollector.Enabled)
	assert.Equal(t, 6*time.Hour, config.GarbageCollector.Interval())
	assert.Equal(t, 90*time.Minute, config.GarbageCollector.GracePeriod())
	assert.True(t, config.GarbageCollector.DryRun)
	assert.Equal(t, 10, config.GarbageCollector.MaxBlobsPerRun)
}

func TestParseAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[storage]
type = "filesystem"
path = "/tmp/registry"
`)

	config, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", config.Server.BindAddr)
	assert.Equal(t, 1000, config.Server.MaxConnections)
	assert.Equal(t, 24*time.Hour, config.Auth.TokenExpiry())
	assert.Equal(t, 24*time.Hour, config.GarbageCollector.Interval())
	assert.Equal(t, 48*time.Hour, config.GarbageCollector.GracePeriod())
	assert.Equal(t, 1000, config.GarbageCollector.MaxBlobsPerRun)
	assert.Zero(t, config.MaxUploadBytes())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
bind_adress = "typo:5000"
`)
	_, err := Parse(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized keys")
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Configuration)
		errMsg string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Configuration) {},
		},
		{
			name:   "empty bind addr",
			mutate: func(c *Configuration) { c.Server.BindAddr = "" },
			errMsg: "bind_addr",
		},
		{
			name: "filesystem without path",
			mutate: func(c *Configuration) {
				c.Storage.Type = "filesystem"
				c.Storage.Path = ""
			},
			errMsg: "storage.path",
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Configuration) {
				c.Storage.Type = "s3"
			},
			errMsg: "bucket",
		},
		{
			name:   "inmemory needs nothing",
			mutate: func(c *Configuration) { c.Storage.Type = "inmemory" },
		},
		{
			name:   "unknown storage type",
			mutate: func(c *Configuration) { c.Storage.Type = "tape" },
			errMsg: "storage.type",
		},
		{
			name:   "basic without users",
			mutate: func(c *Configuration) { c.Auth.Mode = "basic" },
			errMsg: "auth.basic.users",
		},
		{
			name: "basic with users",
			mutate: func(c *Configuration) {
				c.Auth.Mode = "basic"
				c.Auth.Basic.Users = []string{"alice:hash"}
			},
		},
		{
			name:   "token without secret",
			mutate: func(c *Configuration) { c.Auth.Mode = "token" },
			errMsg: "jwt_secret",
		},
		{
			name:   "unknown auth mode",
			mutate: func(c *Configuration) { c.Auth.Mode = "ldap" },
			errMsg: "auth.mode",
		},
		{
			name: "gc enabled without interval",
			mutate: func(c *Configuration) {
				c.GarbageCollector.Enabled = true
				c.GarbageCollector.IntervalHours = 0
			},
			errMsg: "interval_hours",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			tc.mutate(config)
			err := config.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
			}
		})
	}
}

func TestUserMap(t *testing.T) {
	b := BasicAuth{Users: []string{"alice:hash1", "bob:hash:with:colons", "broken"}}
	users := b.UserMap()
	assert.Equal(t, map[string]string{
		"alice": "hash1",
		"bob":   "hash:with:colons",
	}, users)
}

func TestMaxUploadBytesPrecedence(t *testing.T) {
	config := Default()
	config.Server.MaxUploadSizeMB = 100
	assert.Equal(t, int64(100<<20), config.MaxUploadBytes())

	config.Registry.MaxUploadSizeMB = 200
	assert.Equal(t, int64(200<<20), config.MaxUploadBytes())
}

func TestStorageParameters(t *testing.T) {
	fs := Storage{Type: "filesystem", Path: "/data"}
	assert.Equal(t, map[string]interface{}{"path": "/data"}, fs.Parameters())

	s3 := Storage{Type: "s3", S3: S3{Bucket: "b", Region: "r", PathStyle: true}}
	params := s3.Parameters()
	assert.Equal(t, "b", params["bucket"])
	assert.Equal(t, "r", params["region"])
	assert.Equal(t, true, params["path_style"])
}

func TestLogLevel(t *testing.T) {
	t.Setenv("LOG", "")
	assert.Equal(t, logrus.InfoLevel, LogLevel())

	t.Setenv("LOG", "DEBUG")
	assert.Equal(t, logrus.DebugLevel, LogLevel())

	t.Setenv("LOG", "nonsense")
	assert.Equal(t, logrus.InfoLevel, LogLevel())
}
