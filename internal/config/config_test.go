package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:7041",
		HTTPAddr:             "127.0.0.1:7042",
		BatchSize:            10,
		MaxLinesPerBlob:      800,
		MaxConcurrentUploads: 3,
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
		RetryBackoff:         BackoffExponential,
		BaseURL:              "https://api.example.com",
		TextExtensions:       []string{".go", ".md"},
		ExcludePatterns:      []string{".git", "node_modules"},
	}
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch size low", func(c *Config) { c.BatchSize = 0 }},
		{"batch size high", func(c *Config) { c.BatchSize = 101 }},
		{"lines per blob low", func(c *Config) { c.MaxLinesPerBlob = 99 }},
		{"lines per blob high", func(c *Config) { c.MaxLinesPerBlob = 10001 }},
		{"concurrency low", func(c *Config) { c.MaxConcurrentUploads = 0 }},
		{"concurrency high", func(c *Config) { c.MaxConcurrentUploads = 17 }},
		{"retries low", func(c *Config) { c.MaxRetries = 0 }},
		{"retries high", func(c *Config) { c.MaxRetries = 11 }},
		{"zero base delay", func(c *Config) { c.RetryBaseDelay = 0 }},
		{"max delay below base", func(c *Config) { c.RetryMaxDelay = time.Millisecond }},
		{"max delay above bound", func(c *Config) { c.RetryMaxDelay = time.Minute }},
		{"unknown backoff", func(c *Config) { c.RetryBackoff = "fibonacci" }},
		{"bad url scheme", func(c *Config) { c.BaseURL = "ftp://example.com" }},
		{"empty url host", func(c *Config) { c.BaseURL = "https://" }},
		{"bad extension", func(c *Config) { c.TextExtensions = []string{"go"} }},
		{"extension with slash", func(c *Config) { c.TextExtensions = []string{".g/o"} }},
		{"empty exclude", func(c *Config) { c.ExcludePatterns = []string{""} }},
		{"exclude escapes tree", func(c *Config) { c.ExcludePatterns = []string{"../secrets"} }},
		{"exclude system dir", func(c *Config) { c.ExcludePatterns = []string{"/etc/passwd"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestReloadReturnsFreshSnapshot(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.toml")
	require.NoError(t, os.WriteFile(settings, []byte(`
BASE_URL = "https://remote.example.com"
TOKEN = "tok-abcdef"
BATCH_SIZE = 25
RETRY_BACKOFF = "linear"
`), 0o644))

	base := validConfig()
	base.SettingsPath = settings
	base.DataDir = filepath.Join(dir, "data")
	base.Listen = "127.0.0.1:9001"
	base.LogLevel = "debug"

	next, err := base.Reload()
	require.NoError(t, err)
	require.NotSame(t, base, next)

	// File values land in the new snapshot.
	assert.Equal(t, "https://remote.example.com", next.BaseURL)
	assert.Equal(t, 25, next.BatchSize)
	assert.Equal(t, BackoffLinear, next.RetryBackoff)

	// CLI-scoped settings carry over; the receiver is untouched.
	assert.Equal(t, "127.0.0.1:9001", next.Listen)
	assert.Equal(t, "debug", next.LogLevel)
	assert.Equal(t, 10, base.BatchSize)
}

func TestReloadRejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.toml")
	require.NoError(t, os.WriteFile(settings, []byte("BATCH_SIZE = 9999\n"), 0o644))

	base := validConfig()
	base.SettingsPath = settings
	base.DataDir = dir

	_, err := base.Reload()
	assert.Error(t, err)
}

func TestReloadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	base := validConfig()
	base.SettingsPath = filepath.Join(dir, "settings.toml")
	base.DataDir = dir

	next, err := base.Reload()
	require.NoError(t, err)
	assert.Equal(t, 10, next.BatchSize)
	assert.Equal(t, 800, next.MaxLinesPerBlob)
	assert.Equal(t, BackoffExponential, next.RetryBackoff)
}
