package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validation bounds. Out-of-range values are a fatal configuration error at
// load time, never a runtime one.
const (
	MinBatchSize       = 1
	MaxBatchSize       = 100
	MinLinesPerBlob    = 100
	MaxLinesPerBlob    = 10000
	MinConcurrent      = 1
	MaxConcurrent      = 16
	MinRetries         = 1
	MaxRetries         = 10
	MaxRetryDelayBound = 30 * time.Second
)

// Backoff policy names accepted by RETRY_BACKOFF.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

var extensionPattern = regexp.MustCompile(`^\.[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// Config is an immutable snapshot of daemon settings. A reload produces a new
// snapshot; an in-flight indexing pass keeps the one it started with.
type Config struct {
	Listen       string // JSON-RPC listener
	HTTPAddr     string // HTTP management / health
	HTTPToken    string // optional token for HTTP management endpoints
	DataDir      string // state directory (~/.codectx/data)
	SettingsPath string // settings file (~/.codectx/settings.toml)
	LogLevel     string // debug|info|warn|error

	BatchSize            int
	MaxLinesPerBlob      int
	MaxConcurrentUploads int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryBackoff         string // exponential|linear

	BaseURL string
	Token   string

	TextExtensions  []string
	ExcludePatterns []string
}

func newViper(settingsPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(settingsPath)
	v.SetConfigType("toml")

	v.SetDefault("LISTEN", "127.0.0.1:7041")
	v.SetDefault("HTTP_ADDR", "127.0.0.1:7042")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BATCH_SIZE", 10)
	v.SetDefault("MAX_LINES_PER_BLOB", 800)
	v.SetDefault("MAX_CONCURRENT_UPLOADS", 3)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	v.SetDefault("RETRY_MAX_DELAY_MS", 30000)
	v.SetDefault("RETRY_BACKOFF", BackoffExponential)
	v.SetDefault("BASE_URL", "https://api.example.com")
	v.SetDefault("TOKEN", "")
	v.SetDefault("HTTP_TOKEN", "")
	v.SetDefault("TEXT_EXTENSIONS", []string{".py", ".js", ".ts", ".go", ".rs", ".java", ".md", ".txt"})
	v.SetDefault("EXCLUDE_PATTERNS", []string{".git", "node_modules", "vendor", ".venv", "venv", "__pycache__"})
	return v
}

func fromViper(v *viper.Viper, settingsPath, dataDir string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
		// missing file: continue with defaults
	}

	cfg := &Config{
		Listen:               v.GetString("LISTEN"),
		HTTPAddr:             v.GetString("HTTP_ADDR"),
		HTTPToken:            v.GetString("HTTP_TOKEN"),
		DataDir:              dataDir,
		SettingsPath:         settingsPath,
		LogLevel:             v.GetString("LOG_LEVEL"),
		BatchSize:            v.GetInt("BATCH_SIZE"),
		MaxLinesPerBlob:      v.GetInt("MAX_LINES_PER_BLOB"),
		MaxConcurrentUploads: v.GetInt("MAX_CONCURRENT_UPLOADS"),
		MaxRetries:           v.GetInt("MAX_RETRIES"),
		RetryBaseDelay:       time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
		RetryMaxDelay:        time.Duration(v.GetInt("RETRY_MAX_DELAY_MS")) * time.Millisecond,
		RetryBackoff:         v.GetString("RETRY_BACKOFF"),
		BaseURL:              v.GetString("BASE_URL"),
		Token:                v.GetString("TOKEN"),
		TextExtensions:       v.GetStringSlice("TEXT_EXTENSIONS"),
		ExcludePatterns:      v.GetStringSlice("EXCLUDE_PATTERNS"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads settings from ~/.codectx/settings.toml and applies defaults.
func Load(dataDirOverride string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("user home: %w", err)
	}

	settingsPath := filepath.Join(home, ".codectx", "settings.toml")
	dataDir := filepath.Join(home, ".codectx", "data")
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	return fromViper(newViper(settingsPath), settingsPath, dataDir)
}

// Reload re-reads the settings file and returns a fresh snapshot. The
// receiver is left untouched so runs holding it are unaffected. CLI
// overrides (DataDir, addresses) carry over from the receiver.
func (c *Config) Reload() (*Config, error) {
	next, err := fromViper(newViper(c.SettingsPath), c.SettingsPath, c.DataDir)
	if err != nil {
		return nil, err
	}
	next.Listen = c.Listen
	next.HTTPAddr = c.HTTPAddr
	next.LogLevel = c.LogLevel
	return next, nil
}

// Validate checks every tunable against its documented bounds.
func (c *Config) Validate() error {
	if c.BatchSize < MinBatchSize || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("config: BATCH_SIZE %d out of range [%d, %d]", c.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if c.MaxLinesPerBlob < MinLinesPerBlob || c.MaxLinesPerBlob > MaxLinesPerBlob {
		return fmt.Errorf("config: MAX_LINES_PER_BLOB %d out of range [%d, %d]", c.MaxLinesPerBlob, MinLinesPerBlob, MaxLinesPerBlob)
	}
	if c.MaxConcurrentUploads < MinConcurrent || c.MaxConcurrentUploads > MaxConcurrent {
		return fmt.Errorf("config: MAX_CONCURRENT_UPLOADS %d out of range [%d, %d]", c.MaxConcurrentUploads, MinConcurrent, MaxConcurrent)
	}
	if c.MaxRetries < MinRetries || c.MaxRetries > MaxRetries {
		return fmt.Errorf("config: MAX_RETRIES %d out of range [%d, %d]", c.MaxRetries, MinRetries, MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY_MS must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay || c.RetryMaxDelay > MaxRetryDelayBound {
		return fmt.Errorf("config: RETRY_MAX_DELAY_MS must be in [base delay, %s]", MaxRetryDelayBound)
	}
	if c.RetryBackoff != BackoffExponential && c.RetryBackoff != BackoffLinear {
		return fmt.Errorf("config: RETRY_BACKOFF must be %q or %q", BackoffExponential, BackoffLinear)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: BASE_URL %q is not a valid http(s) URL", c.BaseURL)
	}
	for _, ext := range c.TextExtensions {
		if !extensionPattern.MatchString(ext) {
			return fmt.Errorf("config: invalid text extension %q", ext)
		}
	}
	for _, pat := range c.ExcludePatterns {
		if err := validateExcludePattern(pat); err != nil {
			return err
		}
	}
	return nil
}

// validateExcludePattern rejects patterns that escape the project tree or
// point at system directories.
func validateExcludePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("config: empty exclude pattern")
	}
	if strings.Contains(pattern, "..") {
		return fmt.Errorf("config: exclude pattern %q contains parent-directory segment", pattern)
	}
	dangerous := []string{"/etc", "/sys", "/proc", "/dev", "/boot", "/root", `C:\Windows`, `C:\System`}
	for _, d := range dangerous {
		if strings.HasPrefix(pattern, d) {
			return fmt.Errorf("config: exclude pattern %q targets a system directory", pattern)
		}
	}
	return nil
}
