package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config holds all server settings in their final types.
type Config struct {
	Addr              string        `yaml:"addr"`
	StorageDir        string        `yaml:"storage_dir"`
	CookiesDir        string        `yaml:"cookies_dir"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RetentionTTL      time.Duration `yaml:"retention_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	DeleteAfterServe  bool          `yaml:"delete_after_serve"`
	MaxCookieBytes    int64         `yaml:"max_cookie_bytes"`
	MergeFormat       string        `yaml:"merge_format"`
	UserAgent         string        `yaml:"user_agent"`
	YtdlpPath         string        `yaml:"ytdlp_path"`
	InstallYtdlp      bool          `yaml:"install_ytdlp"`
	LogLevel          string        `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Addr:              ":8080",
		StorageDir:        filepath.Join(os.TempDir(), "media-downloads"),
		MaxConcurrentJobs: 3,
		JobTimeout:        30 * time.Minute,
		RetentionTTL:      time.Hour,
		CleanupInterval:   5 * time.Minute,
		MaxCookieBytes:    100 * 1024,
		MergeFormat:       "mp4",
		UserAgent:         defaultUserAgent,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.validate()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"APP_ADDR":     &c.Addr,
		"STORAGE_DIR":  &c.StorageDir,
		"COOKIES_DIR":  &c.CookiesDir,
		"MERGE_FORMAT": &c.MergeFormat,
		"USER_AGENT":   &c.UserAgent,
		"YTDLP_PATH":   &c.YtdlpPath,
		"LOG_LEVEL":    &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"JOB_TIMEOUT":      &c.JobTimeout,
		"RETENTION_TTL":    &c.RetentionTTL,
		"CLEANUP_INTERVAL": &c.CleanupInterval,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s", key)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"DELETE_AFTER_SERVE": &c.DeleteAfterServe,
		"INSTALL_YTDLP":      &c.InstallYtdlp,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.Wrapf(err, "%s", key)
			}
			*dst = b
		}
	}

	if v, ok := os.LookupEnv("MAX_CONCURRENT_JOBS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "MAX_CONCURRENT_JOBS")
		}
		c.MaxConcurrentJobs = n
	}
	if v, ok := os.LookupEnv("MAX_COOKIE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "MAX_COOKIE_BYTES")
		}
		c.MaxCookieBytes = n
	}
	return nil
}

// validate resets values that would break the server.
func (c *Config) validate() {
	if c.MaxConcurrentJobs < 1 {
		slog.Warn("max_concurrent_jobs must be at least 1, resetting to 3", "value", c.MaxConcurrentJobs)
		c.MaxConcurrentJobs = 3
	}
	if c.MaxCookieBytes <= 0 {
		c.MaxCookieBytes = 100 * 1024
	}
	if c.StorageDir == "" {
		c.StorageDir = Default().StorageDir
	}
	if c.CookiesDir == "" {
		c.CookiesDir = filepath.Join(c.StorageDir, "cookies")
	}
	c.MergeFormat = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.MergeFormat)), ".")
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
