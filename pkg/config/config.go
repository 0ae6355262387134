package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLaunchName is the launch name used when none is configured.
	DefaultLaunchName = "Go Test Launch"

	// DefaultMode is the default launch mode.
	DefaultMode = "DEFAULT"

	// DefaultLogBatchSize is the default number of log records per batch.
	DefaultLogBatchSize = 20

	// DefaultLaunchWaitTimeout is how long the owner process waits for the
	// remote launch identifier before giving up.
	DefaultLaunchWaitTimeout = 300 * time.Second

	// DefaultLaunchWaitInterval is the polling interval while waiting for
	// the remote launch identifier.
	DefaultLaunchWaitInterval = 1 * time.Second

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "REPORTOOR"
)

// Config is the root configuration for reportoor.
type Config struct {
	Reporter ReporterConfig `yaml:"reporter" mapstructure:"reporter"`
	Server   *ServerConfig  `yaml:"server,omitempty" mapstructure:"server"`
}

// ReporterConfig contains everything the reporting coordinator needs to
// talk to a remote backend. If any of Endpoint, Project or Token is
// missing the coordinator runs disabled and reports nothing.
type ReporterConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Project  string `yaml:"project" mapstructure:"project"`
	Token    string `yaml:"token" mapstructure:"token"`

	Launch LaunchConfig `yaml:"launch" mapstructure:"launch"`

	LogBatchSize      int           `yaml:"log_batch_size" mapstructure:"log_batch_size"`
	IgnoreErrors      bool          `yaml:"ignore_errors" mapstructure:"ignore_errors"`
	IgnoredTags       []string      `yaml:"ignored_tags,omitempty" mapstructure:"ignored_tags"`
	LogLevel          string        `yaml:"log_level" mapstructure:"log_level"`
	LaunchWaitTimeout time.Duration `yaml:"launch_wait_timeout" mapstructure:"launch_wait_timeout"`

	// RequestsPerSecond throttles outbound backend calls. Zero disables
	// throttling.
	RequestsPerSecond int `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// LaunchConfig describes the remote launch created for a test session.
type LaunchConfig struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Description string   `yaml:"description,omitempty" mapstructure:"description"`
	Tags        []string `yaml:"tags,omitempty" mapstructure:"tags"`
	Mode        string   `yaml:"mode" mapstructure:"mode"`
}

// ServerConfig contains the development report backend settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        AuthConfig      `yaml:"auth,omitempty" mapstructure:"auth"`
	Database    DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Archive     *ArchiveConfig  `yaml:"archive,omitempty" mapstructure:"archive"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// AuthConfig contains bearer token authentication settings.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Tokens  []string `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// DatabaseConfig selects and configures the database driver.
type DatabaseConfig struct {
	Driver   string          `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig    `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// ArchiveConfig configures the background service that exports finished
// launches to local disk or S3-compatible storage.
type ArchiveConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration   `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int             `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Local       *LocalArchive   `yaml:"local,omitempty" mapstructure:"local"`
	S3          *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalArchive writes launch archives to a local directory.
type LocalArchive struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3ArchiveConfig contains S3 settings for launch archives.
type S3ArchiveConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads and parses a configuration file from the given path,
// then applies environment variable overrides and defaults. An empty
// path loads configuration from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overlays connection settings from REPORTOOR_* environment
// variables. Environment values win over file values so that secrets
// can stay out of checked-in configuration.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("endpoint"); s != "" {
		c.Reporter.Endpoint = s
	}

	if s := v.GetString("project"); s != "" {
		c.Reporter.Project = s
	}

	if s := v.GetString("token"); s != "" {
		c.Reporter.Token = s
	}

	if s := v.GetString("launch"); s != "" {
		c.Reporter.Launch.Name = s
	}

	if s := v.GetString("mode"); s != "" {
		c.Reporter.Launch.Mode = s
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Reporter.Launch.Name == "" {
		c.Reporter.Launch.Name = DefaultLaunchName
	}

	if c.Reporter.Launch.Mode == "" {
		c.Reporter.Launch.Mode = DefaultMode
	}

	if c.Reporter.LogBatchSize <= 0 {
		c.Reporter.LogBatchSize = DefaultLogBatchSize
	}

	if c.Reporter.LogLevel == "" {
		c.Reporter.LogLevel = DefaultLogLevel
	}

	if c.Reporter.LaunchWaitTimeout <= 0 {
		c.Reporter.LaunchWaitTimeout = DefaultLaunchWaitTimeout
	}

	if c.Server != nil {
		if c.Server.Listen == "" {
			c.Server.Listen = ":8080"
		}

		if c.Server.Database.Driver == "" {
			c.Server.Database.Driver = "sqlite"
		}

		if c.Server.Database.Driver == "sqlite" && c.Server.Database.SQLite.Path == "" {
			c.Server.Database.SQLite.Path = "reportoor.db"
		}

		if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
			c.Server.RateLimit.RequestsPerMinute = 600
		}

		if c.Server.Archive != nil && c.Server.Archive.Enabled {
			if c.Server.Archive.Interval <= 0 {
				c.Server.Archive.Interval = 1 * time.Minute
			}

			if c.Server.Archive.Concurrency <= 0 {
				c.Server.Archive.Concurrency = 4
			}
		}
	}
}

// Complete reports whether all connection parameters required for
// remote reporting are present. An incomplete configuration is not an
// error: reporting simply stays disabled for the whole run.
func (c *ReporterConfig) Complete() bool {
	return c.Endpoint != "" && c.Project != "" && c.Token != ""
}

// MissingFields returns the names of required connection parameters
// that are absent, for a clear message at session start.
func (c *ReporterConfig) MissingFields() []string {
	missing := make([]string, 0, 3)

	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}

	if c.Project == "" {
		missing = append(missing, "project")
	}

	if c.Token == "" {
		missing = append(missing, "token")
	}

	return missing
}

// Validate checks the configuration for errors. An incomplete reporter
// section is allowed; contradictory values are not.
func (c *Config) Validate() error {
	if mode := c.Reporter.Launch.Mode; mode != "DEFAULT" && mode != "DEBUG" {
		return fmt.Errorf("launch mode must be DEFAULT or DEBUG, got %q", mode)
	}

	if c.Server != nil {
		switch c.Server.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unknown database driver %q", c.Server.Database.Driver)
		}

		if c.Server.Database.Driver == "postgres" && c.Server.Database.Postgres == nil {
			return fmt.Errorf("postgres driver selected but postgres section is missing")
		}

		if c.Server.Auth.Enabled && len(c.Server.Auth.Tokens) == 0 {
			return fmt.Errorf("auth enabled but no tokens configured")
		}

		if a := c.Server.Archive; a != nil && a.Enabled {
			if a.Local == nil && a.S3 == nil {
				return fmt.Errorf("archive enabled but no local or s3 backend configured")
			}

			if a.Local != nil && a.S3 != nil {
				return fmt.Errorf("archive: only one of local or s3 may be configured")
			}

			if a.S3 != nil && a.S3.Bucket == "" {
				return fmt.Errorf("archive: s3 bucket is required")
			}
		}
	}

	return nil
}
