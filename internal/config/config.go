// Package config loads the application configuration from the environment
// and an optional config file in the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all recognized configuration options.
type Config struct {
	// DataPath is the root for the on-disk layout: catalog.db, scripts/,
	// logs/ and backups/ all live beneath it.
	DataPath string

	Host string
	Port int

	// SecretKey signs session tokens. Required for the HTTP surface.
	SecretKey string

	AdminUsername string
	AdminPassword string
	AdminEmail    string

	DefaultScriptTimeout time.Duration
	DefaultMemoryLimitMB int

	QueueSize int
	Workers   int

	// OutputLimitBytes caps captured stdout/stderr per stream.
	OutputLimitBytes int

	RateLimitEnabled bool
	DefaultAPIKey    string

	MaxRecordsPerScript int
	RetentionDays       int

	SMTP SMTPConfig

	LogFormat string
	Debug     bool
}

// SMTPConfig configures the outbound mailer.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// CatalogPath returns the path of the SQLite backing file.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataPath, "catalog.db")
}

// ScriptsDir returns the root of the per-script directory tree.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.DataPath, "scripts")
}

// LogsDir returns the application log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataPath, "logs")
}

// Load reads configuration from PYSCHED_* environment variables, an optional
// .env file in the working directory, and an optional config.yaml in the data
// directory. Environment variables win over file values.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PYSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	dataPath := v.GetString("data_path")
	if dataPath == "" {
		dataPath = filepath.Join(xdg.DataHome, "pysched")
	}
	dataPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data path: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DataPath:             dataPath,
		Host:                 v.GetString("host"),
		Port:                 v.GetInt("port"),
		SecretKey:            v.GetString("secret_key"),
		AdminUsername:        v.GetString("admin_username"),
		AdminPassword:        v.GetString("admin_password"),
		AdminEmail:           v.GetString("admin_email"),
		DefaultScriptTimeout: time.Duration(v.GetInt("default_script_timeout_seconds")) * time.Second,
		DefaultMemoryLimitMB: v.GetInt("default_memory_limit_mb"),
		QueueSize:            v.GetInt("queue_size"),
		Workers:              v.GetInt("workers"),
		OutputLimitBytes:     v.GetInt("output_limit_bytes"),
		RateLimitEnabled:     v.GetBool("rate_limit_enabled"),
		DefaultAPIKey:        v.GetString("default_api_key"),
		MaxRecordsPerScript:  v.GetInt("max_records_per_script"),
		RetentionDays:        v.GetInt("retention_days"),
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp_host"),
			Port:     v.GetString("smtp_port"),
			Username: v.GetString("smtp_username"),
			Password: v.GetString("smtp_password"),
			From:     v.GetString("smtp_from"),
		},
		LogFormat: v.GetString("log_format"),
		Debug:     v.GetBool("debug"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_email", "admin@localhost")
	v.SetDefault("default_script_timeout_seconds", 300)
	v.SetDefault("default_memory_limit_mb", 512)
	v.SetDefault("queue_size", 64)
	v.SetDefault("workers", 4)
	v.SetDefault("output_limit_bytes", 256*1024)
	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("default_api_key", "default-api-key-change-me")
	v.SetDefault("max_records_per_script", 1000)
	v.SetDefault("retention_days", 30)
	v.SetDefault("smtp_port", "587")
	v.SetDefault("log_format", "text")
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	if c.OutputLimitBytes < 1 {
		return fmt.Errorf("output_limit_bytes must be positive")
	}
	return nil
}

// EnsureDirs creates the on-disk layout beneath the data root.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataPath, c.ScriptsDir(), c.LogsDir(), filepath.Join(c.DataPath, "backups")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
