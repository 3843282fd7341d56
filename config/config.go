package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the lending service configuration
	Config struct {
		Server   ServerConfig   `yaml:"server"`
		Database DatabaseConfig `yaml:"database"`
		Lending  LendingConfig  `yaml:"lending"`
		Admin    AdminConfig    `yaml:"admin"`
		Metrics  MetricsConfig  `yaml:"metrics"`
		Logger   LoggerConfig   `yaml:"logger"`
	}

	// ServerConfig configures the TCP acceptor
	ServerConfig struct {
		Host          string        `yaml:"host"`
		Port          int           `yaml:"port"`
		MaxWorkers    int           `yaml:"max_workers"`    // concurrent sessions
		IdleTimeout   time.Duration `yaml:"idle_timeout"`   // max wait for the next request line
		ShutdownGrace time.Duration `yaml:"shutdown_grace"` // how long Stop waits for in-flight requests
		MaxLineBytes  int           `yaml:"max_line_bytes"` // longest accepted request line
	}

	// DatabaseConfig configures the sqlite store
	DatabaseConfig struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	}

	// LendingConfig holds the lending rules
	LendingConfig struct {
		LoanDays          int `yaml:"loan_days"`
		MinPasswordLength int `yaml:"min_password_length"`
		RecentHistory     int `yaml:"recent_history"` // loans considered for recommendations
	}

	// AdminConfig is the account seeded when no active admin exists
	AdminConfig struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	}

	// MetricsConfig configures the prometheus endpoint
	MetricsConfig struct {
		Enabled   bool   `yaml:"enabled"`
		Listen    string `yaml:"listen"`
		Namespace string `yaml:"namespace"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
	}
)

// Defaults
const (
	DefaultPort          = 12345
	DefaultMaxWorkers    = 10
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultShutdownGrace = 5 * time.Second
	DefaultMaxLineBytes  = 64 * 1024
	DefaultDatabasePath  = "library.db"
	DefaultBusyTimeout   = 5 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxWorkers <= 0 {
		c.Server.MaxWorkers = DefaultMaxWorkers
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Server.MaxLineBytes <= 0 {
		c.Server.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Lending.LoanDays <= 0 {
		c.Lending.LoanDays = 14
	}
	if c.Lending.MinPasswordLength <= 0 {
		c.Lending.MinPasswordLength = 6
	}
	if c.Lending.RecentHistory <= 0 {
		c.Lending.RecentHistory = 10
	}
	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
	if c.Admin.Password == "" {
		c.Admin.Password = "admin123"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "library"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stdout"
	}
}

// Validate rejects values no server can run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Logger.Output == "file" && c.Logger.FilePath == "" {
		return fmt.Errorf("logger.file_path is required when logger.output is file")
	}
	if c.Lending.MinPasswordLength > len(c.Admin.Password) {
		return fmt.Errorf("admin.password is shorter than lending.min_password_length")
	}
	return nil
}

// Addr is the host:port the acceptor binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads the YAML file, expands ${ENV:default} placeholders, applies
// defaults and validates. It returns the resolved path of the file read.
func Load(filename string) (*Config, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	data = resolveEnv(data)
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("parse %s: %w", cfgPath, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return &cfg, cfgPath, nil
}

// GetCfgPath resolves filename: absolute paths are used as is, otherwise the
// working directory and its configs/ subdirectory are searched.
func GetCfgPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	wd, err := os.Getwd()
	if err != nil {
		return filename
	}
	for _, candidate := range []string{
		filepath.Join(wd, filename),
		filepath.Join(wd, "configs", filename),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filename
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
