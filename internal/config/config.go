// Package config provides YAML-based configuration for the batch service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
	"gopkg.in/yaml.v3"

	"github.com/neolens/backend/internal/batch"
)

// EnvFileVariable names an optional dotenv file with overrides.
const EnvFileVariable = "NEOLENS_ENV_FILE"

// AppConfig represents the root configuration structure
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Batch     BatchConfig     `yaml:"batch"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	EnableCORS   bool   `yaml:"enable_cors"`
	AllowOrigins string `yaml:"allow_origins"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	IdleTimeout  int    `yaml:"idle_timeout_seconds"`
	BodyLimit    string `yaml:"body_limit"`
}

// StorageConfig contains upload storage settings
type StorageConfig struct {
	DataDirectory    string `yaml:"data_directory"`
	UploadsDirectory string `yaml:"uploads_directory"`
}

// BatchConfig controls the simulated processing pipeline
type BatchConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent"`
	SimulateMinMs     int     `yaml:"simulate_min_ms"`
	SimulateMaxMs     int     `yaml:"simulate_max_ms"`
	ErrorRate         float64 `yaml:"error_rate"`
	EmptyFindingsRate float64 `yaml:"empty_findings_rate"`
	FindingLabel      string  `yaml:"finding_label"`
	ConfidenceMin     float64 `yaml:"confidence_min"`
	ConfidenceMax     float64 `yaml:"confidence_max"`
	ErrorMessage      string  `yaml:"error_message"`
	Seed              int64   `yaml:"seed"` // 0 = seed from clock
}

// SessionConfig controls the run-session registry
type SessionConfig struct {
	MaxSessions            int `yaml:"max_sessions"`
	SessionTimeoutMinutes  int `yaml:"session_timeout_minutes"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	KeepAliveMinutes       int `yaml:"keep_alive_minutes"`
}

// AnalyticsConfig tunes the in-memory summary database
type AnalyticsConfig struct {
	DuckDBThreads     int    `yaml:"duckdb_threads"`
	DuckDBMemoryLimit string `yaml:"duckdb_memory_limit"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level                string `yaml:"level"`
	Development          bool   `yaml:"development"`
	EnableRequestLogging bool   `yaml:"enable_request_logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	sim := batch.DefaultSimConfig()
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
		},
		Batch: BatchConfig{
			MaxConcurrent:     batch.DefaultMaxConcurrent,
			SimulateMinMs:     int(sim.MinDelay.Milliseconds()),
			SimulateMaxMs:     int(sim.MaxDelay.Milliseconds()),
			ErrorRate:         sim.ErrorRate,
			EmptyFindingsRate: sim.EmptyFindingsRate,
			FindingLabel:      sim.FindingLabel,
			ConfidenceMin:     sim.ConfidenceMin,
			ConfidenceMax:     sim.ConfidenceMax,
			ErrorMessage:      sim.ErrorMessage,
		},
		Sessions: SessionConfig{
			MaxSessions:            50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			KeepAliveMinutes:       5,
		},
		Analytics: AnalyticsConfig{
			DuckDBThreads:     2,
			DuckDBMemoryLimit: "256MB",
		},
		Logging: LoggingConfig{
			Level:                "info",
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating it with defaults
// when it does not exist yet.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	configDir := filepath.Dir(configPath)

	envFile := os.Getenv(EnvFileVariable)
	if envFile == "" {
		envFile = filepath.Join(configDir, ".env")
	}
	fileEnv, err := readEnvFile(envFile)
	if err != nil {
		return nil, err
	}

	// Process environment wins over the dotenv file
	config.applyOverrides(fileEnv)
	config.applyOverrides(processEnv())

	config.resolvePaths(configDir)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return config, nil
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	header := []byte("# Neolens batch service configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// readEnvFile parses a dotenv file; a missing file yields no overrides.
func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	env, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return env, nil
}

func processEnv() map[string]string {
	keys := []string{"PORT", "DATA_DIR", "NEOLENS_MAX_CONCURRENT", "NEOLENS_LOG_LEVEL", "NEOLENS_SEED"}
	env := make(map[string]string)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			env[k] = v
		}
	}
	return env
}

// applyOverrides lets environment-style variables override config values
func (c *AppConfig) applyOverrides(env map[string]string) {
	if port := env["PORT"]; port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := env["DATA_DIR"]; dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
	}

	if mc := env["NEOLENS_MAX_CONCURRENT"]; mc != "" {
		if n, err := strconv.Atoi(mc); err == nil {
			c.Batch.MaxConcurrent = n
		}
	}

	if level := env["NEOLENS_LOG_LEVEL"]; level != "" {
		c.Logging.Level = level
	}

	if seed := env["NEOLENS_SEED"]; seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			c.Batch.Seed = s
		}
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.UploadsDirectory) {
		c.Storage.UploadsDirectory = filepath.Join(configDir, c.Storage.UploadsDirectory)
	}
}

// Validate rejects settings the server cannot honour.
func (c *AppConfig) Validate() error {
	b := c.Batch
	switch {
	case b.MaxConcurrent <= 0:
		return fmt.Errorf("batch.max_concurrent must be positive, got %d", b.MaxConcurrent)
	case b.SimulateMinMs < 0 || b.SimulateMaxMs < b.SimulateMinMs:
		return fmt.Errorf("batch simulate range [%d, %d) is invalid", b.SimulateMinMs, b.SimulateMaxMs)
	case b.ErrorRate < 0 || b.ErrorRate > 1:
		return fmt.Errorf("batch.error_rate must be within [0,1], got %v", b.ErrorRate)
	case b.EmptyFindingsRate < 0 || b.EmptyFindingsRate > 1:
		return fmt.Errorf("batch.empty_findings_rate must be within [0,1], got %v", b.EmptyFindingsRate)
	case b.ConfidenceMin < 0 || b.ConfidenceMax > 1 || b.ConfidenceMax < b.ConfidenceMin:
		return fmt.Errorf("batch confidence range [%v, %v) is invalid", b.ConfidenceMin, b.ConfidenceMax)
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Sessions.MaxSessions <= 0:
		return fmt.Errorf("sessions.max_sessions must be positive, got %d", c.Sessions.MaxSessions)
	case c.Sessions.CleanupIntervalMinutes <= 0:
		return fmt.Errorf("sessions.cleanup_interval_minutes must be positive, got %d", c.Sessions.CleanupIntervalMinutes)
	case c.Sessions.SessionTimeoutMinutes < 0:
		return fmt.Errorf("sessions.session_timeout_minutes must not be negative, got %d", c.Sessions.SessionTimeoutMinutes)
	case c.Sessions.KeepAliveMinutes < 0:
		return fmt.Errorf("sessions.keep_alive_minutes must not be negative, got %d", c.Sessions.KeepAliveMinutes)
	}
	return nil
}

// SimConfig converts the batch section into simulator settings.
func (c *AppConfig) SimConfig() batch.SimConfig {
	return batch.SimConfig{
		MinDelay:          time.Duration(c.Batch.SimulateMinMs) * time.Millisecond,
		MaxDelay:          time.Duration(c.Batch.SimulateMaxMs) * time.Millisecond,
		ErrorRate:         c.Batch.ErrorRate,
		EmptyFindingsRate: c.Batch.EmptyFindingsRate,
		FindingLabel:      c.Batch.FindingLabel,
		ConfidenceMin:     c.Batch.ConfidenceMin,
		ConfidenceMax:     c.Batch.ConfidenceMax,
		ErrorMessage:      c.Batch.ErrorMessage,
		Seed:              c.Batch.Seed,
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// SessionTimeout returns how long idle sessions are kept.
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval returns how often idle sessions are swept.
func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupIntervalMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
