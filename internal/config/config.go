// Package config provides configuration for the tracetab CLI and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all tracetab components.
type Config struct {
	// DataDir is the base directory for local object storage and downloads
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// SQL view configuration
	SQL SQLConfig `json:"sql" yaml:"sql"`
}

// EngineConfig holds row buffer engine configuration.
type EngineConfig struct {
	// MaxParams is the parameter cap of a row (1–255, default 16)
	MaxParams int `json:"max_params" yaml:"max_params"`

	// SeedRows is the capacity of the first buffer growth (default 1024)
	SeedRows int `json:"seed_rows" yaml:"seed_rows"`

	// MaxRows bounds the table size; 0 means unbounded
	MaxRows int `json:"max_rows" yaml:"max_rows"`

	// TraceEvents logs every decoded event at debug level
	TraceEvents bool `json:"trace_events" yaml:"trace_events"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`

	// OutputPaths are zap sink URLs or file paths (default stderr)
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// DownloadDir receives remote traces while they are decoded
	DownloadDir string `json:"download_dir" yaml:"download_dir"`

	// CacheDir keeps fetched remote traces between loads
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheBytes bounds the trace cache; 0 disables it
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`

	// S3 configuration (for s3 type and s3:// trace paths)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle addresses buckets by path instead of by host
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds the graceful drain on stop
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SQLConfig holds SQL view configuration.
type SQLConfig struct {
	// MaxResultRows caps the rows a query returns; 0 means unbounded
	MaxResultRows int `json:"max_result_rows" yaml:"max_result_rows"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tracetab",
		Engine: EngineConfig{
			MaxParams: 16,
			SeedRows:  1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Type: "local",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		SQL: SQLConfig{
			MaxResultRows: 10000,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tracetab"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.DownloadDir == "" {
		c.Storage.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stderr"}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Engine.MaxParams < 1 || c.Engine.MaxParams > 255 {
		return fmt.Errorf("engine.max_params must be between 1 and 255, got %d", c.Engine.MaxParams)
	}
	if c.Engine.SeedRows < 1 {
		return fmt.Errorf("engine.seed_rows must be positive, got %d", c.Engine.SeedRows)
	}
	if c.Engine.MaxRows < 0 {
		return fmt.Errorf("engine.max_rows must not be negative, got %d", c.Engine.MaxRows)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Storage.CacheBytes < 0 {
		return fmt.Errorf("storage.cache_bytes must not be negative, got %d", c.Storage.CacheBytes)
	}

	if c.SQL.MaxResultRows < 0 {
		return fmt.Errorf("sql.max_result_rows must not be negative, got %d", c.SQL.MaxResultRows)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TRACETAB_ prefix.
func LoadFromEnv(cfg *Config) {
	applyEnv(cfg, os.Getenv)
}

// LoadFromEnvFile loads configuration from the TRACETAB_ variables of a
// dotenv file. Variables set in the process environment take precedence.
// The process environment is not modified.
func LoadFromEnvFile(cfg *Config, path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}
	applyEnv(cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return vars[key]
	})
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("TRACETAB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Engine configuration
	if v := getenv("TRACETAB_ENGINE_MAX_PARAMS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.MaxParams)
	}
	if v := getenv("TRACETAB_ENGINE_SEED_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.SeedRows)
	}
	if v := getenv("TRACETAB_ENGINE_MAX_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.MaxRows)
	}
	if v := getenv("TRACETAB_ENGINE_TRACE_EVENTS"); v != "" {
		cfg.Engine.TraceEvents = v == "true" || v == "1"
	}

	// Log configuration
	if v := getenv("TRACETAB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("TRACETAB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// HTTP configuration
	if v := getenv("TRACETAB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := getenv("TRACETAB_HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ShutdownTimeout = d
		}
	}

	// gRPC configuration
	if v := getenv("TRACETAB_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := getenv("TRACETAB_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := getenv("TRACETAB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := getenv("TRACETAB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv("TRACETAB_STORAGE_DOWNLOAD_DIR"); v != "" {
		cfg.Storage.DownloadDir = v
	}
	if v := getenv("TRACETAB_STORAGE_CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}
	if v := getenv("TRACETAB_STORAGE_CACHE_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.CacheBytes)
	}
	if v := getenv("TRACETAB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := getenv("TRACETAB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := getenv("TRACETAB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := getenv("TRACETAB_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.DownloadDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
