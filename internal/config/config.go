// Package config holds the ollamascan configuration: scanning parameters,
// input and output locations, logging and the optional status server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
)

const (
	DefaultPort         = 11434
	DefaultPath         = "/api/tags"
	DefaultTimeout      = 500 * time.Millisecond
	DefaultConcurrency  = 500
	DefaultRateLimit    = 800
	DefaultInputFile    = "ip-ranges.txt"
	DefaultEndpointsCSV = "ollama_endpoints.csv"
	DefaultModelsCSV    = "llm_models.csv"
	DefaultMaxBodyBytes = 4 * 1024 * 1024
	DefaultRedisStream  = "ollamascan:discoveries"

	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete scanner configuration
type Config struct {
	// Probe and scheduler settings
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Address space source
	Input InputConfig `yaml:"input" json:"input"`

	// Result sinks
	Output OutputConfig `yaml:"output" json:"output"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Status and control server
	Status StatusConfig `yaml:"status" json:"status"`

	// Recurring scans
	Watch WatchConfig `yaml:"watch" json:"watch"`
}

// ScanningConfig holds probe and scheduler settings
type ScanningConfig struct {
	// TCP port probed on every address
	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// HTTP path requested on every target
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`

	// Per-probe timeout covering connect and response headers
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Maximum number of probes in flight
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"min=1,max=100000"`

	// Dispatches per second, 0 disables the limiter
	RateLimit int `yaml:"rate_limit" json:"rate_limit" validate:"min=0"`

	// Upper bound on the response body read per probe
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes" validate:"min=1024"`

	// User-Agent header sent with each probe, empty for Go's default
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// InputConfig holds the address space source
type InputConfig struct {
	File string `yaml:"file" json:"file" validate:"required"`
}

// OutputConfig holds result sink settings
type OutputConfig struct {
	// Endpoint stream file
	EndpointsFile string `yaml:"endpoints_file" json:"endpoints_file" validate:"required"`

	// Model stream file
	ModelsFile string `yaml:"models_file" json:"models_file" validate:"required"`

	// fsync both files after every discovery
	Fsync bool `yaml:"fsync" json:"fsync"`

	// Optional SQL sink
	SQL SQLConfig `yaml:"sql" json:"sql"`

	// Optional Redis stream sink
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// SQLConfig holds the optional SQL sink settings
type SQLConfig struct {
	// Driver name, empty disables the sink
	Driver string `yaml:"driver" json:"driver" validate:"omitempty,oneof=postgres sqlite3"`

	// Data source name passed to the driver
	DSN string `yaml:"dsn" json:"dsn"`
}

// Enabled reports whether the SQL sink is configured.
func (c SQLConfig) Enabled() bool {
	return c.Driver != ""
}

// RedisConfig holds the optional Redis stream sink settings
type RedisConfig struct {
	// host:port, empty disables the sink
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`

	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db" validate:"min=0"`

	// Stream key receiving one entry per discovery
	Stream string `yaml:"stream" json:"stream"`
}

// Enabled reports whether the Redis sink is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source file and line
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// StatusConfig holds the status and control server settings
type StatusConfig struct {
	// Enable the server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address, host:port
	Listen string `yaml:"listen" json:"listen"`

	// Interval between websocket progress frames
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Allowed CORS origins, none by default
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// WatchConfig holds recurring scan settings
type WatchConfig struct {
	// Cron expression, standard five fields or a descriptor such as @hourly
	Schedule string `yaml:"schedule" json:"schedule"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Port:         DefaultPort,
			Path:         DefaultPath,
			Timeout:      DefaultTimeout,
			Concurrency:  DefaultConcurrency,
			RateLimit:    DefaultRateLimit,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Input: InputConfig{
			File: DefaultInputFile,
		},
		Output: OutputConfig{
			EndpointsFile: DefaultEndpointsCSV,
			ModelsFile:    DefaultModelsCSV,
			Redis: RedisConfig{
				Stream: DefaultRedisStream,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Status: StatusConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:8080",
			Interval: time.Second,
		},
		Watch: WatchConfig{
			Schedule: "@hourly",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both extensions
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report yaml keys rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return errors.ErrConfigInvalid(fieldPath(first.Namespace()), first.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if c.Scanning.Timeout <= 0 {
		return errors.ErrConfigInvalid("scanning.timeout", c.Scanning.Timeout)
	}
	if c.Output.SQL.Enabled() && c.Output.SQL.DSN == "" {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"SQL dsn is required when a driver is set", "output.sql.dsn", c.Output.SQL.DSN)
	}
	if c.Output.Redis.Enabled() && c.Output.Redis.Stream == "" {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"Redis stream is required when an address is set", "output.redis.stream", c.Output.Redis.Stream)
	}
	if c.Status.Enabled {
		if c.Status.Listen == "" {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"status listen address is required when the server is enabled", "status.listen", c.Status.Listen)
		}
		if c.Status.Interval <= 0 {
			return errors.ErrConfigInvalid("status.interval", c.Status.Interval)
		}
	}

	return nil
}

// fieldPath drops the root struct name: "Config.scanning.port" -> "scanning.port".
func fieldPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}
