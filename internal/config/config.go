package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "LESSONFORGE"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Staging    StagingConfig    `yaml:"staging" envconfig:"STAGING"`
	Stream     StreamConfig     `yaml:"stream" envconfig:"STREAM"`
	Pipeline   PipelineConfig   `yaml:"pipeline" envconfig:"PIPELINE"`
	Batch      BatchConfig      `yaml:"batch" envconfig:"BATCH"`
	Generation GenerationConfig `yaml:"generation" envconfig:"GENERATION"`
	Upload     UploadConfig     `yaml:"upload" envconfig:"UPLOAD"`
	WebSocket  WebSocketConfig  `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080" validate:"min=1"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/lessonforge.log"`
}

// StagingConfig sizes the short-lived staging store
type StagingConfig struct {
	Capacity      int           `yaml:"capacity" envconfig:"CAPACITY" default:"500" validate:"min=1"`
	TTL           time.Duration `yaml:"ttl" envconfig:"TTL" default:"30m" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"5m" validate:"gt=0"`
}

// StreamConfig controls the progress stream and its pull fallback
type StreamConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" default:"2s" validate:"gt=0"`
	PollAttempts int           `yaml:"poll_attempts" envconfig:"POLL_ATTEMPTS" default:"30" validate:"min=1"`
	KeepAlive    time.Duration `yaml:"keep_alive" envconfig:"KEEP_ALIVE" default:"15s"`
}

// PipelineConfig controls single-unit pipeline execution
type PipelineConfig struct {
	Mode              string        `yaml:"mode" envconfig:"MODE" default:"parallel" validate:"oneof=sequential parallel"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts" envconfig:"RETRY_MAX_ATTEMPTS" default:"2" validate:"min=1"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" envconfig:"RETRY_INITIAL_DELAY" default:"2s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY" default:"30s"`
	RunRetention      time.Duration `yaml:"run_retention" envconfig:"RUN_RETENTION" default:"72h"`
}

// BatchConfig controls the batch scheduler and its history
type BatchConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency" envconfig:"MAX_CONCURRENCY" default:"8" validate:"min=1"`
	MaxTasks         int           `yaml:"max_tasks" envconfig:"MAX_TASKS" default:"500" validate:"min=1"`
	HistoryRetention time.Duration `yaml:"history_retention" envconfig:"HISTORY_RETENTION" default:"72h" validate:"gt=0"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL" default:"1h" validate:"gt=0"`
}

// GenerationConfig holds the defaults for the external generation service.
// Requests may override Model and Template; the rest is captured into each
// run's snapshot at start.
type GenerationConfig struct {
	Model        string  `yaml:"model" envconfig:"MODEL" default:"gpt-4o-mini"`
	APIKey       string  `yaml:"api_key" envconfig:"API_KEY"`
	BaseURL      string  `yaml:"base_url" envconfig:"BASE_URL"`
	MaxTokens    int64   `yaml:"max_tokens" envconfig:"MAX_TOKENS" default:"4096" validate:"min=1"`
	Temperature  float64 `yaml:"temperature" envconfig:"TEMPERATURE" default:"0.7" validate:"min=0,max=2"`
	Template     string  `yaml:"template" envconfig:"TEMPLATE" default:"standard"`
	TemplateFile string  `yaml:"template_file" envconfig:"TEMPLATE_FILE"`
}

// UploadConfig selects where finished artifacts are stored
type UploadConfig struct {
	Backend              string `yaml:"backend" envconfig:"BACKEND" default:"local" validate:"oneof=local drive"`
	OutputDir            string `yaml:"output_dir" envconfig:"OUTPUT_DIR" default:"output"`
	PublicBaseURL        string `yaml:"public_base_url" envconfig:"PUBLIC_BASE_URL"`
	DriveCredentialsFile string `yaml:"drive_credentials_file" envconfig:"DRIVE_CREDENTIALS_FILE"`
	DriveRootFolderID    string `yaml:"drive_root_folder_id" envconfig:"DRIVE_ROOT_FOLDER_ID"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// TelemetryConfig selects OpenTelemetry exporters
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0" validate:"min=0,max=1"`
}

// Load loads configuration from environment variables and an optional YAML
// file. Values present in the file override the environment-derived ones.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration against its struct tags and the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}
	if c.Upload.Backend == "drive" && c.Upload.DriveCredentialsFile == "" {
		return fmt.Errorf("upload backend drive requires drive_credentials_file")
	}
	if c.Pipeline.RetryMaxDelay < c.Pipeline.RetryInitialDelay {
		return fmt.Errorf("pipeline retry_max_delay must not be below retry_initial_delay")
	}
	return nil
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   100,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/lessonforge.log",
		},
		Staging: StagingConfig{
			Capacity:      500,
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Stream: StreamConfig{
			PollInterval: 2 * time.Second,
			PollAttempts: 30,
			KeepAlive:    15 * time.Second,
		},
		Pipeline: PipelineConfig{
			Mode:              "parallel",
			RetryMaxAttempts:  2,
			RetryInitialDelay: 2 * time.Second,
			RetryMaxDelay:     30 * time.Second,
			RunRetention:      72 * time.Hour,
		},
		Batch: BatchConfig{
			MaxConcurrency:   8,
			MaxTasks:         500,
			HistoryRetention: 72 * time.Hour,
			CleanupInterval:  time.Hour,
		},
		Generation: GenerationConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
			Template:    "standard",
		},
		Upload: UploadConfig{
			Backend:   "local",
			OutputDir: "output",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PongWait:        60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
