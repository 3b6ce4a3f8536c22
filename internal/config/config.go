package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/shuttle/internal/progress"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "SHUTTLE"

// Backend names accepted in upload.backend.
const (
	BackendBlob  = "blob"
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// Config defines configuration for the shuttle CLI and server.
type Config struct {
	// StateURL is the gocloud bucket URL holding resume records.
	StateURL string `yaml:"state_url" envconfig:"STATE_URL"`

	Download DownloadConfig `yaml:"download" envconfig:"DOWNLOAD"`
	Upload   UploadConfig   `yaml:"upload" envconfig:"UPLOAD"`
	Progress ProgressConfig `yaml:"progress" envconfig:"PROGRESS"`
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Events   EventsConfig   `yaml:"events" envconfig:"EVENTS"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

// DownloadConfig configures the download engine.
type DownloadConfig struct {
	BufferSize          ByteSize      `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
	FlushInterval       ByteSize      `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	RateLimit           ByteSize      `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" envconfig:"MAX_IDLE_CONNS_PER_HOST"`
	Timeout             time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retry               RetryConfig   `yaml:"retry" envconfig:"RETRY"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts" envconfig:"ATTEMPTS"`
	Backoff    time.Duration `yaml:"backoff" envconfig:"BACKOFF"`
	MaxBackoff time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF"`
}

// UploadConfig selects and tunes the object store backend.
type UploadConfig struct {
	// Backend is one of blob, minio or s3.
	Backend string `yaml:"backend" envconfig:"BACKEND"`

	// BucketURL is the gocloud URL template of the blob backend. "{bucket}"
	// is replaced by the bucket name of each upload.
	BucketURL string `yaml:"bucket_url" envconfig:"BUCKET_URL"`

	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	Region    string `yaml:"region" envconfig:"REGION"`
	AccessKey string `yaml:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" envconfig:"USE_SSL"`
	PathStyle bool   `yaml:"path_style" envconfig:"PATH_STYLE"`

	PartSize           ByteSize `yaml:"part_size" envconfig:"PART_SIZE"`
	MaxConcurrentParts int      `yaml:"max_concurrent_parts" envconfig:"MAX_CONCURRENT_PARTS"`
	MultipartThreshold ByteSize `yaml:"multipart_threshold" envconfig:"MULTIPART_THRESHOLD"`
	CancelSinglePut    bool     `yaml:"cancel_single_put" envconfig:"CANCEL_SINGLE_PUT"`
}

// ProgressConfig sets the snapshot cadence.
type ProgressConfig struct {
	Interval     time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	TextInterval time.Duration `yaml:"text_interval" envconfig:"TEXT_INTERVAL"`
}

// ServerConfig configures `shuttle serve`.
type ServerConfig struct {
	Addr           string        `yaml:"addr" envconfig:"ADDR"`
	AllowedOrigins []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// EventsConfig configures NATS event publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url" envconfig:"NATS_URL"`
	Prefix  string `yaml:"prefix" envconfig:"PREFIX"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		StateURL: "file://" + defaultStateDir(),
		Download: DownloadConfig{
			BufferSize:          256 * 1024,
			FlushInterval:       8 * 1024 * 1024,
			MaxIdleConnsPerHost: 16,
			Timeout:             30 * time.Second,
			Retry: RetryConfig{
				Attempts:   5,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
		Upload: UploadConfig{
			Backend:            BackendBlob,
			BucketURL:          "file:///var/lib/shuttle/{bucket}",
			PartSize:           8 * 1024 * 1024,
			MaxConcurrentParts: 4,
			MultipartThreshold: 16 * 1024 * 1024,
			CancelSinglePut:    true,
		},
		Progress: ProgressConfig{
			Interval:     16 * time.Millisecond,
			TextInterval: 80 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 60 * time.Second,
		},
		Events: EventsConfig{
			Prefix: "shuttle",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/shuttle/state"
	}
	return os.TempDir() + "/shuttle/state"
}

// LoadFromFile loads configuration from a YAML file on top of Default.
// Keys missing from the file keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overrides c with SHUTTLE_ environment variables, for example
// SHUTTLE_UPLOAD_PART_SIZE=16MiB or SHUTTLE_DOWNLOAD_RETRY_ATTEMPTS=3.
// Unset variables leave the current value untouched.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.StateURL == "" {
		errs = append(errs, errors.New("config: state_url is required"))
	}
	if c.Download.BufferSize <= 0 {
		errs = append(errs, errors.New("config: download.buffer_size must be positive"))
	}
	if c.Download.FlushInterval <= 0 {
		errs = append(errs, errors.New("config: download.flush_interval must be positive"))
	}
	if c.Download.RateLimit < 0 {
		errs = append(errs, errors.New("config: download.rate_limit must not be negative"))
	}
	if c.Download.Retry.Attempts < 0 {
		errs = append(errs, errors.New("config: download.retry.attempts must not be negative"))
	}

	switch c.Upload.Backend {
	case BackendBlob:
		if c.Upload.BucketURL == "" {
			errs = append(errs, errors.New("config: upload.bucket_url is required for the blob backend"))
		}
	case BackendMinio:
		if c.Upload.Endpoint == "" {
			errs = append(errs, errors.New("config: upload.endpoint is required for the minio backend"))
		}
	case BackendS3:
	default:
		errs = append(errs, fmt.Errorf("config: unknown upload.backend %q", c.Upload.Backend))
	}
	if c.Upload.PartSize <= 0 {
		errs = append(errs, errors.New("config: upload.part_size must be positive"))
	}
	if c.Upload.MaxConcurrentParts <= 0 {
		errs = append(errs, errors.New("config: upload.max_concurrent_parts must be positive"))
	}
	if c.Upload.MultipartThreshold <= 0 {
		errs = append(errs, errors.New("config: upload.multipart_threshold must be positive"))
	}

	if c.Progress.Interval <= 0 || c.Progress.TextInterval <= 0 {
		errs = append(errs, errors.New("config: progress intervals must be positive"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.StateURL != "" {
		c.StateURL = override.StateURL
	}

	if override.Download.BufferSize != 0 {
		c.Download.BufferSize = override.Download.BufferSize
	}
	if override.Download.FlushInterval != 0 {
		c.Download.FlushInterval = override.Download.FlushInterval
	}
	if override.Download.RateLimit != 0 {
		c.Download.RateLimit = override.Download.RateLimit
	}
	if override.Download.MaxIdleConnsPerHost != 0 {
		c.Download.MaxIdleConnsPerHost = override.Download.MaxIdleConnsPerHost
	}
	if override.Download.Timeout != 0 {
		c.Download.Timeout = override.Download.Timeout
	}
	if override.Download.Retry.Attempts != 0 {
		c.Download.Retry.Attempts = override.Download.Retry.Attempts
	}
	if override.Download.Retry.Backoff != 0 {
		c.Download.Retry.Backoff = override.Download.Retry.Backoff
	}
	if override.Download.Retry.MaxBackoff != 0 {
		c.Download.Retry.MaxBackoff = override.Download.Retry.MaxBackoff
	}

	if override.Upload.Backend != "" {
		c.Upload.Backend = override.Upload.Backend
	}
	if override.Upload.BucketURL != "" {
		c.Upload.BucketURL = override.Upload.BucketURL
	}
	if override.Upload.Endpoint != "" {
		c.Upload.Endpoint = override.Upload.Endpoint
	}
	if override.Upload.Region != "" {
		c.Upload.Region = override.Upload.Region
	}
	if override.Upload.PartSize != 0 {
		c.Upload.PartSize = override.Upload.PartSize
	}
	if override.Upload.MaxConcurrentParts != 0 {
		c.Upload.MaxConcurrentParts = override.Upload.MaxConcurrentParts
	}
	if override.Upload.MultipartThreshold != 0 {
		c.Upload.MultipartThreshold = override.Upload.MultipartThreshold
	}

	if override.Server.Addr != "" {
		c.Server.Addr = override.Server.Addr
	}
	if override.Events.NATSURL != "" {
		c.Events.NATSURL = override.Events.NATSURL
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	return c
}

// ByteSize is a byte count written as a human string such as "16MiB" in YAML
// and the environment.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.Decode(value.Value)
}

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return progress.FormatBytes(int64(b))
}
