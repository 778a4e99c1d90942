// Package config resolves runtime settings from defaults, an optional config
// file, a .env file and FIELDQUEUE_* environment variables, in rising order
// of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "FIELDQUEUE"

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileEmbedded     = "embedded"
	ProfileProduction   = "production"
)

const (
	BackendHTTP     = "http"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

const (
	ConnectivityStatic    = "static"
	ConnectivityProbe     = "probe"
	ConnectivityFile      = "file"
	ConnectivityWebSocket = "websocket"
)

type Config struct {
	Profile  string `mapstructure:"profile"`
	StoreDSN string `mapstructure:"store_dsn"`
	DataDir  string `mapstructure:"data_dir"`
	// BlobKey is a hex-encoded 32-byte key. Empty stores blobs in clear.
	BlobKey string `mapstructure:"blob_key"`

	RemoteURL    string        `mapstructure:"remote_url"`
	RemoteToken  string        `mapstructure:"remote_token"`
	DeviceID     string        `mapstructure:"device_id"`
	AgentID      string        `mapstructure:"agent_id"`
	DeviceSecret string        `mapstructure:"device_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`

	RecordsBackend string `mapstructure:"records_backend"`
	RecordsDSN     string `mapstructure:"records_dsn"`

	UploadBackend string `mapstructure:"upload_backend"`
	S3Bucket      string `mapstructure:"s3_bucket"`
	S3Region      string `mapstructure:"s3_region"`
	S3Endpoint    string `mapstructure:"s3_endpoint"`
	S3AccessKey   string `mapstructure:"s3_access_key"`
	S3SecretKey   string `mapstructure:"s3_secret_key"`
	S3PublicURL   string `mapstructure:"s3_public_url"`
	S3PathStyle   bool   `mapstructure:"s3_path_style"`

	Connectivity     string        `mapstructure:"connectivity"`
	ConnectivityURL  string        `mapstructure:"connectivity_url"`
	ConnectivityFile string        `mapstructure:"connectivity_file"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	StartOnline      bool          `mapstructure:"start_online"`

	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	Workers       int           `mapstructure:"workers"`
	BlobGrace     time.Duration `mapstructure:"blob_grace"`
	MaxFileSize   int64         `mapstructure:"max_file_size"`

	SyncInterval time.Duration `mapstructure:"sync_interval"`
	SyncJitter   float64       `mapstructure:"sync_jitter"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// ListenAddr enables the operator API when set.
	ListenAddr      string        `mapstructure:"listen_addr"`
	AdminSecret     string        `mapstructure:"admin_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type LoadOptions struct {
	// ConfigFile is an optional YAML/JSON/TOML file. A missing path is an
	// error; an empty path skips the file.
	ConfigFile string
	// EnvFile defaults to ".env" and is skipped when absent.
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", ProfileEmbedded)
	v.SetDefault("data_dir", ".fieldqueue")
	v.SetDefault("token_ttl", 15*time.Minute)
	v.SetDefault("records_backend", BackendHTTP)
	v.SetDefault("upload_backend", BackendHTTP)
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("connectivity", ConnectivityProbe)
	v.SetDefault("probe_interval", 10*time.Second)
	v.SetDefault("start_online", false)
	v.SetDefault("max_retries", 5)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("max_retry_delay", 5*time.Minute)
	v.SetDefault("call_timeout", 15*time.Second)
	v.SetDefault("workers", 1)
	v.SetDefault("blob_grace", time.Minute)
	v.SetDefault("max_file_size", int64(20<<20))
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("sync_jitter", 0.2)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("rate_limit_max", 30)
	v.SetDefault("rate_limit_window", time.Minute)
}

func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	// AutomaticEnv only answers Get calls, so Unmarshal needs every key bound.
	for _, key := range allKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Profile = strings.ToLower(strings.TrimSpace(cfg.Profile))
	cfg.RecordsBackend = strings.ToLower(strings.TrimSpace(cfg.RecordsBackend))
	cfg.UploadBackend = strings.ToLower(strings.TrimSpace(cfg.UploadBackend))
	cfg.Connectivity = strings.ToLower(strings.TrimSpace(cfg.Connectivity))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var allKeys = []string{
	"profile", "store_dsn", "data_dir", "blob_key",
	"remote_url", "remote_token", "device_id", "agent_id", "device_secret", "token_ttl",
	"records_backend", "records_dsn",
	"upload_backend", "s3_bucket", "s3_region", "s3_endpoint", "s3_access_key", "s3_secret_key", "s3_public_url", "s3_path_style",
	"connectivity", "connectivity_url", "connectivity_file", "probe_interval", "start_online",
	"max_retries", "retry_delay", "max_retry_delay", "call_timeout", "workers", "blob_grace", "max_file_size",
	"sync_interval", "sync_jitter",
	"log_level", "log_format",
	"listen_addr", "admin_secret", "rate_limit_max", "rate_limit_window",
}

func (c Config) Validate() error {
	var problems []error
	switch c.Profile {
	case ProfileMemory, ProfileDurableLocal, ProfileEmbedded:
	case ProfileProduction:
		if strings.TrimSpace(c.StoreDSN) == "" {
			problems = append(problems, errors.New("production profile requires store_dsn"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown profile %q", c.Profile))
	}
	if c.Profile != ProfileMemory && strings.TrimSpace(c.StoreDSN) == "" && strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, errors.New("data_dir is required without store_dsn"))
	}
	if c.BlobKey != "" {
		if _, err := c.BlobKeyBytes(); err != nil {
			problems = append(problems, err)
		}
	}
	if c.DeviceSecret != "" && strings.TrimSpace(c.DeviceID) == "" {
		problems = append(problems, errors.New("device_secret requires device_id"))
	}

	switch c.RecordsBackend {
	case BackendHTTP:
		if strings.TrimSpace(c.RemoteURL) == "" {
			problems = append(problems, errors.New("remote_url is required"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.RecordsDSN) == "" {
			problems = append(problems, errors.New("postgres records backend requires records_dsn"))
		}
		if strings.TrimSpace(c.RemoteURL) == "" {
			problems = append(problems, errors.New("remote_url is required for validation"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown records_backend %q", c.RecordsBackend))
	}
	switch c.UploadBackend {
	case BackendHTTP:
	case BackendS3:
		if strings.TrimSpace(c.S3Bucket) == "" {
			problems = append(problems, errors.New("s3 upload backend requires s3_bucket"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown upload_backend %q", c.UploadBackend))
	}
	switch c.Connectivity {
	case ConnectivityStatic:
	case ConnectivityProbe, ConnectivityWebSocket:
		if strings.TrimSpace(c.ConnectivityURL) == "" && strings.TrimSpace(c.RemoteURL) == "" {
			problems = append(problems, fmt.Errorf("%s connectivity requires connectivity_url", c.Connectivity))
		}
	case ConnectivityFile:
		if strings.TrimSpace(c.ConnectivityFile) == "" {
			problems = append(problems, errors.New("file connectivity requires connectivity_file"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown connectivity %q", c.Connectivity))
	}

	if c.MaxRetries < 0 {
		problems = append(problems, errors.New("max_retries must not be negative"))
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		problems = append(problems, errors.New("retry delays must not be negative"))
	}
	if c.CallTimeout <= 0 {
		problems = append(problems, errors.New("call_timeout must be positive"))
	}
	if c.Workers < 1 {
		problems = append(problems, errors.New("workers must be at least 1"))
	}
	if c.MaxFileSize <= 0 {
		problems = append(problems, errors.New("max_file_size must be positive"))
	}
	if c.SyncInterval <= 0 {
		problems = append(problems, errors.New("sync_interval must be positive"))
	}
	if c.SyncJitter < 0 || c.SyncJitter > 1 {
		problems = append(problems, errors.New("sync_jitter must be within [0, 1]"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if c.RateLimitMax < 0 {
		problems = append(problems, errors.New("rate_limit_max must not be negative"))
	}
	return errors.Join(problems...)
}

// ResolveStoreDSN returns the store DSN for the profile. An explicit
// store_dsn always wins.
func (c Config) ResolveStoreDSN() string {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn
	}
	switch c.Profile {
	case ProfileMemory:
		return "memory://"
	case ProfileDurableLocal:
		return filepath.Join(c.DataDir, "store")
	default:
		return "sqlite://" + filepath.ToSlash(filepath.Join(c.DataDir, "fieldqueue.db"))
	}
}

func (c Config) BlobKeyBytes() ([]byte, error) {
	if c.BlobKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(c.BlobKey))
	if err != nil {
		return nil, fmt.Errorf("blob_key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("blob_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ConnectivityTarget is the URL probed or dialed for connectivity, falling
// back to the remote health endpoint.
func (c Config) ConnectivityTarget() string {
	if target := strings.TrimSpace(c.ConnectivityURL); target != "" {
		return target
	}
	return strings.TrimRight(strings.TrimSpace(c.RemoteURL), "/") + "/healthz"
}
