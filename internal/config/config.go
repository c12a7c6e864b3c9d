// Package config loads the server and CLI configuration from defaults,
// an optional YAML file, .env, environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g. SINGWITHME_SERVER_ADDR
const EnvPrefix = "SINGWITHME"

// Config is the complete configuration of a singwithme process
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Jobs          JobsConfig          `mapstructure:"jobs" yaml:"jobs"`
	Separation    SeparationConfig    `mapstructure:"separation" yaml:"separation"`
	Transcription TranscriptionConfig `mapstructure:"transcription" yaml:"transcription"`
	Audio         AudioConfig         `mapstructure:"audio" yaml:"audio"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts" yaml:"artifacts"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Auth          AuthConfig          `mapstructure:"auth" yaml:"auth"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	PublicURL        string        `mapstructure:"public_url" yaml:"public_url"` // base of artifact URLs
	UploadDir        string        `mapstructure:"upload_dir" yaml:"upload_dir"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	MinFreeDiskBytes uint64        `mapstructure:"min_free_disk_bytes" yaml:"min_free_disk_bytes"`
	CORSOrigins      []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	UploadRateLimit  float64       `mapstructure:"upload_rate_limit" yaml:"upload_rate_limit"` // uploads per second per client IP
	UploadRateBurst  int           `mapstructure:"upload_rate_burst" yaml:"upload_rate_burst"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLS              TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile     string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile      string `mapstructure:"key_file" yaml:"key_file"`
	AutoGenerate bool   `mapstructure:"auto_generate" yaml:"auto_generate"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"` // memory, sqlite or postgres
	Path            string        `mapstructure:"path" yaml:"path"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type JobsConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	StageTimeout time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	OutputDir    string        `mapstructure:"output_dir" yaml:"output_dir"`
}

type SeparationConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count"`
}

type TranscriptionConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AudioConfig struct {
	Normalize  bool   `mapstructure:"normalize" yaml:"normalize"`
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
}

type ArtifactsConfig struct {
	Backend string   `mapstructure:"backend" yaml:"backend"` // local or s3
	S3      S3Config `mapstructure:"s3" yaml:"s3"`
}

type S3Config struct {
	Bucket          string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	Region          string        `mapstructure:"region" yaml:"region"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	URLExpiry       time.Duration `mapstructure:"url_expiry" yaml:"url_expiry"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"` // also write to <dir>/server.log when set
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// SetDefaults registers every key so environment variables can override any of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.public_url", "http://localhost:8000")
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.max_upload_bytes", 100<<20)
	v.SetDefault("server.min_free_disk_bytes", 512<<20)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.upload_rate_limit", 1.0)
	v.SetDefault("server.upload_rate_burst", 5)
	v.SetDefault("server.read_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "certs/server.crt")
	v.SetDefault("server.tls.key_file", "certs/server.key")
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "singwithme.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 32)
	v.SetDefault("jobs.stage_timeout", 10*time.Minute)
	v.SetDefault("jobs.output_dir", "outputs")

	v.SetDefault("separation.url", "http://localhost:5000")
	v.SetDefault("separation.timeout", 10*time.Minute)
	v.SetDefault("separation.retry_count", 2)

	v.SetDefault("transcription.url", "https://api.openai.com/v1")
	v.SetDefault("transcription.api_key", "")
	v.SetDefault("transcription.model", "whisper-1")
	v.SetDefault("transcription.timeout", 10*time.Minute)

	v.SetDefault("audio.normalize", true)
	v.SetDefault("audio.ffmpeg_path", "ffmpeg")

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.url_expiry", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "singwithme")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("auth.api_key", "")
}

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Prepare wires defaults, environment binding and the config file into v.
// An empty cfgFile searches ./singwithme.yaml and $HOME/.singwithme/config.yaml.
func Prepare(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// names used by the original deployment and the OpenAI tooling
	_ = v.BindEnv("transcription.api_key", EnvPrefix+"_TRANSCRIPTION_API_KEY", "OPENAI_API_KEY", "OPEN_AI_API_KEY")
	_ = v.BindEnv("auth.api_key", EnvPrefix+"_AUTH_API_KEY", EnvPrefix+"_API_KEY")

	if cfgFile == "" {
		cfgFile = findConfigFile()
	}
	if cfgFile == "" {
		return nil
	}

	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"singwithme.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".singwithme", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Load decodes the prepared viper instance into a validated Config
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable settings and clamps out-of-range numbers
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported store.type %q (want memory, sqlite or postgres)", c.Store.Type)
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql") && c.Store.DSN == "" {
		return errors.New("store.dsn is required for postgres")
	}

	switch c.Artifacts.Backend {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return errors.New("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported artifacts.backend %q (want local or s3)", c.Artifacts.Backend)
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	if c.Jobs.Workers < 1 {
		c.Jobs.Workers = 1
	}
	if c.Jobs.QueueSize < 1 {
		c.Jobs.QueueSize = 1
	}
	if c.Jobs.StageTimeout < 0 {
		c.Jobs.StageTimeout = 0
	}
	if c.Separation.RetryCount < 0 {
		c.Separation.RetryCount = 0
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 100 << 20
	}
	if c.Server.UploadRateBurst < 1 {
		c.Server.UploadRateBurst = 1
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	return nil
}

// Redacted returns a copy with secrets masked, for display
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Transcription.APIKey = mask(c.Transcription.APIKey)
	c.Auth.APIKey = mask(c.Auth.APIKey)
	c.Artifacts.S3.SecretAccessKey = mask(c.Artifacts.S3.SecretAccessKey)
	if c.Store.DSN != "" {
		c.Store.DSN = mask(c.Store.DSN)
	}
	c.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return c
}

// WriteYAML writes the redacted configuration as YAML
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return err
	}
	return enc.Close()
}
