// Package config provides configuration management for vodproxy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
// Example: VODPROXY_SERVER_PORT=8080.
const EnvPrefix = "VODPROXY"

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerReadTimeout   = 30 * time.Second
	defaultServerIdleTimeout   = 120 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultSignedURLTTL        = time.Hour
	defaultMediaSourceTimeout  = 15 * time.Second
	defaultRelayChunkSize      = 8 * 1024
	defaultMaxManifestSize     = 1 << 20
	defaultTranscodeTimeout    = 2 * time.Hour
	defaultMaxConcurrentJobs   = 2
	defaultThumbnailOffset     = 3 * time.Second
	defaultThumbnailWidth      = 640
	defaultSegmentSeconds      = 6
	defaultLockTTL             = 3 * time.Hour
	defaultCleanupMaxAge       = 7 * 24 * time.Hour
	defaultCleanupSchedule     = "0 0 * * * *"
	defaultEventsTopic         = "vodproxy.videos"
	defaultMinioBucket         = "originals"
	defaultAdminRole           = "admin"
	defaultAuthCookie          = "JWT"
	defaultCircuitThreshold    = 5
	defaultCircuitResetTimeout = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Signing     SigningConfig     `mapstructure:"signing"`
	MediaSource MediaSourceConfig `mapstructure:"media_source"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Transcode   TranscodeConfig   `mapstructure:"transcode"`
	Lock        LockConfig        `mapstructure:"lock"`
	Events      EventsConfig      `mapstructure:"events"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds the whole response. Streams run for as long as the
	// client keeps reading, so the default is 0 (disabled).
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	AddSource      bool   `mapstructure:"add_source"`
	TimeFormat     string `mapstructure:"time_format"`
	RequestLogging bool   `mapstructure:"request_logging"`
}

// AuthConfig holds bearer token verification settings. Tokens are issued
// elsewhere; this service only validates them.
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	AdminRole  string `mapstructure:"admin_role"`
	CookieName string `mapstructure:"cookie_name"`
}

// SigningConfig holds signed playback URL settings.
type SigningConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// MediaSourceConfig selects and configures the upstream media provider.
type MediaSourceConfig struct {
	Type    string        `mapstructure:"type"` // jellyfin, library
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	UserID  string        `mapstructure:"user_id"`
	Timeout time.Duration `mapstructure:"timeout"`

	CircuitThreshold    int           `mapstructure:"circuit_threshold"`
	CircuitResetTimeout time.Duration `mapstructure:"circuit_reset_timeout"`
}

// RelayConfig holds streaming proxy configuration.
type RelayConfig struct {
	ChunkSize       int   `mapstructure:"chunk_size"`
	SignManifests   bool  `mapstructure:"sign_manifests"`
	MaxManifestSize int64 `mapstructure:"max_manifest_size"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	LibraryDir string      `mapstructure:"library_dir"`
	WorkDir    string      `mapstructure:"work_dir"`
	UploadsDir string      `mapstructure:"uploads_dir"` // ingest sources must live here
	Backend    string      `mapstructure:"backend"`     // local, minio
	Minio      MinioConfig `mapstructure:"minio"`
}

// MinioConfig holds S3-compatible object storage settings for originals.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// TranscodeConfig holds ffmpeg pipeline configuration.
type TranscodeConfig struct {
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`  // empty = auto-detect
	FFprobePath     string        `mapstructure:"ffprobe_path"` // empty = auto-detect
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	KeepFailed      bool          `mapstructure:"keep_failed"`
	ThumbnailOffset time.Duration `mapstructure:"thumbnail_offset"`
	ThumbnailWidth  int           `mapstructure:"thumbnail_width"`
	SegmentSeconds  int           `mapstructure:"segment_seconds"`
}

// LockConfig selects the ingestion dedup lock backend.
type LockConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig holds Kafka event publishing settings.
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// CleanupConfig holds the periodic work directory sweep settings.
type CleanupConfig struct {
	Schedule string        `mapstructure:"schedule"` // 6-field cron expression
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// Load reads configuration from file and environment variables and validates it.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation. It backs `config dump`, which must work
// before secrets are provisioned.
func Read(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vodproxy")
		v.AddConfigPath("$HOME/.vodproxy")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", defaultServerIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vodproxy.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_role", defaultAdminRole)
	v.SetDefault("auth.cookie_name", defaultAuthCookie)

	v.SetDefault("signing.secret", "")
	v.SetDefault("signing.ttl", defaultSignedURLTTL)

	v.SetDefault("media_source.type", "jellyfin")
	v.SetDefault("media_source.base_url", "http://localhost:8096")
	v.SetDefault("media_source.api_key", "")
	v.SetDefault("media_source.user_id", "")
	v.SetDefault("media_source.timeout", defaultMediaSourceTimeout)
	v.SetDefault("media_source.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("media_source.circuit_reset_timeout", defaultCircuitResetTimeout)

	v.SetDefault("relay.chunk_size", defaultRelayChunkSize)
	v.SetDefault("relay.sign_manifests", true)
	v.SetDefault("relay.max_manifest_size", defaultMaxManifestSize)

	v.SetDefault("storage.library_dir", "./data/library")
	v.SetDefault("storage.work_dir", "./data/work")
	v.SetDefault("storage.uploads_dir", "./data/uploads")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.bucket", defaultMinioBucket)
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.use_ssl", false)

	v.SetDefault("transcode.ffmpeg_path", "")
	v.SetDefault("transcode.ffprobe_path", "")
	v.SetDefault("transcode.timeout", defaultTranscodeTimeout)
	v.SetDefault("transcode.max_concurrent", defaultMaxConcurrentJobs)
	v.SetDefault("transcode.keep_failed", false)
	v.SetDefault("transcode.thumbnail_offset", defaultThumbnailOffset)
	v.SetDefault("transcode.thumbnail_width", defaultThumbnailWidth)
	v.SetDefault("transcode.segment_seconds", defaultSegmentSeconds)

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", defaultLockTTL)
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.topic", defaultEventsTopic)

	v.SetDefault("cleanup.schedule", defaultCleanupSchedule)
	v.SetDefault("cleanup.max_age", defaultCleanupMaxAge)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Signing.Secret == "" {
		return fmt.Errorf("signing.secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.MediaSource.Type {
	case "jellyfin":
		if c.MediaSource.BaseURL == "" {
			return fmt.Errorf("media_source.base_url is required for jellyfin")
		}
	case "library":
	default:
		return fmt.Errorf("media_source.type must be one of: jellyfin, library")
	}

	if c.Relay.ChunkSize < 1 {
		return fmt.Errorf("relay.chunk_size must be at least 1")
	}

	if c.Storage.LibraryDir == "" || c.Storage.WorkDir == "" || c.Storage.UploadsDir == "" {
		return fmt.Errorf("storage.library_dir, storage.work_dir and storage.uploads_dir are required")
	}
	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for minio")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: local, minio")
	}

	if c.Transcode.MaxConcurrent < 1 {
		return fmt.Errorf("transcode.max_concurrent must be at least 1")
	}
	if c.Transcode.SegmentSeconds < 1 {
		return fmt.Errorf("transcode.segment_seconds must be at least 1")
	}

	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend must be one of: memory, redis")
	}
	if c.Transcode.Timeout > 0 && c.Lock.TTL <= c.Transcode.Timeout {
		return fmt.Errorf("lock.ttl (%s) must exceed transcode.timeout (%s)", c.Lock.TTL, c.Transcode.Timeout)
	}

	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.brokers is required when events are enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
