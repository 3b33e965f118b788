// Package config loads the service configuration.
//
// Precedence, highest first: runtime overrides (CLI flags), environment
// variables, config file, built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the effective service configuration.
type Config struct {
	Server     ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Health     HealthConfig  `mapstructure:"health" yaml:"health"`
	Metrics    MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Worker     WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	UploadsDir string        `mapstructure:"uploads_dir" yaml:"uploads_dir"`
	Jobs       JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Storage    StorageConfig `mapstructure:"storage" yaml:"storage"`
	Profile    ProfileConfig `mapstructure:"profile" yaml:"profile"`
	Events     EventsConfig  `mapstructure:"events" yaml:"events"`
	Fetch      FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// SubmitRate is the sustained job submissions per second across all
	// clients. Zero disables limiting.
	SubmitRate  float64 `mapstructure:"submit_rate" yaml:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst" yaml:"submit_burst"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// MetricsConfig controls the Prometheus exporter. It listens on
// server.host at Port.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// WorkerConfig is the generation process contract.
type WorkerConfig struct {
	Python         string        `mapstructure:"python" yaml:"python"`
	Script         string        `mapstructure:"script" yaml:"script"`
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	Env            []string      `mapstructure:"env" yaml:"env"`
	OutputDir      string        `mapstructure:"output_dir" yaml:"output_dir"`
	ArtifactSuffix string        `mapstructure:"artifact_suffix" yaml:"artifact_suffix"`
	ArtifactGlob   string        `mapstructure:"artifact_glob" yaml:"artifact_glob"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// Job store backends.
const (
	JobsBackendMemory = "memory"
	JobsBackendRedis  = "redis"
)

type JobsConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
	Redis           RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// Storage backends.
const (
	StorageBackendS3    = "s3"
	StorageBackendMinio = "minio"
	StorageBackendFile  = "file"
)

type StorageConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Folder  string      `mapstructure:"folder" yaml:"folder"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
	Minio   MinioConfig `mapstructure:"minio" yaml:"minio"`
	File    FileConfig  `mapstructure:"file" yaml:"file"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
	PublicBaseURL   string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

type MinioConfig struct {
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Region        string `mapstructure:"region" yaml:"region"`
	Secure        bool   `mapstructure:"secure" yaml:"secure"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

type FileConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// Profile backends.
const (
	ProfileBackendNone     = "none"
	ProfileBackendSQLite   = "sqlite"
	ProfileBackendPostgres = "postgres"
)

type ProfileConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Event backends.
const (
	EventsBackendNone = "none"
	EventsBackendAMQP = "amqp"
)

type EventsConfig struct {
	Backend string     `mapstructure:"backend" yaml:"backend"`
	AMQP    AMQPConfig `mapstructure:"amqp" yaml:"amqp"`
}

type AMQPConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Exchange   string `mapstructure:"exchange" yaml:"exchange"`
	RoutingKey string `mapstructure:"routing_key" yaml:"routing_key"`
}

type FetchConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// ValidationError names the offending key.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

func invalid(key, format string, args ...any) error {
	return &ValidationError{Key: key, Message: fmt.Sprintf(format, args...)}
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(key, "must be one of %s, got %q", strings.Join(allowed, "|"), value)
}

// Validate checks ranges and backend requirements.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be within 0-65535, got %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port", "must be within 0-65535, got %d", c.Metrics.Port)
	}
	if c.Server.SubmitRate < 0 {
		return invalid("server.submit_rate", "must be >= 0")
	}
	if c.Server.SubmitRate > 0 && c.Server.SubmitBurst < 1 {
		return invalid("server.submit_burst", "must be >= 1 when submit_rate is set")
	}
	if err := oneOf("logging.profile", strings.ToUpper(c.Logging.Profile), "STRUCTURED", "CONSOLE"); err != nil {
		return err
	}

	if strings.TrimSpace(c.Worker.Python) == "" {
		return invalid("worker.python", "is required")
	}
	if c.Worker.Timeout < 0 {
		return invalid("worker.timeout", "must be >= 0")
	}
	if c.Worker.MaxConcurrent < 0 {
		return invalid("worker.max_concurrent", "must be >= 0")
	}

	if err := oneOf("jobs.backend", c.Jobs.Backend, JobsBackendMemory, JobsBackendRedis); err != nil {
		return err
	}
	if c.Jobs.Backend == JobsBackendRedis && c.Jobs.Redis.Addr == "" {
		return invalid("jobs.redis.addr", "is required for the redis backend")
	}
	if c.Jobs.Retention < 0 {
		return invalid("jobs.retention", "must be >= 0")
	}

	if err := oneOf("storage.backend", c.Storage.Backend, StorageBackendS3, StorageBackendMinio, StorageBackendFile); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket", "is required for the s3 backend")
		}
	case StorageBackendMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return invalid("storage.minio", "endpoint and bucket are required for the minio backend")
		}
	case StorageBackendFile:
		if c.Storage.File.Dir == "" {
			return invalid("storage.file.dir", "is required for the file backend")
		}
	}

	if err := oneOf("profile.backend", c.Profile.Backend, ProfileBackendNone, ProfileBackendSQLite, ProfileBackendPostgres); err != nil {
		return err
	}
	if c.Profile.Backend == ProfileBackendSQLite && c.Profile.SQLite.Path == "" {
		return invalid("profile.sqlite.path", "is required for the sqlite backend")
	}
	if c.Profile.Backend == ProfileBackendPostgres && c.Profile.Postgres.DSN == "" {
		return invalid("profile.postgres.dsn", "is required for the postgres backend")
	}

	if err := oneOf("events.backend", c.Events.Backend, EventsBackendNone, EventsBackendAMQP); err != nil {
		return err
	}
	if c.Events.Backend == EventsBackendAMQP && c.Events.AMQP.URL == "" {
		return invalid("events.amqp.url", "is required for the amqp backend")
	}

	if c.Fetch.MaxBytes < 0 {
		return invalid("fetch.max_bytes", "must be >= 0")
	}
	return nil
}
