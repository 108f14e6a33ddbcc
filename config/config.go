// Package config provides configuration management for recall.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for recall.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Memory holds vector memory tuning.
	Memory MemoryConfig `mapstructure:"memory"`

	// Embedding is the embedding collaborator configuration.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Reasoning is the reasoning collaborator configuration.
	Reasoning ReasoningConfig `mapstructure:"reasoning"`

	// Digest controls the live buffer consolidation schedule.
	Digest DigestConfig `mapstructure:"digest"`

	// Reflection controls proactive messaging.
	Reflection ReflectionConfig `mapstructure:"reflection"`

	// Chat is the outbound chat posting configuration.
	Chat ChatConfig `mapstructure:"chat"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// WebSocket configures the event stream.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// WebSocketConfig holds event stream settings.
type WebSocketConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxConnections int  `mapstructure:"max_connections" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the memory store backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// StateBackend is where scheduler state such as the last digest time lives.
	StateBackend string `mapstructure:"state_backend" validate:"oneof=badger redis"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces every key written by recall.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MemoryConfig holds vector memory settings.
type MemoryConfig struct {
	// Dimension is the vector size; 0 infers it from the first record of a partition.
	Dimension int `mapstructure:"dimension" validate:"min=0"`

	// DedupThreshold is the similarity at or above which a new fact replaces its neighbour.
	DedupThreshold float64 `mapstructure:"dedup_threshold" validate:"gt=0,lte=1"`

	// DedupCandidates is how many neighbours are inspected before a write.
	DedupCandidates int `mapstructure:"dedup_candidates" validate:"min=1,max=5"`

	// PurgeInterval is how often expired records are removed.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`

	// StoreTimeout bounds a single store call.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedder (openai, hash). hash is lexical only and
	// meant for development and tests; production requires openai.
	Provider string `mapstructure:"provider" validate:"oneof=openai hash"`

	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// Dimensions is the requested vector size.
	Dimensions int `mapstructure:"dimensions" validate:"min=1"`

	// Timeout bounds a single embedding call.
	Timeout time.Duration `mapstructure:"timeout"`

	// RateLimit is the number of embedding calls per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`

	// CacheSize is the number of cached vectors; 0 disables the cache.
	CacheSize int64 `mapstructure:"cache_size" validate:"min=0"`
}

// ReasoningConfig holds reasoning provider settings.
type ReasoningConfig struct {
	// Provider selects the oracle (anthropic, static).
	Provider string `mapstructure:"provider" validate:"oneof=anthropic static"`

	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens" validate:"min=1"`

	// Timeout bounds a single reasoning call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DigestConfig holds the consolidation schedule.
type DigestConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Hours are the local wall-clock hours at which a digest fires.
	Hours []int `mapstructure:"hours" validate:"required,dive,min=0,max=23"`

	// Timezone is an IANA zone name used for Hours.
	Timezone string `mapstructure:"timezone" validate:"tzname"`

	// Interval is the nominal spacing of Hours; a startup catch-up fires when the
	// last digest is older than this.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds the extraction call of a run. It may not exceed
	// reasoning.timeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReflectionConfig holds proactive messaging settings.
type ReflectionConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Hours are the local wall-clock hours at which a reflection fires.
	Hours []int `mapstructure:"hours" validate:"required,dive,min=0,max=23"`

	// Timezone is used both for Hours and for the daily message reset.
	Timezone string `mapstructure:"timezone" validate:"tzname"`

	// Cooldown is the minimum gap between two proactive messages.
	Cooldown time.Duration `mapstructure:"cooldown"`

	// MaxPerDay caps proactive messages per local day.
	MaxPerDay int `mapstructure:"max_per_day" validate:"min=1"`

	// HistorySize is the number of reflections retained for inspection.
	HistorySize int `mapstructure:"history_size" validate:"min=1"`

	// AssistantID is the author id the assistant posts under.
	AssistantID string `mapstructure:"assistant_id" validate:"required"`

	// DefaultRoom is the room scheduled reflections target.
	DefaultRoom string `mapstructure:"default_room"`

	FactsK         int `mapstructure:"facts_k" validate:"min=1"`
	SelfK          int `mapstructure:"self_k" validate:"min=1"`
	RecentActivity int `mapstructure:"recent_activity" validate:"min=1"`
}

// ChatConfig holds outbound posting settings.
type ChatConfig struct {
	// WebhookURL receives proactive messages; empty logs them instead.
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the tracing backend (otlp).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Sampler is one of always_on, always_off, parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type)
}
