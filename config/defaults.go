package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "recall",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  60 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type:         "badger",
			StateBackend: "badger",
			Badger: BadgerConfig{
				Path:             "./data/recall",
				SyncWrites:       true,
				ValueLogFileSize: 256 << 20, // 256MB
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "recall:",
			},
		},
		Memory: MemoryConfig{
			Dimension:       0,
			DedupThreshold:  0.85,
			DedupCandidates: 5,
			PurgeInterval:   time.Hour,
			StoreTimeout:    5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "text-embedding-3-small",
			Dimensions: 384,
			Timeout:    10 * time.Second,
			RateLimit:  20,
			RateBurst:  5,
			CacheSize:  4096,
		},
		Reasoning: ReasoningConfig{
			Provider:  "static",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
			Timeout:   15 * time.Second,
		},
		Digest: DigestConfig{
			Enabled:  true,
			Hours:    []int{0, 4, 8, 12, 16, 20},
			Timezone: "UTC",
			Interval: 4 * time.Hour,
			Timeout:  15 * time.Second,
		},
		Reflection: ReflectionConfig{
			Enabled:        true,
			Hours:          []int{0, 3, 6, 9, 12, 15, 18, 21},
			Timezone:       "UTC",
			Cooldown:       30 * time.Minute,
			MaxPerDay:      5,
			HistorySize:    50,
			AssistantID:    "assistant",
			DefaultRoom:    "general",
			FactsK:         5,
			SelfK:          5,
			RecentActivity: 20,
		},
		Chat: ChatConfig{
			Timeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
			Timeout:    5 * time.Second,
		},
	}
}
