package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/recall/config"
	"github.com/goclaw/recall/pkg/api"
	"github.com/goclaw/recall/pkg/api/events"
	"github.com/goclaw/recall/pkg/api/handlers"
	"github.com/goclaw/recall/pkg/chat"
	"github.com/goclaw/recall/pkg/digest"
	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/metrics"
	"github.com/goclaw/recall/pkg/reasoning"
	"github.com/goclaw/recall/pkg/reflection"
	"github.com/goclaw/recall/pkg/state"
)

// app owns every long-lived component and tears them down in reverse order.
type app struct {
	cfg *config.Config
	log logger.Logger

	db          *badger.DB
	redis       redis.UniversalClient
	store       memory.Store
	embedder    embedding.Embedder
	purger      *memory.Purger
	buffer      *live.Buffer
	scheduler   *digest.Scheduler
	engine      *reflection.Engine
	broadcaster *events.Broadcaster
	websocket   *handlers.WebSocketHandler
	metrics     *metrics.Manager
	server      *api.HTTPServer

	closers []func() error
}

func newApp(cfg *config.Config, log logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:                   cfg.Metrics.Enabled,
		Port:                      cfg.Metrics.Port,
		Path:                      cfg.Metrics.Path,
		DigestDurationBuckets:     metrics.DefaultConfig().DigestDurationBuckets,
		ReflectionDurationBuckets: metrics.DefaultConfig().ReflectionDurationBuckets,
		HTTPDurationBuckets:       metrics.DefaultConfig().HTTPDurationBuckets,
	})

	if err := a.openStorage(); err != nil {
		return nil, err
	}
	if err := a.openEmbedder(); err != nil {
		return nil, err
	}

	dedup := memory.NewDeduplicator(a.store, a.embedder,
		memory.WithThreshold(cfg.Memory.DedupThreshold),
		memory.WithCandidates(cfg.Memory.DedupCandidates),
		memory.WithStoreTimeout(cfg.Memory.StoreTimeout),
		memory.WithDedupLogger(log),
		memory.WithDedupObserver(a.metrics),
	)
	a.purger = memory.NewPurger(a.store, cfg.Memory.PurgeInterval, log,
		memory.WithPurgeObserver(a.metrics),
		memory.WithPurgeTimeout(cfg.Memory.StoreTimeout),
	)
	kv := a.stateStore()
	a.buffer = live.NewBuffer(a.store, a.embedder,
		live.WithStoreTimeout(cfg.Memory.StoreTimeout),
		live.WithLogger(log),
		live.WithStateStore(kv),
	)

	oracle, err := newOracle(cfg.Reasoning)
	if err != nil {
		return nil, err
	}
	poster, err := newPoster(cfg.Chat, log)
	if err != nil {
		return nil, err
	}

	a.broadcaster = events.NewBroadcaster()
	a.closers = append(a.closers, func() error { a.broadcaster.Close(); return nil })

	a.scheduler = digest.NewScheduler(a.buffer, dedup, oracle, digest.NewStateStore(kv), digest.Config{
		Hours:    cfg.Digest.Hours,
		Location: cfg.Digest.Location(),
		Interval: cfg.Digest.Interval,
		Timeout:  cfg.Digest.Timeout,
	},
		digest.WithLogger(log),
		digest.WithObserver(a.metrics),
		digest.WithPublisher(a.broadcaster),
	)

	a.engine = reflection.NewEngine(a.store, a.buffer, oracle, poster, reflection.Config{
		AssistantID:    cfg.Reflection.AssistantID,
		DefaultRoom:    cfg.Reflection.DefaultRoom,
		Hours:          cfg.Reflection.Hours,
		Location:       cfg.Reflection.Location(),
		Cooldown:       cfg.Reflection.Cooldown,
		MaxPerDay:      cfg.Reflection.MaxPerDay,
		HistorySize:    cfg.Reflection.HistorySize,
		FactsK:         cfg.Reflection.FactsK,
		SelfK:          cfg.Reflection.SelfK,
		RecentActivity: cfg.Reflection.RecentActivity,
		StoreTimeout:   cfg.Memory.StoreTimeout,
		DecideTimeout:  cfg.Reasoning.Timeout,
	},
		reflection.WithLogger(log),
		reflection.WithPublisher(a.broadcaster),
		reflection.WithObserver(a.metrics),
		reflection.WithEmbedder(a.embedder),
		reflection.WithStateStore(kv),
	)
	a.engine.SetEnabled(cfg.Reflection.Enabled)

	for _, p := range memory.Partitions {
		p := p
		if err := a.metrics.RegisterPartitionGauge(string(p), func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Memory.StoreTimeout)
			defer cancel()
			n, err := a.store.Count(ctx, p)
			if err != nil {
				return 0
			}
			return float64(n)
		}); err != nil {
			return nil, fmt.Errorf("register %s gauge: %w", p, err)
		}
	}

	if cfg.Server.WebSocket.Enabled {
		a.websocket = handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			Snapshot:       func() any { return a.engine.Status() },
		})
		a.websocket.Forward(a.broadcaster)
		a.closers = append(a.closers, func() error { a.websocket.Close(); return nil })
	}

	a.server = api.NewHTTPServer(cfg, log, &api.Handlers{
		Health:     handlers.NewHealthHandler(a.readinessChecks(), a.status),
		Memory:     handlers.NewMemoryHandler(a.store, dedup, a.purger, a.broadcaster, log),
		Live:       handlers.NewLiveHandler(a.buffer, a.broadcaster, log),
		Digest:     handlers.NewDigestHandler(a.scheduler, log),
		Reflection: handlers.NewReflectionHandler(a.engine, log),
		WebSocket:  a.websocket,
		Metrics:    a.metrics,
	})
	return a, nil
}

// openStorage opens the memory store and, when either the store or the
// service state lives in Badger, the shared database.
func (a *app) openStorage() error {
	cfg := a.cfg.Storage
	if cfg.Type == "badger" || cfg.StateBackend == "badger" {
		db, err := memory.OpenBadgerDB(memory.BadgerConfig{
			Path:             cfg.Badger.Path,
			SyncWrites:       cfg.Badger.SyncWrites,
			ValueLogFileSize: cfg.Badger.ValueLogFileSize,
		})
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		a.log.Info("opened badger database", "path", cfg.Badger.Path)
	}

	opts := memory.Options{Dimension: a.cfg.Memory.Dimension}
	switch cfg.Type {
	case "badger":
		store, err := memory.NewBadgerStore(a.db, opts)
		if err != nil {
			return fmt.Errorf("load memory store: %w", err)
		}
		a.store = store
	default:
		a.store = memory.NewMemStore(opts)
		a.log.Warn("using in-memory store; memories are lost on restart")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// openEmbedder builds provider -> rate limit -> cache.
func (a *app) openEmbedder() error {
	cfg := a.cfg.Embedding
	var emb embedding.Embedder
	switch cfg.Provider {
	case "openai":
		o, err := embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return err
		}
		emb = o
		if cfg.RateLimit > 0 {
			emb = embedding.NewRateLimited(emb, cfg.RateLimit, cfg.RateBurst)
		}
	default:
		emb = embedding.NewHashEmbedder(cfg.Dimensions)
	}

	if cfg.CacheSize > 0 {
		cached, err := embedding.NewCached(emb, cfg.CacheSize)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { cached.Close(); return nil })
		emb = cached
	}
	a.embedder = emb
	return nil
}

// stateStore holds the last digest time, the reflection rate window and the
// last speaker per room.
func (a *app) stateStore() state.Store {
	cfg := a.cfg.Storage
	if cfg.StateBackend != "redis" {
		return state.NewBadgerStore(a.db)
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Address},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.redis.Close)
	return state.NewRedisStore(a.redis, cfg.Redis.KeyPrefix)
}

func newOracle(cfg config.ReasoningConfig) (interface {
	reasoning.Extractor
	reasoning.Decider
}, error) {
	if cfg.Provider != "anthropic" {
		return reasoning.NewStaticOracle(), nil
	}
	o, err := reasoning.NewAnthropicOracle(reasoning.AnthropicConfig{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: int64(cfg.MaxTokens),
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func newPoster(cfg config.ChatConfig, log logger.Logger) (chat.Poster, error) {
	if cfg.WebhookURL == "" {
		return chat.NewLogPoster(log), nil
	}
	return chat.NewWebhookPoster(chat.WebhookConfig{URL: cfg.WebhookURL, Timeout: cfg.Timeout}, log)
}

func (a *app) readinessChecks() map[string]handlers.ReadinessCheck {
	checks := map[string]handlers.ReadinessCheck{
		"store": func(ctx context.Context) error {
			_, err := a.store.Count(ctx, memory.Facts)
			return err
		},
	}
	if a.redis != nil {
		checks["state"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (a *app) status(ctx context.Context) map[string]any {
	return map[string]any{
		"digest":     a.scheduler.Status(ctx),
		"reflection": a.engine.Status(),
		"websocket":  a.connections(),
	}
}

func (a *app) connections() int {
	if a.websocket == nil {
		return 0
	}
	return a.websocket.Connections()
}

// start launches the background loops. The HTTP server is started by the caller.
func (a *app) start(ctx context.Context) {
	a.purger.Start(ctx)
	if a.cfg.Digest.Enabled {
		a.scheduler.Start(ctx)
	}
	a.engine.Start(ctx)
}

// applyReload pushes hot-reloadable settings into running components.
func (a *app) applyReload(cfg *config.Config) {
	hot := config.ExtractHotReloadable(cfg)
	if !hot.Changed(config.ExtractHotReloadable(a.cfg)) {
		return
	}
	a.log.SetLevel(logger.ParseLevel(hot.LogLevel))
	a.engine.SetLimits(hot.ReflectionCooldown, hot.ReflectionMaxPerDay)
	a.engine.SetEnabled(hot.ReflectionEnabled)
	a.cfg.Log.Level = hot.LogLevel
	a.cfg.Reflection.Cooldown = hot.ReflectionCooldown
	a.cfg.Reflection.MaxPerDay = hot.ReflectionMaxPerDay
	a.cfg.Reflection.Enabled = hot.ReflectionEnabled
	a.log.Info("configuration reloaded",
		"log_level", hot.LogLevel,
		"reflection_enabled", hot.ReflectionEnabled,
		"cooldown", hot.ReflectionCooldown,
		"max_per_day", hot.ReflectionMaxPerDay,
	)
}

// shutdown stops the server first so no request races the loops going away.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	a.engine.Stop()
	a.scheduler.Stop()
	a.purger.Stop()
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// waitReady polls fn until it succeeds or timeout elapses.
func waitReady(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
}
