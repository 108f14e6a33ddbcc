package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/recall/pkg/logger"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func newTestWatcher(t *testing.T, content string, opts ...WatcherOption) (*Watcher, string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, content)

	opts = append([]WatcherOption{WithWatcherLogger(logger.Nop())}, opts...)
	w, err := NewWatcher(configPath, NewLoader(), opts...)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, configPath
}

func TestNewWatcher(t *testing.T) {
	if _, err := NewWatcher("", nil); err == nil {
		t.Fatal("expected error for empty config path")
	}

	w, path := newTestWatcher(t, "app:\n  name: test\n", WithDebounce(100*time.Millisecond))
	if w.ConfigPath() != path {
		t.Errorf("expected config path %s, got %s", path, w.ConfigPath())
	}
	if w.debounce != 100*time.Millisecond {
		t.Errorf("expected debounce 100ms, got %v", w.debounce)
	}
}

func TestWatcher_DetectsChanges(t *testing.T) {
	w, path := newTestWatcher(t, "reflection:\n  max_per_day: 5\n", WithDebounce(50*time.Millisecond))

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, "reflection:\n  max_per_day: 2\n  cooldown: 10m\n")

	select {
	case cfg := <-got:
		if cfg.Reflection.MaxPerDay != 2 {
			t.Errorf("expected max_per_day 2, got %d", cfg.Reflection.MaxPerDay)
		}
		if cfg.Reflection.Cooldown != 10*time.Minute {
			t.Errorf("expected cooldown 10m, got %v", cfg.Reflection.Cooldown)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not invoked after config change")
	}
}

func TestWatcher_InvalidReloadSkipsCallbacks(t *testing.T) {
	w, path := newTestWatcher(t, "app:\n  name: test\n")

	var calls int
	w.OnChange(func(*Config) { calls++ })

	writeConfig(t, path, "log:\n  level: loud\n")
	w.reload()
	if calls != 0 {
		t.Errorf("invalid config must not reach callbacks, got %d calls", calls)
	}

	writeConfig(t, path, "log:\n  level: debug\n")
	w.reload()
	if calls != 1 {
		t.Errorf("expected 1 call after valid reload, got %d", calls)
	}
}

func TestWatcher_OnChangeOrderAndPanic(t *testing.T) {
	w, _ := newTestWatcher(t, "app:\n  name: test\n", WithOverrides(map[string]interface{}{"server.port": 7000}))

	var mu sync.Mutex
	var order []int
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		order = append(order, cfg.Server.Port)
		mu.Unlock()
	})
	w.OnChange(func(*Config) { panic("boom") })
	w.OnChange(func(*Config) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	w.reload()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 7000 || order[1] != 3 {
		t.Errorf("unexpected callback order: %v", order)
	}
}

func TestWatcher_StopAndCancel(t *testing.T) {
	w, _ := newTestWatcher(t, "app:\n  name: test\n")

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := w.Watch(context.Background()); err == nil {
		t.Error("expected error when starting a second watch")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_NonExistentDir(t *testing.T) {
	w, err := NewWatcher("/nonexistent/config.yaml", nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if err := w.Watch(context.Background()); err == nil {
		t.Error("expected error when watching a missing directory")
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	base := ExtractHotReloadable(cfg)

	if base.ReflectionMaxPerDay != 5 || base.ReflectionCooldown != 30*time.Minute {
		t.Errorf("unexpected extract: %+v", base)
	}
	if base.Changed(ExtractHotReloadable(cfg)) {
		t.Error("identical configs reported as changed")
	}

	cfg.Log.Level = "debug"
	if !base.Changed(ExtractHotReloadable(cfg)) {
		t.Error("log level change not detected")
	}
}
