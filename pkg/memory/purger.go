package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goclaw/recall/pkg/logger"
)

// PurgeObserver receives the outcome of every partition sweep.
type PurgeObserver interface {
	ObservePurge(partition string, removed int, err error)
}

// Purger periodically deletes expired records from every partition.
type Purger struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
	log      logger.Logger
	observer PurgeObserver

	mu      sync.Mutex // serialises sweeps
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// PurgerOption configures a Purger.
type PurgerOption func(*Purger)

// WithPurgeClock overrides time.Now.
func WithPurgeClock(clock func() time.Time) PurgerOption {
	return func(p *Purger) { p.clock = clock }
}

// WithPurgeObserver reports sweep results, typically to metrics.
func WithPurgeObserver(o PurgeObserver) PurgerOption {
	return func(p *Purger) { p.observer = o }
}

// WithPurgeTimeout bounds each partition sweep.
func WithPurgeTimeout(d time.Duration) PurgerOption {
	return func(p *Purger) { p.timeout = d }
}

// NewPurger creates a purger running every interval (one hour when zero).
func NewPurger(store Store, interval time.Duration, log logger.Logger, opts ...PurgerOption) *Purger {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Purger{
		store:    store,
		interval: interval,
		timeout:  5 * time.Second,
		clock:    time.Now,
		log:      log.With("component", "ttl_purger"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PurgeExpired removes expired records from every partition and returns the
// number removed per partition. A failing partition is logged and skipped.
// Running it twice in a row removes nothing the second time.
func (p *Purger) PurgeExpired(ctx context.Context) (map[Partition]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	removed := make(map[Partition]int, len(Partitions))
	var errs []error

	for _, part := range Partitions {
		sweepCtx, cancel := context.WithTimeout(ctx, p.timeout)
		n, err := p.store.DeleteExpired(sweepCtx, part, now)
		cancel()

		if p.observer != nil {
			p.observer.ObservePurge(string(part), n, err)
		}
		if err != nil {
			p.log.WarnContext(ctx, "purge failed", "partition", part, "error", err)
			errs = append(errs, err)
			continue
		}
		removed[part] = n
		if n > 0 {
			p.log.InfoContext(ctx, "purged expired records", "partition", part, "removed", n)
		}
	}
	return removed, errors.Join(errs...)
}

// Start runs PurgeExpired immediately and then every interval until Stop.
func (p *Purger) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.sweep(ctx)
		for {
			select {
			case <-ticker.C:
				p.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Purger) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("purge panicked", "panic", r)
		}
	}()
	_, _ = p.PurgeExpired(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
}
