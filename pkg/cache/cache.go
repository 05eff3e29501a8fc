package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stash/pkg/config"
	"github.com/cuemby/stash/pkg/events"
	"github.com/cuemby/stash/pkg/log"
	"github.com/cuemby/stash/pkg/worker"
	"github.com/rs/zerolog"
)

// stats holds the cache's monotonic counters. Gauges are computed live.
type stats struct {
	readsAttempted     atomic.Uint64
	readsSucceeded     atomic.Uint64
	readsFailedFinal   atomic.Uint64
	readRetriesIssued  atomic.Uint64
	writesAttempted    atomic.Uint64
	writesSucceeded    atomic.Uint64
	writesFailedFinal  atomic.Uint64
	writeRetriesIssued atomic.Uint64
	evictions          atomic.Uint64
	inflightReads      atomic.Int64
	inflightWrites     atomic.Int64
}

// readRequest is one inbound item on the read stage.
type readRequest[K comparable] struct {
	key     K
	refresh bool
}

// Cache is a write-behind, resync-in-background cache. Reads are served
// from the in-memory working copy; updates apply in memory immediately and
// drain to the backing store asynchronously; entries are periodically
// reconciled against the store so external changes become visible.
type Cache[K comparable, V, S, R, W, UE, UI any] struct {
	cfg    *config.Config
	ports  Ports[K, V, S, R, W, UE, UI]
	logger zerolog.Logger
	bus    *events.Bus
	clock  func() time.Time

	mu      sync.Mutex
	entries map[K]*entry[S, W, UI]

	readQ   *itemQueue[readRequest[K]]
	writeQ  *itemQueue[K]
	mainQ   *timedQueue[K]
	returnQ *timedQueue[K]

	readPool  *worker.Pool
	writePool *worker.Pool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	started  atomic.Bool
	stopping atomic.Bool
	stopped  atomic.Bool

	stats stats

	statusMu sync.Mutex
	status   Status
	statusAt time.Time
}

// Option customises a cache instance.
type Option func(*options)

type options struct {
	notifier events.Notifier
	clock    func() time.Time
}

// WithNotifier installs the structured event observer hook. It only fires
// when eventNotificationEnabled is set in the configuration.
func WithNotifier(n events.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// New creates a cache instance from a validated configuration and the user
// adapter ports. Start must be called before use.
func New[K comparable, V, S, R, W, UE, UI any](
	cfg *config.Config,
	ports Ports[K, V, S, R, W, UE, UI],
	opts ...Option,
) (*Cache[K, V, S, R, W, UE, UI], error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if ports == nil {
		return nil, fmt.Errorf("nil ports")
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.WithCache(cfg.CacheName)
	bus := events.NewBus(events.BusConfig{
		Logger:       logger,
		Interval:     cfg.LogThrottleTimeInterval,
		MaxPerWindow: cfg.LogThrottleMaxMessagesOfTypePerTimeInterval,
		Notifier:     o.notifier,
		NotifyHook:   cfg.EventNotificationEnabled,
		Clock:        o.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache[K, V, S, R, W, UE, UI]{
		cfg:     cfg,
		ports:   ports,
		logger:  logger,
		bus:     bus,
		clock:   o.clock,
		entries: make(map[K]*entry[S, W, UI]),
		readQ:   newItemQueue[readRequest[K]](),
		writeQ:  newItemQueue[K](),
		mainQ:   newTimedQueue[K](),
		returnQ: newTimedQueue[K](),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	poolCfg := func(p config.PoolSize) worker.Config {
		return worker.Config{Min: p.Min, Max: p.Max, IdleTimeout: 30 * time.Second}
	}
	c.readPool = worker.NewPool(cfg.CacheName+"-read", poolCfg(cfg.ReadThreadPoolSize))
	c.writePool = worker.NewPool(cfg.CacheName+"-write", poolCfg(cfg.WriteThreadPoolSize))

	return c, nil
}

// Bus exposes the cache's event bus, primarily for metrics collectors and
// tests.
func (c *Cache[K, V, S, R, W, UE, UI]) Bus() *events.Bus {
	return c.bus
}

// Start launches the four stage processors.
func (c *Cache[K, V, S, R, W, UE, UI]) Start() error {
	if c.stopped.Load() || c.stopping.Load() {
		return ErrShutdown
	}
	if c.started.Swap(true) {
		return fmt.Errorf("cache %q already started", c.cfg.CacheName)
	}

	c.wg.Add(4)
	go c.runReadStage()
	go c.runWriteStage()
	go c.runMainQueue()
	go c.runReturnQueue()

	c.logger.Info().Msg("Cache started")
	return nil
}

// Size returns the current entry-table size.
func (c *Cache[K, V, S, R, W, UE, UI]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// lookup returns the live entry for key, or nil.
func (c *Cache[K, V, S, R, W, UE, UI]) lookup(key K) *entry[S, W, UI] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// findOrCreate returns the entry for key, creating it in LOADING and
// enqueueing the initial read if absent. Creation is atomic with the hard
// limit check. An entry caught mid-eviction is retried a bounded number of
// times.
func (c *Cache[K, V, S, R, W, UE, UI]) findOrCreate(key K) (*entry[S, W, UI], error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		e := c.entries[key]
		if e == nil {
			if len(c.entries) >= c.cfg.MaxCacheElementsHardLimit {
				c.mu.Unlock()
				return nil, ErrCacheFull
			}
			e = newEntry[S, W, UI]()
			c.entries[key] = e
			c.mu.Unlock()

			c.emit(&events.Event{
				Type:     events.TypeCacheAdd,
				Severity: events.SeverityDebug,
				Key:      keyString(key),
				Message:  "Entry created, initial read queued",
			})
			c.readQ.push(readRequest[K]{key: key})
			return e, nil
		}
		c.mu.Unlock()

		e.mu.Lock()
		removed := e.state == StateRemovedFromCache
		e.mu.Unlock()
		if !removed {
			return e, nil
		}
		if attempt >= c.cfg.MaxCacheRemovedRetries {
			return nil, ErrNotLoaded
		}
		time.Sleep(time.Millisecond)
	}
}

// Preload ensures the entry for key exists; if absent it is created in
// LOADING and queued for its initial read. Idempotent.
func (c *Cache[K, V, S, R, W, UE, UI]) Preload(key K) error {
	if c.stopping.Load() || c.stopped.Load() {
		return ErrShutdown
	}
	_, err := c.findOrCreate(key)
	return err
}

// ReadFor returns the value for key, waiting up to wait for a usable
// payload. Absent entries are preloaded first.
func (c *Cache[K, V, S, R, W, UE, UI]) ReadFor(key K, wait time.Duration) (V, error) {
	var zero V
	if c.stopping.Load() || c.stopped.Load() {
		return zero, ErrShutdown
	}

	e, err := c.findOrCreate(key)
	if err != nil {
		return zero, err
	}

	deadline := c.clock().Add(wait)
	for {
		e.mu.Lock()
		e.lastAccess = c.clock()

		switch e.state {
		case StateRemovedFromCache:
			e.mu.Unlock()
			// Entry evicted while we waited; start over.
			if e, err = c.findOrCreate(key); err != nil {
				return zero, err
			}
			continue
		case StateReadFailedFinal:
			e.mu.Unlock()
			return zero, ErrReadFailedFinal
		}

		if e.resyncFailed {
			if !c.cfg.AllowDataReadingAfterResyncFailedFinal || !e.hasPayload {
				e.mu.Unlock()
				return zero, ErrResyncFailedFinal
			}
			v, cerr := c.ports.ConvertFromCacheToReturn(key, e.payload)
			e.mu.Unlock()
			c.emit(&events.Event{
				Type:     events.TypeResyncFailFinal,
				Severity: events.SeverityExternalWarn,
				Key:      keyString(key),
				Message:  "Serving stale data after final resync failure",
			})
			return v, cerr
		}

		usable := e.hasPayload
		switch e.state {
		case StateLoading:
			usable = false
		case StateResyncPending, StateResyncing:
			usable = usable && c.cfg.AcceptOutOfOrderReads
		}
		if usable {
			v, cerr := c.ports.ConvertFromCacheToReturn(key, e.payload)
			e.mu.Unlock()
			return v, cerr
		}

		notify := e.notify
		e.mu.Unlock()

		remaining := deadline.Sub(c.clock())
		if remaining <= 0 {
			return zero, ErrNotLoaded
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return zero, ErrNotLoaded
		case <-c.stopCh:
			timer.Stop()
			return zero, ErrShutdown
		}
	}
}

// WriteIfCached converts the external update, appends it to the entry's
// update log and applies it to the in-memory payload in place. It fails
// with ErrNotLoaded when no entry is cached for key, or when the entry's
// state forbids updates and out-of-order reads are not accepted.
func (c *Cache[K, V, S, R, W, UE, UI]) WriteIfCached(key K, update UE) error {
	if c.stopping.Load() || c.stopped.Load() {
		return ErrShutdown
	}

	e := c.lookup(key)
	if e == nil {
		return ErrNotLoaded
	}

	ui, err := c.ports.ConvertToInternalUpdate(key, update)
	if err != nil {
		return fmt.Errorf("failed to convert update: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRemovedFromCache:
		return ErrNotLoaded
	case StateReadFailedFinal:
		return ErrReadFailedFinal
	}
	if !e.collectUpdates {
		return ErrResyncFailedFinal
	}
	if !e.hasPayload && !c.cfg.AcceptOutOfOrderReads {
		return ErrNotLoaded
	}

	e.updates = append(e.updates, ui)
	e.dirty = true
	if e.hasPayload {
		e.payload = c.ports.ApplyUpdate(e.payload, ui)
	}
	if len(e.updates) > c.cfg.MaxUpdatesToCollect && !e.resyncOverdue {
		e.resyncOverdue = true
		c.emit(&events.Event{
			Type:     events.TypeUpdateLogOverflow,
			Severity: events.SeverityWarn,
			Key:      keyString(key),
			Message:  "Update log exceeded bound, entry marked resync overdue",
		})
	}
	return nil
}

// ShutdownFor stops the cache. It blocks up to timeout for the read and
// write queues to drain (subject to drainReads/drainWrites) and returns the
// number of items still pending.
func (c *Cache[K, V, S, R, W, UE, UI]) ShutdownFor(timeout time.Duration, drainWrites, drainReads bool) int {
	if c.stopped.Load() || c.stopping.Swap(true) {
		return 0
	}
	deadline := time.Now().Add(timeout)

	if !drainReads {
		c.readQ.clear()
	}
	if drainWrites {
		c.flushDirtyEntries()
	} else {
		c.writeQ.clear()
	}

	// Let the stage processors drain the pending work.
	for time.Now().Before(deadline) {
		if c.pendingWork() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	remaining := c.pendingWork()

	c.stopped.Store(true)
	close(c.stopCh)
	c.cancel()
	c.wg.Wait()
	c.readPool.Stop()
	c.writePool.Stop()

	c.mainQ.clear()
	c.returnQ.clear()
	c.readQ.clear()
	c.writeQ.clear()

	c.logger.Info().Int("remaining", remaining).Msg("Cache stopped")
	return remaining
}

// pendingWork counts queued and in-flight read/write items.
func (c *Cache[K, V, S, R, W, UE, UI]) pendingWork() int {
	return c.readQ.len() + c.writeQ.len() +
		int(c.stats.inflightReads.Load()) + int(c.stats.inflightWrites.Load()) +
		c.readPool.Outstanding() + c.writePool.Outstanding()
}

// flushDirtyEntries splits every entry that still carries unwritten data and
// queues its write, so a draining shutdown persists in-memory updates.
func (c *Cache[K, V, S, R, W, UE, UI]) flushDirtyEntries() {
	c.mu.Lock()
	keys := make([]K, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		e := c.lookup(key)
		if e == nil {
			continue
		}
		e.mu.Lock()
		switch e.state {
		case StateLoaded, StateResyncFailedFinal:
			if e.needsWriteLocked() {
				c.scheduleWriteLocked(e, key)
			}
		}
		e.mu.Unlock()
	}
}

// evict removes the entry from the table and marks it terminal. The handle
// generation is bumped so stale queue handles are dropped at dequeue.
func (c *Cache[K, V, S, R, W, UE, UI]) evict(key K, e *entry[S, W, UI], dataLoss bool, reason string) {
	c.mu.Lock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.state = StateRemovedFromCache
	e.gen++
	e.broadcastLocked()
	e.mu.Unlock()

	c.stats.evictions.Add(1)
	if dataLoss {
		c.emit(&events.Event{
			Type:     events.TypeExternalDataLoss,
			Severity: events.SeverityExternalDataLoss,
			Key:      keyString(key),
			Message:  "Entry evicted with undrained updates: " + reason,
		})
		return
	}
	c.emit(&events.Event{
		Type:     events.TypeCacheRemove,
		Severity: events.SeverityDebug,
		Key:      keyString(key),
		Message:  "Entry removed: " + reason,
	})
}

// assertionFailed records an internal invariant violation: the event is
// emitted as CRITICAL and the offending entry leaves the cache. Processor
// goroutines never crash on assertions.
func (c *Cache[K, V, S, R, W, UE, UI]) assertionFailed(key K, e *entry[S, W, UI], detail string) {
	c.emit(&events.Event{
		Type:     events.TypeAssertionFailed,
		Severity: events.SeverityCritical,
		Key:      keyString(key),
		Message:  "Assertion failed: " + detail,
		Err:      ErrAssertionFailed,
	})
	if e != nil {
		c.evict(key, e, false, "assertion failed")
	}
}

func (c *Cache[K, V, S, R, W, UE, UI]) emit(event *events.Event) {
	c.bus.Emit(event)
}

// cycleTime returns the main-queue dwell for the next cycle, compressed
// proportionally when the live entry count exceeds the soft target but
// never below the minimum dwell.
func (c *Cache[K, V, S, R, W, UE, UI]) cycleTime() time.Duration {
	t := c.cfg.MainQueueCacheTime
	live := c.Size()
	if live > c.cfg.MainQueueMaxTargetSize {
		t = time.Duration(int64(t) * int64(c.cfg.MainQueueMaxTargetSize) / int64(live))
		if t < c.cfg.MainQueueCacheTimeMin {
			t = c.cfg.MainQueueCacheTimeMin
		}
	}
	return t
}

func keyString(key any) string {
	return fmt.Sprintf("%v", key)
}
