package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stash/pkg/log"
	"github.com/rs/zerolog"
)

// Config holds worker pool configuration. Min workers are kept alive; the
// pool grows up to Max under load and shrinks back to Min after IdleTimeout.
// Min == Max == -1 creates no pool: Submit runs tasks inline on the caller.
type Config struct {
	Min         int
	Max         int
	IdleTimeout time.Duration
}

// Pool is a bounded pool of worker goroutines.
type Pool struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	tasks  chan func()
	stopCh chan struct{}

	mu      sync.Mutex
	running int

	active      atomic.Int64
	outstanding atomic.Int64
	stopped     atomic.Bool
}

// NewPool creates a new worker pool. Inline pools start no goroutines.
func NewPool(name string, cfg Config) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	p := &Pool{
		name:   name,
		cfg:    cfg,
		logger: log.WithComponent("pool-" + name),
		tasks:  make(chan func()),
		stopCh: make(chan struct{}),
	}
	if p.Inline() {
		return p
	}
	for i := 0; i < cfg.Min; i++ {
		p.startWorker(nil)
	}
	return p
}

// Inline reports whether the pool executes tasks on the submitting goroutine.
func (p *Pool) Inline() bool {
	return p.cfg.Min == -1 && p.cfg.Max == -1
}

// Submit hands a task to the pool. It blocks when all Max workers are busy.
// Tasks submitted after Stop are dropped.
func (p *Pool) Submit(task func()) {
	if p.stopped.Load() {
		return
	}

	p.outstanding.Add(1)
	wrapped := func() {
		p.active.Add(1)
		defer func() {
			p.active.Add(-1)
			p.outstanding.Add(-1)
		}()
		task()
	}

	if p.Inline() {
		wrapped()
		return
	}

	// Fast path: an idle worker is already waiting.
	select {
	case p.tasks <- wrapped:
		return
	default:
	}

	p.mu.Lock()
	if p.running < p.cfg.Max {
		p.startWorker(wrapped)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.tasks <- wrapped:
	case <-p.stopCh:
		p.outstanding.Add(-1)
	}
}

// startWorker launches a worker, optionally seeded with a first task.
// Callers either hold p.mu or are the constructor.
func (p *Pool) startWorker(first func()) {
	p.running++
	go p.worker(first)
}

func (p *Pool) worker(first func()) {
	if first != nil {
		first()
	}
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdleTimeout)

		select {
		case task := <-p.tasks:
			task()
		case <-idle.C:
			p.mu.Lock()
			if p.running > p.cfg.Min {
				p.running--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-p.stopCh:
			p.mu.Lock()
			p.running--
			p.mu.Unlock()
			return
		}
	}
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Outstanding returns submitted tasks not yet finished.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Size returns the current number of worker goroutines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Quiesce waits until all outstanding tasks finish or the deadline passes.
// It returns the number of tasks still outstanding.
func (p *Pool) Quiesce(deadline time.Time) int {
	for {
		n := p.Outstanding()
		if n == 0 || !time.Now().Before(deadline) {
			return n
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop shuts the pool down. Running tasks finish; queued submissions that
// never reached a worker are dropped.
func (p *Pool) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	close(p.stopCh)
	p.logger.Debug().Int("outstanding", p.Outstanding()).Msg("Pool stopped")
}
