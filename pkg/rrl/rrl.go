package rrl

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stash/pkg/config"
	"github.com/cuemby/stash/pkg/log"
	"github.com/cuemby/stash/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when a request misses its total deadline,
	// retries included.
	ErrTimeout = errors.New("rrl: request deadline exceeded")

	// ErrCancelled is returned for requests cancelled before completion.
	ErrCancelled = errors.New("rrl: request cancelled")

	// ErrShutdown is returned for submissions after shutdown and for
	// requests abandoned by it.
	ErrShutdown = errors.New("rrl: service is shut down")
)

// finalError marks a processing failure as permanent.
type finalError struct {
	err error
}

func (e *finalError) Error() string { return "final: " + e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

// Final wraps err so the service does not retry it.
func Final(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

// IsFinal reports whether err was marked permanent via Final.
func IsFinal(err error) bool {
	var fe *finalError
	return errors.As(err, &fe)
}

// Processor is the user adapter executing one attempt of a request.
// Attempts are numbered from 1.
type Processor[I, O any] interface {
	ProcessRequest(ctx context.Context, input I, attempt int) (O, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[I, O any] func(ctx context.Context, input I, attempt int) (O, error)

func (f ProcessorFunc[I, O]) ProcessRequest(ctx context.Context, input I, attempt int) (O, error) {
	return f(ctx, input, attempt)
}

// Config holds RRL service configuration.
type Config struct {
	Name           string
	MaxAttempts    int
	DefaultTimeout time.Duration
	RateLimit      float64 // tokens per second
	Burst          int
	PoolSize       config.PoolSize
	MaxSleepTime   time.Duration
	QueueCapacity  int
	// Backoff computes the delay before re-attempting after the given
	// failed attempt number. Defaults to exponential from 100ms.
	Backoff func(attempt int) time.Duration
}

func (c *Config) applyDefaults() error {
	if c.Name == "" {
		c.Name = "rrl"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PoolSize == (config.PoolSize{}) {
		c.PoolSize = config.PoolSize{Min: 1, Max: 8}
	}
	if c.MaxSleepTime <= 0 {
		c.MaxSleepTime = 100 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.Backoff == nil {
		c.Backoff = func(attempt int) time.Duration {
			return 100 * time.Millisecond << (attempt - 1)
		}
	}
	return nil
}

// ControlState is a snapshot of the rate limiter's control values.
type ControlState struct {
	RateLimit       float64
	Burst           int
	TokensAvailable float64
}

// task is one queued request attempt.
type task[I, O any] struct {
	future   *Future[O]
	input    I
	attempt  int
	deadline time.Time
	wake     time.Time // delay-queue wake-up instant
}

// Service asynchronously executes idempotent request tasks with bounded
// concurrency, retries, a runtime-adjustable rate limit, and per-request
// deadlines.
type Service[I, O any] struct {
	cfg     Config
	proc    Processor[I, O]
	logger  zerolog.Logger
	limiter *rate.Limiter
	pool    *worker.Pool

	queue chan *task[I, O]

	delayMu   sync.Mutex
	delayed   delayHeap[I, O]
	delayWake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	cancelled atomic.Uint64
	timedOut  atomic.Uint64
}

// New creates an RRL service.
func New[I, O any](cfg Config, proc Processor[I, O]) (*Service[I, O], error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if proc == nil {
		return nil, fmt.Errorf("nil processor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service[I, O]{
		cfg:       cfg,
		proc:      proc,
		logger:    log.WithComponent("rrl-" + cfg.Name),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		pool:      worker.NewPool(cfg.Name, worker.Config{Min: cfg.PoolSize.Min, Max: cfg.PoolSize.Max, IdleTimeout: 30 * time.Second}),
		queue:     make(chan *task[I, O], cfg.QueueCapacity),
		delayWake: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
	return s, nil
}

// Start launches the dispatcher and delay-queue processors.
func (s *Service[I, O]) Start() error {
	if s.stopped.Load() {
		return ErrShutdown
	}
	if s.started.Swap(true) {
		return fmt.Errorf("service %q already started", s.cfg.Name)
	}
	s.wg.Add(2)
	go s.runDispatcher()
	go s.runDelayQueue()
	s.logger.Info().Msg("RRL service started")
	return nil
}

// Submit enqueues a request with the default total timeout.
func (s *Service[I, O]) Submit(input I) (*Future[O], error) {
	return s.SubmitFor(input, s.cfg.DefaultTimeout)
}

// SubmitFor enqueues a request that must complete, retries included, within
// the given total timeout.
func (s *Service[I, O]) SubmitFor(input I, timeout time.Duration) (*Future[O], error) {
	if s.stopped.Load() || !s.started.Load() {
		return nil, ErrShutdown
	}

	now := time.Now()
	f := &Future[O]{
		id:          uuid.New().String(),
		submittedAt: now,
		done:        make(chan struct{}),
	}
	t := &task[I, O]{
		future:   f,
		input:    input,
		attempt:  1,
		deadline: now.Add(timeout),
	}

	select {
	case s.queue <- t:
		s.submitted.Add(1)
		return f, nil
	case <-s.stopCh:
		return nil, ErrShutdown
	}
}

// runDispatcher pulls tasks in submission order, waiting for a limiter
// token before handing each to the worker pool.
func (s *Service[I, O]) runDispatcher() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			s.dispatch(t)
		case <-s.stopCh:
			s.drainAbandoned()
			return
		}
	}
}

func (s *Service[I, O]) dispatch(t *task[I, O]) {
	if t.future.Cancelled() {
		s.cancelled.Add(1)
		var zero O
		t.future.complete(zero, ErrCancelled)
		return
	}
	if !time.Now().Before(t.deadline) {
		s.failTimeout(t)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, t.deadline)
	err := s.limiter.Wait(ctx)
	cancel()
	if err != nil {
		var zero O
		if s.stopped.Load() || s.ctx.Err() != nil {
			t.future.complete(zero, ErrShutdown)
			return
		}
		s.failTimeout(t)
		return
	}

	// Cancellation may have landed while we waited for a token.
	if t.future.Cancelled() {
		s.cancelled.Add(1)
		var zero O
		t.future.complete(zero, ErrCancelled)
		return
	}

	s.pool.Submit(func() { s.run(t) })
}

// run executes one attempt and routes the outcome.
func (s *Service[I, O]) run(t *task[I, O]) {
	if t.future.Cancelled() {
		s.cancelled.Add(1)
		var zero O
		t.future.complete(zero, ErrCancelled)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, t.deadline)
	out, err := s.proc.ProcessRequest(ctx, t.input, t.attempt)
	cancel()

	if err == nil {
		s.completed.Add(1)
		t.future.complete(out, nil)
		return
	}

	var zero O
	if t.future.Cancelled() {
		s.cancelled.Add(1)
		t.future.complete(zero, ErrCancelled)
		return
	}
	if IsFinal(err) || t.attempt >= s.cfg.MaxAttempts {
		s.failed.Add(1)
		t.future.complete(zero, fmt.Errorf("rrl: request failed after %d attempts: %w", t.attempt, err))
		return
	}

	wake := time.Now().Add(s.cfg.Backoff(t.attempt))
	if wake.After(t.deadline) {
		s.failTimeout(t)
		return
	}

	s.retried.Add(1)
	s.logger.Debug().
		Str("request_id", t.future.ID()).
		Int("attempt", t.attempt).
		Err(err).
		Msg("Attempt failed, retry scheduled")

	t.attempt++
	t.wake = wake
	s.delayMu.Lock()
	heap.Push(&s.delayed, t)
	s.delayMu.Unlock()
	select {
	case s.delayWake <- struct{}{}:
	default:
	}
}

// runDelayQueue re-submits retry tasks when their back-off elapses. Sleeps
// are capped at MaxSleepTime so shutdown is observed promptly.
func (s *Service[I, O]) runDelayQueue() {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.MaxSleepTime)
	defer timer.Stop()

	for {
		sleep := s.cfg.MaxSleepTime
		now := time.Now()

		s.delayMu.Lock()
		for len(s.delayed) > 0 {
			next := s.delayed[0]
			d := next.wake.Sub(now)
			if d > 0 {
				if d < sleep {
					sleep = d
				}
				break
			}
			heap.Pop(&s.delayed)
			s.delayMu.Unlock()
			select {
			case s.queue <- next:
			case <-s.stopCh:
				var zero O
				next.future.complete(zero, ErrShutdown)
			}
			s.delayMu.Lock()
		}
		s.delayMu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-timer.C:
		case <-s.delayWake:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service[I, O]) failTimeout(t *task[I, O]) {
	s.timedOut.Add(1)
	var zero O
	t.future.complete(zero, ErrTimeout)
}

// drainAbandoned fails everything still queued at shutdown.
func (s *Service[I, O]) drainAbandoned() {
	var zero O
	for {
		select {
		case t := <-s.queue:
			t.future.complete(zero, ErrShutdown)
		default:
			s.delayMu.Lock()
			for _, t := range s.delayed {
				t.future.complete(zero, ErrShutdown)
			}
			s.delayed = nil
			s.delayMu.Unlock()
			return
		}
	}
}

// ControlState returns the limiter's current control values.
func (s *Service[I, O]) ControlState() ControlState {
	return ControlState{
		RateLimit:       float64(s.limiter.Limit()),
		Burst:           s.limiter.Burst(),
		TokensAvailable: s.limiter.Tokens(),
	}
}

// SetRateLimit updates the limiter at runtime.
func (s *Service[I, O]) SetRateLimit(limit float64, burst int) {
	s.limiter.SetLimit(rate.Limit(limit))
	s.limiter.SetBurst(burst)
	s.logger.Info().Float64("rate_limit", limit).Int("burst", burst).Msg("Rate limit updated")
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Retried   uint64
	Cancelled uint64
	TimedOut  uint64
	Queued    int
	Delayed   int
	Active    int
}

// Stats returns a snapshot of the service counters.
func (s *Service[I, O]) Stats() Stats {
	s.delayMu.Lock()
	delayed := len(s.delayed)
	s.delayMu.Unlock()
	return Stats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Cancelled: s.cancelled.Load(),
		TimedOut:  s.timedOut.Load(),
		Queued:    len(s.queue),
		Delayed:   delayed,
		Active:    s.pool.Active(),
	}
}

// ShutdownFor stops the service, waiting up to timeout for in-flight work
// to finish. It returns the number of requests abandoned.
func (s *Service[I, O]) ShutdownFor(timeout time.Duration) int {
	if s.stopped.Swap(true) {
		return 0
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		s.delayMu.Lock()
		delayed := len(s.delayed)
		s.delayMu.Unlock()
		if len(s.queue) == 0 && delayed == 0 && s.pool.Outstanding() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.delayMu.Lock()
	remaining := len(s.queue) + len(s.delayed)
	s.delayMu.Unlock()
	remaining += s.pool.Outstanding()

	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.pool.Stop()
	s.logger.Info().Int("remaining", remaining).Msg("RRL service stopped")
	return remaining
}

// delayHeap orders retry tasks by wake-up instant.
type delayHeap[I, O any] []*task[I, O]

func (h delayHeap[I, O]) Len() int            { return len(h) }
func (h delayHeap[I, O]) Less(i, j int) bool  { return h[i].wake.Before(h[j].wake) }
func (h delayHeap[I, O]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap[I, O]) Push(x any)         { *h = append(*h, x.(*task[I, O])) }
func (h *delayHeap[I, O]) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
