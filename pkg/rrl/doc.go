/*
Package rrl implements a retry-and-rate-limit service: an asynchronous
executor for idempotent request tasks with bounded concurrency, retries,
a runtime-adjustable rate limit, and per-request deadlines.

# Architecture

	┌──────────────────── RRL SERVICE ─────────────────────┐
	│                                                       │
	│  Submit/SubmitFor ──► main request queue (FIFO)       │
	│                            │                          │
	│                      dispatcher (single goroutine)    │
	│                            │                          │
	│                   token bucket (rate.Limiter,         │
	│                   SetRateLimit at runtime)            │
	│                            │                          │
	│                      worker pool [min,max]            │
	│                            │                          │
	│              ProcessRequest(ctx, input, attempt)      │
	│                   │                    │              │
	│                success              failure           │
	│                   │                    │              │
	│              Future resolves     retry budget?        │
	│                                   │         │         │
	│                             delay queue   Future      │
	│                             (back-off)    fails       │
	│                                   │                   │
	│                             main queue                │
	└───────────────────────────────────────────────────────┘

Each request gets a Future that resolves exactly once. The total deadline
covers all attempts including back-off; a request that cannot finish in time
fails with ErrTimeout. Cancellation is best-effort: requests not yet
dispatched are dropped at dequeue or after the limiter wait, and workers
observe the flag between attempts; an in-progress adapter call is never
interrupted.

# Usage

	svc, err := rrl.New(rrl.Config{
		Name:        "notifications",
		RateLimit:   25,  // tokens per second
		Burst:       5,
		MaxAttempts: 4,
	}, rrl.ProcessorFunc[Msg, Receipt](send))
	if err != nil { ... }
	if err := svc.Start(); err != nil { ... }
	defer svc.ShutdownFor(10 * time.Second)

	f, err := svc.SubmitFor(msg, 30*time.Second)
	receipt, err := f.Get(ctx)
*/
package rrl
