/*
Package cache implements a write-behind, resync-in-background (WBRB) cache.

The cache sits between application code and a slow, externally-owned backing
store. Reads are served from an in-memory working copy; updates apply to the
in-memory copy immediately and drain to the backing store asynchronously by
background workers. Periodically the working copy is reconciled ("resynced")
against the backing store so externally-applied changes become visible.

# Architecture

A cache entry traverses four stages in a cycle:

	┌──────────────────── WBRB PIPELINE ───────────────────────┐
	│                                                           │
	│  Preload/ReadFor                                          │
	│       │                                                   │
	│  ┌────▼─────────┐   initial/refresh reads                 │
	│  │ Entry table  │──────────────┐                          │
	│  │ (ownership)  │              │                          │
	│  └────┬─────────┘       ┌──────▼──────┐                   │
	│       │                 │ Read stage  │ worker pool       │
	│       │                 │ (+ retries) │ [min,max]         │
	│       │                 └──────┬──────┘                   │
	│       │      LOADED / merged   │                          │
	│  ┌────▼────────────────────────▼───┐                      │
	│  │          Main queue             │ cycle decision:      │
	│  │   (ordered by expiry instant)   │ write/resync/requeue │
	│  └────┬───────────────────────┬────┘                      │
	│       │ dirty                 │ resync due                │
	│  ┌────▼────────┐              └───────► Read stage        │
	│  │ Write stage │ worker pool                              │
	│  │ (+ retries) │ [min,max]                                │
	│  └────┬────────┘                                          │
	│       │ written                                           │
	│  ┌────▼─────────┐  requeue (more updates)                 │
	│  │ Return queue │─────────► Main queue                    │
	│  │  (dwell)     │                                         │
	│  └────┬─────────┘                                         │
	│       │ clean                                             │
	│     evict                                                 │
	└───────────────────────────────────────────────────────────┘

The update log is consulted at every transition: updates that arrived during
an in-flight read are replayed on top of the freshly-read base, and updates
that arrive during an in-flight write remain logged for the next cycle.

# Usage

	cfg, err := config.FromMap(map[string]string{
		"cacheName":          "user-profiles",
		"mainQueueCacheTime": "5s",
	})
	if err != nil { ... }

	c, err := cache.New[string, Profile, Profile, Profile, Profile, Patch, Patch](cfg, ports)
	if err != nil { ... }
	if err := c.Start(); err != nil { ... }
	defer c.ShutdownFor(10*time.Second, true, false)

	_ = c.Preload("alice")
	profile, err := c.ReadFor("alice", 2*time.Second)
	err = c.WriteIfCached("alice", Patch{...})

# Guarantees

  - At most one in-flight backing-store read and one in-flight write per key.
  - Within one key, updates are observed in submission order by the in-cache
    payload and by every write sent to storage.
  - A successful write persists a payload into which every update submitted
    before the write's split has been applied in order.
  - Eventual convergence with the backing store under transient failures;
    final failures follow the configured policy actions.

The cache does not provide linearisability, cross-key transactions, or
durability of pending writes across restarts.

# Integration Points

This package integrates with:

  - pkg/config: validated configuration with defaults
  - pkg/events: severity-typed, throttled event emission from all stages
  - pkg/worker: read/write stage worker pools
  - pkg/metrics: status snapshots exported as Prometheus gauges
  - pkg/storage: a ready-made set of ports over a byte-oriented Store
*/
package cache
