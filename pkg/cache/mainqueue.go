package cache

import (
	"github.com/cuemby/stash/pkg/events"
)

// runMainQueue is the main-queue processor. Entries expire in order of
// their stage-expiry instant; the cycle decision routes each expired entry to the write stage, to a
// background resync, or back around for another cycle.
func (c *Cache[K, V, S, R, W, UE, UI]) runMainQueue() {
	defer c.wg.Done()
	logger := c.logger.With().Str("stage", "main").Logger()
	logger.Info().Msg("Main queue started")

	for {
		h, ok := c.mainQ.next(c.clock, c.cfg.MaxSleepTime, c.stopCh)
		if !ok {
			logger.Info().Msg("Main queue stopped")
			return
		}
		c.processMainExpiry(h)
	}
}

// processMainExpiry applies the cycle decision to one expired entry.
func (c *Cache[K, V, S, R, W, UE, UI]) processMainExpiry(h handle[K]) {
	e := c.lookup(h.key)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRemovedFromCache || e.gen != h.gen {
		// Stale handle: the entry was evicted and possibly recreated.
		return
	}

	e.cycle++

	switch {
	case e.state == StateWritePending || e.state == StateWriting:
		// Already in the write pipeline (a shutdown flush can schedule a
		// write while the main-queue holder is still resident). The entry
		// re-enters scheduling via the return queue; drop this holder.
		return

	case e.state == StateResyncPending || e.state == StateResyncing:
		// The refresh outlived its cycle. Completion will detect the
		// rollover via the cycle counter; keep a holder resident so the
		// entry stays scheduled.
		c.requeueMainLocked(e, h.key)

	case e.needsWriteLocked():
		c.scheduleWriteLocked(e, h.key)

	case c.resyncDueLocked(e):
		e.state = StateResyncPending
		e.resyncStartCycle = e.cycle
		e.readFailures = 0
		c.requeueMainLocked(e, h.key)
		c.readQ.push(readRequest[K]{key: h.key, refresh: true})

	default:
		c.requeueMainLocked(e, h.key)
	}
}

// requeueMainLocked pushes the entry back into the main queue with a fresh
// cycle expiry. Caller holds e.mu.
func (c *Cache[K, V, S, R, W, UE, UI]) requeueMainLocked(e *entry[S, W, UI], key K) {
	e.expiry = c.clock().Add(c.cycleTime())
	c.mainQ.push(key, e.gen, e.expiry)
}

// resyncDueLocked decides whether this cycle is a resync cycle. The default
// policy resyncs every cycle; an entry whose resync already failed finally
// is not re-read. Caller holds e.mu.
func (c *Cache[K, V, S, R, W, UE, UI]) resyncDueLocked(e *entry[S, W, UI]) bool {
	return e.state == StateLoaded && !e.resyncFailed
}

// scheduleWriteLocked takes the dirty entry's split-for-write, stashes the
// pending write, and hands the entry to the write stage. When a previous
// write failed finally and merged writes are disabled, the old write is
// re-sent alone and the update log is preserved for the next cycle. Caller
// holds e.mu.
func (c *Cache[K, V, S, R, W, UE, UI]) scheduleWriteLocked(e *entry[S, W, UI], key K) {
	if e.resyncFailed && !c.cfg.AllowDataWritingAfterResyncFailedFinal {
		c.requeueMainLocked(e, key)
		return
	}

	if e.pendingWrite != nil && !c.cfg.CanMergeWrites {
		// Re-send the previously failed write unchanged; new updates stay
		// logged for the next cycle.
	} else if e.needsWriteLocked() {
		next, w := c.ports.SplitForWrite(key, e.payload, e.pendingWrite)
		e.payload = next
		e.updates = nil
		e.dirty = false
		e.pendingWrite = &w
	}

	if e.pendingWrite == nil {
		// Nothing to send after all; treat as a clean requeue.
		c.requeueMainLocked(e, key)
		return
	}

	e.writeFailures = 0
	e.state = StateWritePending
	c.writeQ.push(key)
	c.emit(&events.Event{
		Type:       events.TypeNonStandard,
		Severity:   events.SeverityDebug,
		Classifier: "WRITE_QUEUED",
		Key:        keyString(key),
		Message:    "Entry queued for write",
	})
}
