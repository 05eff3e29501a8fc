package cache

import (
	"github.com/cuemby/stash/pkg/events"
)

// runReturnQueue is the return-queue processor. Entries dwell here after a
// write so any reader that observed the pre-write payload can finish before
// eviction; entries that accumulated further updates loop back for another
// full cycle instead.
func (c *Cache[K, V, S, R, W, UE, UI]) runReturnQueue() {
	defer c.wg.Done()
	logger := c.logger.With().Str("stage", "return").Logger()
	logger.Info().Msg("Return queue started")

	for {
		h, ok := c.returnQ.next(c.clock, c.cfg.MaxSleepTime, c.stopCh)
		if !ok {
			logger.Info().Msg("Return queue stopped")
			return
		}
		c.processReturnExpiry(h)
	}
}

// processReturnExpiry decides requeue-vs-evict for one entry leaving the
// return queue.
func (c *Cache[K, V, S, R, W, UE, UI]) processReturnExpiry(h handle[K]) {
	e := c.lookup(h.key)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.state == StateRemovedFromCache || e.gen != h.gen {
		e.mu.Unlock()
		return
	}
	if e.state == StateWritePending || e.state == StateWriting {
		// A write is in flight; the write stage pushes a fresh return-queue
		// handle when it finishes. Drop this one.
		e.mu.Unlock()
		return
	}

	if e.needsWriteLocked() {
		carry := c.cfg.AllowUpdatesCollectionForMultipleFullCycles || e.pendingWrite != nil
		e.requeues++
		if !carry || e.requeues > c.cfg.ReturnQueueMaxRequeueCount {
			e.mu.Unlock()
			c.evict(h.key, e, true, "return queue requeue budget exhausted")
			return
		}
		c.emit(&events.Event{
			Type:     events.TypeReturnQueueRequeue,
			Severity: events.SeverityDebug,
			Key:      keyString(h.key),
			Message:  "Undrained updates, entry re-looped for another cycle",
		})
		c.requeueMainLocked(e, h.key)
		e.mu.Unlock()
		return
	}

	e.mu.Unlock()
	c.evict(h.key, e, false, "cycle complete")
}
