package cache

import (
	"github.com/cuemby/stash/pkg/events"
)

// runWriteStage is the write-stage processor, symmetric to the read stage.
func (c *Cache[K, V, S, R, W, UE, UI]) runWriteStage() {
	defer c.wg.Done()
	logger := c.logger.With().Str("stage", "write").Logger()
	logger.Info().Msg("Write stage started")

	for {
		if !c.writeQ.waitNonEmpty(c.stopCh) {
			logger.Info().Msg("Write stage stopped")
			return
		}
		if d := c.cfg.WriteQueueBatchingDelay; d > 0 {
			if !c.sleepInterruptible(d) {
				logger.Info().Msg("Write stage stopped")
				return
			}
		}
		for _, key := range c.writeQ.popAll() {
			key := key
			c.writePool.Submit(func() { c.performWrite(key) })
		}
	}
}

// performWrite drains one pending write to the backing store. Storage I/O
// runs without the entry lock; the state machine guarantees at most one
// in-flight write per key.
func (c *Cache[K, V, S, R, W, UE, UI]) performWrite(key K) {
	e := c.lookup(key)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}
	if e.state != StateWritePending || e.pendingWrite == nil {
		e.mu.Unlock()
		c.assertionFailed(key, e, "write dispatched in state "+e.state.String())
		return
	}
	e.state = StateWriting
	w := *e.pendingWrite
	e.mu.Unlock()

	c.stats.writesAttempted.Add(1)
	c.stats.inflightWrites.Add(1)
	err := c.ports.WriteToStorage(c.ctx, key, w)
	c.stats.inflightWrites.Add(-1)

	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}

	if err == nil {
		c.stats.writesSucceeded.Add(1)
		e.pendingWrite = nil
		e.writeFailures = 0
		e.cycleFailures = 0
		c.toReturnQueueLocked(e, key)
		e.broadcastLocked()
		e.mu.Unlock()
		return
	}

	e.writeFailures++
	if !IsFinal(err) && e.writeFailures <= c.cfg.WriteFailureMaxRetryCount {
		c.stats.writeRetriesIssued.Add(1)
		e.state = StateWritePending
		e.mu.Unlock()
		c.emit(&events.Event{
			Type:     events.TypeStorageWriteRetry,
			Severity: events.SeverityWarn,
			Key:      keyString(key),
			Message:  "Storage write failed, retry issued",
			Err:      err,
		})
		c.writeQ.push(key)
		return
	}

	// Final write failure: the pending write is kept so the next cycle can
	// merge or re-send it; the entry still passes through the return queue
	// for eviction bookkeeping.
	c.stats.writesFailedFinal.Add(1)
	e.cycleFailures++
	c.emit(&events.Event{
		Type:     events.TypeStorageWriteFailFinal,
		Severity: events.SeverityExternalError,
		Key:      keyString(key),
		Message:  "Storage write failed finally",
		Err:      err,
	})

	if e.cycleFailures > c.cfg.FullCacheCycleFailureMaxRetryCount {
		e.mu.Unlock()
		c.evict(key, e, true, "write failures exhausted full-cycle budget")
		return
	}

	c.toReturnQueueLocked(e, key)
	e.broadcastLocked()
	e.mu.Unlock()
}

// toReturnQueueLocked moves a post-write entry into the return queue, where
// it dwells long enough for racing readers to finish. Caller holds e.mu.
func (c *Cache[K, V, S, R, W, UE, UI]) toReturnQueueLocked(e *entry[S, W, UI], key K) {
	if e.resyncFailed {
		e.state = StateResyncFailedFinal
	} else {
		e.state = StateLoaded
	}
	e.expiry = c.clock().Add(c.cfg.ReturnQueueCacheTimeMin)
	c.returnQ.push(key, e.gen, e.expiry)
}
