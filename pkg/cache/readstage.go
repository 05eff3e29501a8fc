package cache

import (
	"time"

	"github.com/cuemby/stash/pkg/config"
	"github.com/cuemby/stash/pkg/events"
)

// runReadStage is the read-stage processor: it drains the inbound queue,
// optionally accumulating a batch for the configured delay, and dispatches
// each request to the read pool (or inline when the pool shape is [-1,-1]).
func (c *Cache[K, V, S, R, W, UE, UI]) runReadStage() {
	defer c.wg.Done()
	logger := c.logger.With().Str("stage", "read").Logger()
	logger.Info().Msg("Read stage started")

	for {
		if !c.readQ.waitNonEmpty(c.stopCh) {
			logger.Info().Msg("Read stage stopped")
			return
		}
		if d := c.cfg.ReadQueueBatchingDelay; d > 0 {
			if !c.sleepInterruptible(d) {
				logger.Info().Msg("Read stage stopped")
				return
			}
		}
		for _, req := range c.readQ.popAll() {
			req := req
			c.readPool.Submit(func() { c.performRead(req) })
		}
	}
}

// sleepInterruptible sleeps for d or until shutdown, whichever is first.
func (c *Cache[K, V, S, R, W, UE, UI]) sleepInterruptible(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

// performRead executes one initial or refresh read against the backing
// store. Storage I/O runs without the entry lock; the state machine
// guarantees at most one in-flight read per key.
func (c *Cache[K, V, S, R, W, UE, UI]) performRead(req readRequest[K]) {
	e := c.lookup(req.key)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}
	if req.refresh {
		if e.state != StateResyncPending && e.state != StateResyncing {
			e.mu.Unlock()
			c.assertionFailed(req.key, e, "refresh read dispatched in state "+e.state.String())
			return
		}
		e.state = StateResyncing
	}
	e.mu.Unlock()

	c.stats.readsAttempted.Add(1)
	c.stats.inflightReads.Add(1)
	raw, err := c.ports.ReadFromStorage(c.ctx, req.key, req.refresh)
	c.stats.inflightReads.Add(-1)

	var payload S
	if err == nil {
		payload, err = c.ports.ConvertToCacheFormat(req.key, raw)
	}
	if err != nil {
		c.handleReadFailure(req, e, err)
		return
	}

	c.stats.readsSucceeded.Add(1)
	if req.refresh {
		c.completeRefresh(req.key, e, payload)
	} else {
		c.completeInitialRead(req.key, e, payload)
	}
}

// completeInitialRead adopts the freshly-read payload, replays any updates
// accepted out of order while loading, releases waiters, and admits the
// entry into the main queue.
func (c *Cache[K, V, S, R, W, UE, UI]) completeInitialRead(key K, e *entry[S, W, UI], payload S) {
	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}
	if e.state != StateLoading {
		e.mu.Unlock()
		c.assertionFailed(key, e, "initial read completed in state "+e.state.String())
		return
	}

	for _, u := range e.updates {
		payload = c.ports.ApplyUpdate(payload, u)
	}
	if len(e.updates) > 0 {
		e.dirty = true
	}
	e.updates = nil
	e.payload = payload
	e.hasPayload = true
	e.state = StateLoaded
	e.readFailures = 0
	e.expiry = c.clock().Add(c.cycleTime())
	c.mainQ.push(key, e.gen, e.expiry)
	e.broadcastLocked()
	e.mu.Unlock()
}

// completeRefresh merges a refresh read: the new payload is adopted and the
// update log accumulated during the in-flight read is replayed on top, then
// cleared. When the refresh came back too late (cycle rolled over or the log
// overflowed) the configured too-late action decides instead.
func (c *Cache[K, V, S, R, W, UE, UI]) completeRefresh(key K, e *entry[S, W, UI], payload S) {
	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}
	if e.state != StateResyncing {
		e.mu.Unlock()
		c.assertionFailed(key, e, "refresh read completed in state "+e.state.String())
		return
	}

	tooLate := e.resyncOverdue || e.cycle != e.resyncStartCycle
	action := c.cfg.ResyncTooLateAction
	if action == config.TooLateDoNothing {
		// Documented as dangerous; handled as CLEAR_READ_PENDING_STATUS.
		action = config.TooLateClearReadPendingStatus
	}

	if tooLate {
		c.emit(&events.Event{
			Type:     events.TypeResyncTooLate,
			Severity: events.SeverityWarn,
			Key:      keyString(key),
			Message:  "Refresh read returned too late, applying " + string(action),
		})
	}

	if !tooLate || action == config.TooLateMergeData {
		c.mergeRefreshLocked(e, payload)
	} else {
		switch action {
		case config.TooLateSetDirectly:
			dropped := len(e.updates)
			e.payload = payload
			e.hasPayload = true
			e.updates = nil
			e.dirty = false
			e.pendingWrite = nil
			e.state = StateLoaded
			if dropped > 0 {
				c.emit(&events.Event{
					Type:     events.TypeExternalDataLoss,
					Severity: events.SeverityExternalDataLoss,
					Key:      keyString(key),
					Message:  "Late refresh adopted directly, pending updates discarded",
				})
			}
		case config.TooLateClearReadPendingStatus:
			// Keep the current in-memory payload and update log; drop the
			// refresh result.
			e.state = StateLoaded
		case config.TooLateRemoveFromCache:
			loss := e.needsWriteLocked()
			e.mu.Unlock()
			c.evict(key, e, loss, "resync too late")
			return
		}
	}

	e.resyncOverdue = false
	e.readFailures = 0
	e.broadcastLocked()
	e.mu.Unlock()
}

// mergeRefreshLocked adopts the refreshed payload and replays the update
// log on top in order, then truncates the log. The dirty flag survives so
// the replayed updates still reach the write stage. Caller holds e.mu.
func (c *Cache[K, V, S, R, W, UE, UI]) mergeRefreshLocked(e *entry[S, W, UI], payload S) {
	for _, u := range e.updates {
		payload = c.ports.ApplyUpdate(payload, u)
	}
	if len(e.updates) > 0 {
		e.dirty = true
	}
	e.updates = nil
	e.payload = payload
	e.hasPayload = true
	e.state = StateLoaded
}

// handleReadFailure routes a failed read: re-enqueue while the retry budget
// lasts, otherwise apply the configured final action.
func (c *Cache[K, V, S, R, W, UE, UI]) handleReadFailure(req readRequest[K], e *entry[S, W, UI], err error) {
	e.mu.Lock()
	if e.state == StateRemovedFromCache {
		e.mu.Unlock()
		return
	}

	e.readFailures++
	if !IsFinal(err) && e.readFailures <= c.cfg.ReadFailureMaxRetryCount {
		c.stats.readRetriesIssued.Add(1)
		e.mu.Unlock()
		c.emit(&events.Event{
			Type:     events.TypeStorageReadRetryIssued,
			Severity: events.SeverityWarn,
			Key:      keyString(req.key),
			Message:  "Storage read failed, retry issued",
			Err:      err,
		})
		c.readQ.push(req)
		return
	}

	c.stats.readsFailedFinal.Add(1)

	if !req.refresh {
		c.emit(&events.Event{
			Type:     events.TypeStorageReadFailFinal,
			Severity: events.SeverityExternalError,
			Key:      keyString(req.key),
			Message:  "Initial storage read failed finally",
			Err:      err,
		})
		e.state = StateReadFailedFinal
		e.broadcastLocked()
		e.mu.Unlock()
		if c.cfg.InitialReadFailedFinalAction == config.ReadFailedRemoveFromCache {
			c.evict(req.key, e, false, "initial read failed finally")
		}
		return
	}

	c.emit(&events.Event{
		Type:     events.TypeResyncFailFinal,
		Severity: events.SeverityExternalError,
		Key:      keyString(req.key),
		Message:  "Refresh read failed finally",
		Err:      err,
	})

	switch c.cfg.ResyncFailedFinalAction {
	case config.ResyncFailedRemoveFromCache:
		loss := e.needsWriteLocked()
		e.mu.Unlock()
		c.evict(req.key, e, loss, "resync failed finally")
		return
	case config.ResyncFailedStopCollectingUpdates:
		e.resyncFailed = true
		e.collectUpdates = false
		e.state = StateResyncFailedFinal
	case config.ResyncFailedKeepCollectingUpdates:
		e.resyncFailed = true
		e.state = StateResyncFailedFinal
	}
	e.broadcastLocked()
	e.mu.Unlock()
}
