package cache

import (
	"time"
)

// Status is a point-in-time snapshot of the cache's counters and gauges.
type Status struct {
	CacheName string

	EntryTableSize  int
	MainQueueSize   int
	ReturnQueueSize int
	ReadQueueSize   int
	WriteQueueSize  int

	InflightReads  int
	InflightWrites int

	ReadsAttempted     uint64
	ReadsSucceeded     uint64
	ReadsFailedFinal   uint64
	ReadRetriesIssued  uint64
	WritesAttempted    uint64
	WritesSucceeded    uint64
	WritesFailedFinal  uint64
	WriteRetriesIssued uint64
	Evictions          uint64

	EventsEmitted   uint64
	EventsThrottled uint64

	ReadPoolActive  int
	WritePoolActive int

	CollectedAt time.Time
}

// Status returns a snapshot of the cache state. Snapshots younger than
// maxAge are served from cache; pass zero to force a fresh collection.
func (c *Cache[K, V, S, R, W, UE, UI]) Status(maxAge time.Duration) Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	now := c.clock()
	if !c.statusAt.IsZero() && now.Sub(c.statusAt) <= maxAge {
		return c.status
	}

	emitted, throttled := c.bus.Counts()
	c.status = Status{
		CacheName: c.cfg.CacheName,

		EntryTableSize:  c.Size(),
		MainQueueSize:   c.mainQ.len(),
		ReturnQueueSize: c.returnQ.len(),
		ReadQueueSize:   c.readQ.len(),
		WriteQueueSize:  c.writeQ.len(),

		InflightReads:  int(c.stats.inflightReads.Load()),
		InflightWrites: int(c.stats.inflightWrites.Load()),

		ReadsAttempted:     c.stats.readsAttempted.Load(),
		ReadsSucceeded:     c.stats.readsSucceeded.Load(),
		ReadsFailedFinal:   c.stats.readsFailedFinal.Load(),
		ReadRetriesIssued:  c.stats.readRetriesIssued.Load(),
		WritesAttempted:    c.stats.writesAttempted.Load(),
		WritesSucceeded:    c.stats.writesSucceeded.Load(),
		WritesFailedFinal:  c.stats.writesFailedFinal.Load(),
		WriteRetriesIssued: c.stats.writeRetriesIssued.Load(),
		Evictions:          c.stats.evictions.Load(),

		EventsEmitted:   emitted,
		EventsThrottled: throttled,

		ReadPoolActive:  c.readPool.Active(),
		WritePoolActive: c.writePool.Active(),

		CollectedAt: now,
	}
	c.statusAt = now
	return c.status
}
