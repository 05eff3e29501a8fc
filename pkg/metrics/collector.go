package metrics

import (
	"time"

	"github.com/cuemby/stash/pkg/cache"
	"github.com/cuemby/stash/pkg/rrl"
)

// StatusSource is any cache instance exposing status snapshots.
type StatusSource interface {
	Status(maxAge time.Duration) cache.Status
}

// RRLSource is any RRL service exposing counters and limiter state.
type RRLSource interface {
	Stats() rrl.Stats
	ControlState() rrl.ControlState
}

// Collector periodically exports cache and RRL status into the Prometheus
// gauges.
type Collector struct {
	caches   map[string]StatusSource
	services map[string]RRLSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		caches:   make(map[string]StatusSource),
		services: make(map[string]RRLSource),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// AddCache registers a cache for collection.
func (c *Collector) AddCache(name string, src StatusSource) {
	c.caches[name] = src
}

// AddRRL registers an RRL service for collection.
func (c *Collector) AddRRL(name string, src RRLSource) {
	c.services[name] = src
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	timer := NewTimer()
	defer timer.ObserveDuration(CollectionDuration)

	for name, src := range c.caches {
		st := src.Status(c.interval / 2)

		EntriesTotal.WithLabelValues(name).Set(float64(st.EntryTableSize))
		QueueDepth.WithLabelValues(name, "main").Set(float64(st.MainQueueSize))
		QueueDepth.WithLabelValues(name, "return").Set(float64(st.ReturnQueueSize))
		QueueDepth.WithLabelValues(name, "read").Set(float64(st.ReadQueueSize))
		QueueDepth.WithLabelValues(name, "write").Set(float64(st.WriteQueueSize))
		InflightReads.WithLabelValues(name).Set(float64(st.InflightReads))
		InflightWrites.WithLabelValues(name).Set(float64(st.InflightWrites))
		ReadsTotal.WithLabelValues(name, "attempted").Set(float64(st.ReadsAttempted))
		ReadsTotal.WithLabelValues(name, "succeeded").Set(float64(st.ReadsSucceeded))
		ReadsTotal.WithLabelValues(name, "failed_final").Set(float64(st.ReadsFailedFinal))
		ReadsTotal.WithLabelValues(name, "retry_issued").Set(float64(st.ReadRetriesIssued))
		WritesTotal.WithLabelValues(name, "attempted").Set(float64(st.WritesAttempted))
		WritesTotal.WithLabelValues(name, "succeeded").Set(float64(st.WritesSucceeded))
		WritesTotal.WithLabelValues(name, "failed_final").Set(float64(st.WritesFailedFinal))
		WritesTotal.WithLabelValues(name, "retry_issued").Set(float64(st.WriteRetriesIssued))
		EvictionsTotal.WithLabelValues(name).Set(float64(st.Evictions))
		EventsEmittedTotal.WithLabelValues(name).Set(float64(st.EventsEmitted))
		EventsThrottledTotal.WithLabelValues(name).Set(float64(st.EventsThrottled))
		PoolActive.WithLabelValues(name, "read").Set(float64(st.ReadPoolActive))
		PoolActive.WithLabelValues(name, "write").Set(float64(st.WritePoolActive))
	}

	for name, src := range c.services {
		st := src.Stats()
		RRLRequestsTotal.WithLabelValues(name, "submitted").Set(float64(st.Submitted))
		RRLRequestsTotal.WithLabelValues(name, "completed").Set(float64(st.Completed))
		RRLRequestsTotal.WithLabelValues(name, "failed").Set(float64(st.Failed))
		RRLRequestsTotal.WithLabelValues(name, "retried").Set(float64(st.Retried))
		RRLRequestsTotal.WithLabelValues(name, "cancelled").Set(float64(st.Cancelled))
		RRLRequestsTotal.WithLabelValues(name, "timed_out").Set(float64(st.TimedOut))
		RRLQueueDepth.WithLabelValues(name, "main").Set(float64(st.Queued))
		RRLQueueDepth.WithLabelValues(name, "delay").Set(float64(st.Delayed))

		ctrl := src.ControlState()
		RRLTokensAvailable.WithLabelValues(name).Set(ctrl.TokensAvailable)
	}
}
