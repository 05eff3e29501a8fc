package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/stash/pkg/cache"
	"github.com/cuemby/stash/pkg/rrl"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeStatusSource struct{}

func (fakeStatusSource) Status(time.Duration) cache.Status {
	return cache.Status{
		CacheName:       "fake",
		EntryTableSize:  7,
		MainQueueSize:   3,
		WritesSucceeded: 42,
	}
}

type fakeRRLSource struct{}

func (fakeRRLSource) Stats() rrl.Stats {
	return rrl.Stats{Submitted: 11, Completed: 9}
}

func (fakeRRLSource) ControlState() rrl.ControlState {
	return rrl.ControlState{RateLimit: 5, Burst: 2, TokensAvailable: 1.5}
}

func TestCollectorExportsGauges(t *testing.T) {
	collector := NewCollector(time.Hour)
	collector.AddCache("fake", fakeStatusSource{})
	collector.AddRRL("fake", fakeRRLSource{})
	collector.Start()
	defer collector.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(EntriesTotal.WithLabelValues("fake")) == 7
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("fake", "main")))
	assert.Equal(t, 42.0, testutil.ToFloat64(WritesTotal.WithLabelValues("fake", "succeeded")))
	assert.Equal(t, 11.0, testutil.ToFloat64(RRLRequestsTotal.WithLabelValues("fake", "submitted")))
	assert.Equal(t, 1.5, testutil.ToFloat64(RRLTokensAvailable.WithLabelValues("fake")))
}

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
}
