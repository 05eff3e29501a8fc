package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedQueueOrdersByExpiry(t *testing.T) {
	q := newTimedQueue[string]()
	base := time.Now()

	// Pushed in insertion order, but with shrinking dwells as size
	// pressure produces: the queue must deliver by expiry instant.
	q.push("slow", 1, base.Add(300*time.Millisecond))
	q.push("medium", 1, base.Add(200*time.Millisecond))
	q.push("fast", 1, base.Add(50*time.Millisecond))

	stopCh := make(chan struct{})
	var got []string
	for i := 0; i < 3; i++ {
		h, ok := q.next(time.Now, 20*time.Millisecond, stopCh)
		require.True(t, ok)
		got = append(got, h.key)
	}
	assert.Equal(t, []string{"fast", "medium", "slow"}, got)
	assert.Zero(t, q.len())
}

func TestTimedQueueWakesForSoonerPush(t *testing.T) {
	q := newTimedQueue[string]()
	q.push("late", 1, time.Now().Add(10*time.Second))

	done := make(chan string, 1)
	stopCh := make(chan struct{})
	go func() {
		h, ok := q.next(time.Now, 50*time.Millisecond, stopCh)
		if ok {
			done <- h.key
		}
	}()

	// A sooner-expiring handle pushed while the processor sleeps on the
	// later head must be delivered first, without waiting for that head.
	time.Sleep(10 * time.Millisecond)
	q.push("soon", 1, time.Now().Add(20*time.Millisecond))

	select {
	case key := <-done:
		assert.Equal(t, "soon", key)
	case <-time.After(2 * time.Second):
		t.Fatal("sooner-expiring handle was not delivered")
	}
	close(stopCh)
}

func TestTimedQueueStopsOnStopChannel(t *testing.T) {
	q := newTimedQueue[string]()
	stopCh := make(chan struct{})
	close(stopCh)

	_, ok := q.next(time.Now, 10*time.Millisecond, stopCh)
	assert.False(t, ok)
}
