package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/stash/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestInlinePoolRunsSynchronously(t *testing.T) {
	p := NewPool("inline", Config{Min: -1, Max: -1})
	defer p.Stop()

	ran := false
	p.Submit(func() { ran = true })
	assert.True(t, ran, "inline submit returns after the task ran")
	assert.Zero(t, p.Size())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool("bounded", Config{Min: 1, Max: 2, IdleTimeout: 50 * time.Millisecond})
	defer p.Stop()

	var current, peak, done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(func() {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				done.Add(1)
			})
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return done.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(2), "no more than Max tasks run at once")
}

func TestPoolShrinksToMin(t *testing.T) {
	p := NewPool("shrink", Config{Min: 1, Max: 4, IdleTimeout: 20 * time.Millisecond})
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(func() { time.Sleep(10 * time.Millisecond) })
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return p.Size() == 1 },
		2*time.Second, 10*time.Millisecond, "idle workers exit down to Min")
}

func TestQuiesceReportsOutstanding(t *testing.T) {
	p := NewPool("quiesce", Config{Min: 1, Max: 2})
	defer p.Stop()

	release := make(chan struct{})
	p.Submit(func() { <-release })

	assert.Equal(t, 1, p.Quiesce(time.Now().Add(30*time.Millisecond)))
	close(release)
	assert.Zero(t, p.Quiesce(time.Now().Add(time.Second)))
}
