package rrl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/stash/pkg/config"
	"github.com/cuemby/stash/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestService(t *testing.T, cfg Config, proc Processor[string, string]) *Service[string, string] {
	t.Helper()
	s, err := New(cfg, proc)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.ShutdownFor(2 * time.Second) })
	return s
}

func echoProc() Processor[string, string] {
	return ProcessorFunc[string, string](func(_ context.Context, input string, _ int) (string, error) {
		return input, nil
	})
}

func TestSubmitCompletes(t *testing.T) {
	s := newTestService(t, Config{Name: "echo", RateLimit: 100, Burst: 10}, echoProc())

	f, err := s.Submit("hello")
	require.NoError(t, err)

	out, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.NotEmpty(t, f.ID())
}

func TestRateLimitPacesDispatchAndPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []string
	var stamps []time.Time

	proc := ProcessorFunc[string, string](func(_ context.Context, input string, _ int) (string, error) {
		mu.Lock()
		processed = append(processed, input)
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return input, nil
	})

	s := newTestService(t, Config{
		Name:      "paced",
		RateLimit: 10,
		Burst:     1,
		PoolSize:  config.PoolSize{Min: 1, Max: 1},
	}, proc)

	inputs := []string{"a", "b", "c", "d", "e"}
	futures := make([]*Future[string], 0, len(inputs))
	start := time.Now()
	for _, in := range inputs {
		f, err := s.SubmitFor(in, 10*time.Second)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	outs := make([]string, 0, len(futures))
	for _, f := range futures {
		out, err := f.Get(context.Background())
		require.NoError(t, err)
		outs = append(outs, out)
	}
	elapsed := time.Since(start)

	assert.Equal(t, inputs, outs, "futures complete in submission order")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, inputs, processed)
	// 5 tasks at 10 tokens/s with burst 1 take at least ~400ms to dispatch.
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	var total time.Duration
	for i := 1; i < len(stamps); i++ {
		total += stamps[i].Sub(stamps[i-1])
	}
	avgGap := total / time.Duration(len(stamps)-1)
	assert.GreaterOrEqual(t, avgGap, 80*time.Millisecond, "average inter-arrival gap honours the limit")
}

func TestRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	var attempts []int

	proc := ProcessorFunc[string, string](func(_ context.Context, input string, attempt int) (string, error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		if attempt < 3 {
			return "", errors.New("transient failure")
		}
		return input, nil
	})

	s := newTestService(t, Config{
		Name:        "retry",
		RateLimit:   1000,
		Burst:       10,
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return 10 * time.Millisecond },
	}, proc)

	f, err := s.SubmitFor("x", 5*time.Second)
	require.NoError(t, err)
	out, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, uint64(2), s.Stats().Retried)
}

func TestFinalErrorSkipsRetries(t *testing.T) {
	calls := 0
	proc := ProcessorFunc[string, string](func(_ context.Context, _ string, _ int) (string, error) {
		calls++
		return "", Final(errors.New("permanent"))
	})

	s := newTestService(t, Config{Name: "final", RateLimit: 1000, Burst: 10, MaxAttempts: 5}, proc)

	f, err := s.Submit("x")
	require.NoError(t, err)
	_, err = f.Get(context.Background())
	require.Error(t, err)
	assert.True(t, IsFinal(err))
	assert.Equal(t, 1, calls)
}

func TestDeadlineCountsRetries(t *testing.T) {
	proc := ProcessorFunc[string, string](func(_ context.Context, _ string, _ int) (string, error) {
		return "", errors.New("always failing")
	})

	s := newTestService(t, Config{
		Name:        "deadline",
		RateLimit:   1000,
		Burst:       10,
		MaxAttempts: 100,
		Backoff:     func(int) time.Duration { return 50 * time.Millisecond },
	}, proc)

	f, err := s.SubmitFor("x", 120*time.Millisecond)
	require.NoError(t, err)
	_, err = f.Get(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCancelBeforeDispatch(t *testing.T) {
	release := make(chan struct{})
	proc := ProcessorFunc[string, string](func(_ context.Context, input string, _ int) (string, error) {
		<-release
		return input, nil
	})

	// Burst 1 at a slow rate: the first task consumes the token, the second
	// waits behind the limiter long enough to be cancelled.
	s := newTestService(t, Config{
		Name:      "cancel",
		RateLimit: 0.5,
		Burst:     1,
		PoolSize:  config.PoolSize{Min: 1, Max: 1},
	}, proc)

	first, err := s.SubmitFor("one", 10*time.Second)
	require.NoError(t, err)
	second, err := s.SubmitFor("two", 10*time.Second)
	require.NoError(t, err)

	second.Cancel()
	close(release)

	_, err = first.Get(context.Background())
	require.NoError(t, err)
	_, err = second.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestControlStateRuntimeUpdate(t *testing.T) {
	s := newTestService(t, Config{Name: "control", RateLimit: 2, Burst: 3}, echoProc())

	ctrl := s.ControlState()
	assert.Equal(t, 2.0, ctrl.RateLimit)
	assert.Equal(t, 3, ctrl.Burst)

	s.SetRateLimit(20, 7)
	ctrl = s.ControlState()
	assert.Equal(t, 20.0, ctrl.RateLimit)
	assert.Equal(t, 7, ctrl.Burst)
	assert.LessOrEqual(t, ctrl.TokensAvailable, 7.0)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	s, err := New(Config{Name: "stopped", RateLimit: 10}, echoProc())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Zero(t, s.ShutdownFor(time.Second))

	_, err = s.Submit("late")
	assert.ErrorIs(t, err, ErrShutdown)
}
