package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
}

func (n *recordingNotifier) Notify(event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestBus(clock *fakeClock, notifier Notifier) *Bus {
	return NewBus(BusConfig{
		Logger:       zerolog.Nop(),
		Interval:     time.Second,
		MaxPerWindow: 3,
		Notifier:     notifier,
		NotifyHook:   notifier != nil,
		Clock:        clock.Now,
	})
}

func drain(sub Subscriber) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestThrottleCapsPerClassifier(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bus := newTestBus(clock, nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		bus.Emit(&Event{Type: TypeStorageReadRetryIssued, Severity: SeverityWarn, Message: "retry"})
	}

	delivered := drain(sub)
	assert.Len(t, delivered, 3, "at most MaxPerWindow events delivered per window")

	emitted, throttled := bus.Counts()
	assert.Equal(t, uint64(10), emitted)
	assert.Equal(t, uint64(7), throttled)
}

func TestThrottleSummaryAtWindowClose(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bus := newTestBus(clock, nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Emit(&Event{Type: TypeStorageWriteRetry, Severity: SeverityWarn, Message: "retry"})
	}
	drain(sub)

	clock.Advance(2 * time.Second)
	bus.Emit(&Event{Type: TypeStorageWriteRetry, Severity: SeverityWarn, Message: "retry"})

	delivered := drain(sub)
	require.Len(t, delivered, 2, "summary plus the new event")
	assert.Equal(t, TypeThrottleSummary, delivered[0].Type)
	assert.Equal(t, "2", delivered[0].Fields["skipped"])
	assert.Equal(t, string(TypeStorageWriteRetry), delivered[0].Fields["classifier"])
	assert.Equal(t, TypeStorageWriteRetry, delivered[1].Type)
}

func TestThrottleWindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bus := newTestBus(clock, nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	emit := func(n int) int {
		for i := 0; i < n; i++ {
			bus.Emit(&Event{Type: TypeStorageReadRetryIssued, Severity: SeverityWarn})
		}
		count := 0
		for _, ev := range drain(sub) {
			if ev.Type == TypeStorageReadRetryIssued {
				count++
			}
		}
		return count
	}

	// A burst straddling what a tumbling window would call a boundary must
	// still respect the cap over every interval-length span.
	assert.Equal(t, 3, emit(3))

	clock.Advance(950 * time.Millisecond)
	assert.Zero(t, emit(3), "capacity is still consumed 950ms after the first burst")

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, emit(1), "capacity frees once the oldest emission ages out")

	_, throttled := bus.Counts()
	assert.Equal(t, uint64(3), throttled)
}

func TestThrottleIsPerClassifier(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bus := newTestBus(clock, nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Emit(&Event{Type: TypeNonStandard, Classifier: "one", Severity: SeverityInfo})
		bus.Emit(&Event{Type: TypeNonStandard, Classifier: "two", Severity: SeverityInfo})
	}

	byClassifier := map[string]int{}
	for _, ev := range drain(sub) {
		byClassifier[ev.Classifier]++
	}
	assert.Equal(t, 3, byClassifier["one"])
	assert.Equal(t, 3, byClassifier["two"])
}

func TestNotifierSeesEveryEventPreThrottle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	notifier := &recordingNotifier{}
	bus := newTestBus(clock, notifier)

	for i := 0; i < 10; i++ {
		bus.Emit(&Event{Type: TypeStorageReadRetryIssued, Severity: SeverityWarn})
	}
	assert.Equal(t, 10, notifier.count(), "notifier hook fires before throttling")
}

func TestSeverityNames(t *testing.T) {
	tests := []struct {
		severity Severity
		expected string
	}{
		{SeverityDebug, "DEBUG"},
		{SeverityInfo, "INFO"},
		{SeverityWarn, "WARN"},
		{SeverityExternalInfo, "EXTERNAL_INFO"},
		{SeverityExternalWarn, "EXTERNAL_WARN"},
		{SeverityExternalError, "EXTERNAL_ERROR"},
		{SeverityExternalDataLoss, "EXTERNAL_DATA_LOSS"},
		{SeverityError, "ERROR"},
		{SeverityCritical, "CRITICAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.severity.String())
	}
}
