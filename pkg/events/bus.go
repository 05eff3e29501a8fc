package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier receives every event before throttling when notification is
// enabled. Implementations must not block.
type Notifier interface {
	Notify(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// throttleState tracks one classifier's sliding throttle window: a ring of
// the instants of the last maxPerWindow allowed emissions, plus the count
// of suppressed events not yet summarised. An emission is allowed only when
// the oldest ringed allowance has fallen out of the trailing interval, so
// no interval-length window ever contains more than maxPerWindow events.
type throttleState struct {
	allowed []time.Time
	next    int // ring slot holding the oldest allowance
	skipped int
}

// Bus emits severity-typed events: it notifies the optional observer,
// applies per-classifier throttling, renders surviving events to the
// logger, and fans events out to channel subscribers.
type Bus struct {
	logger       zerolog.Logger
	interval     time.Duration
	maxPerWindow int
	notifier     Notifier
	notify       bool
	clock        func() time.Time

	mu          sync.Mutex
	windows     map[string]*throttleState
	subscribers map[Subscriber]bool

	emitted   uint64
	throttled uint64
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	Logger       zerolog.Logger
	Interval     time.Duration
	MaxPerWindow int
	Notifier     Notifier
	NotifyHook   bool
	Clock        func() time.Time
}

// NewBus creates a new event bus.
func NewBus(cfg BusConfig) *Bus {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		logger:       cfg.Logger,
		interval:     cfg.Interval,
		maxPerWindow: cfg.MaxPerWindow,
		notifier:     cfg.Notifier,
		notify:       cfg.NotifyHook && cfg.Notifier != nil,
		clock:        clock,
		windows:      make(map[string]*throttleState),
		subscribers:  make(map[Subscriber]bool),
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Emit publishes an event. The notifier hook sees every event; throttled
// events are counted and summarised by a single skipped-count event that is
// delivered with the classifier's next allowed emission once the sliding
// window frees capacity. Throttle summaries themselves are never throttled.
func (b *Bus) Emit(event *Event) {
	now := b.clock()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if b.notify {
		b.notifier.Notify(event)
	}

	classifier := event.ClassifierKey()
	meta := event.Type == TypeThrottleSummary

	b.mu.Lock()
	b.emitted++

	var summary *Event
	allowed := true
	if !meta {
		state := b.windows[classifier]
		if state == nil {
			state = &throttleState{allowed: make([]time.Time, b.maxPerWindow)}
			b.windows[classifier] = state
		}
		oldest := state.allowed[state.next]
		if oldest.IsZero() || now.Sub(oldest) >= b.interval {
			if state.skipped > 0 {
				summary = b.summaryLocked(classifier, state.skipped, now)
				state.skipped = 0
			}
			state.allowed[state.next] = now
			state.next = (state.next + 1) % len(state.allowed)
		} else {
			state.skipped++
			b.throttled++
			allowed = false
		}
	}
	b.mu.Unlock()

	if summary != nil {
		b.deliver(summary)
	}
	if allowed {
		b.deliver(event)
	}
}

// summaryLocked builds the skipped-count event for a classifier whose
// window has freed capacity again.
func (b *Bus) summaryLocked(classifier string, skipped int, now time.Time) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      TypeThrottleSummary,
		Severity:  SeverityWarn,
		Timestamp: now,
		Message:   "Events throttled during last interval",
		Fields: map[string]string{
			"classifier": classifier,
			"skipped":    strconv.Itoa(skipped),
		},
	}
}

// deliver renders the event to the logger and fans it out to subscribers.
func (b *Bus) deliver(event *Event) {
	logEvent := b.logEvent(event.Severity)
	logEvent = logEvent.
		Str("event_type", string(event.Type)).
		Str("severity", event.Severity.String())
	if event.Classifier != "" {
		logEvent = logEvent.Str("classifier", event.Classifier)
	}
	if event.Key != "" {
		logEvent = logEvent.Str("key", event.Key)
	}
	if event.Err != nil {
		logEvent = logEvent.Err(event.Err)
	}
	for k, v := range event.Fields {
		logEvent = logEvent.Str(k, v)
	}
	logEvent.Msg(event.Message)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (b *Bus) logEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityDebug:
		return b.logger.Debug()
	case SeverityInfo, SeverityExternalInfo:
		return b.logger.Info()
	case SeverityWarn, SeverityExternalWarn:
		return b.logger.Warn()
	case SeverityCritical:
		return b.logger.Error().Bool("critical", true)
	default:
		return b.logger.Error()
	}
}

// Counts returns total emitted and throttled event counts.
func (b *Bus) Counts() (emitted, throttled uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted, b.throttled
}
