/*
Package events provides the severity-typed, throttled event bus used by the
cache stages and the RRL service.

Every observable occurrence is an Event carrying a Type (standard events) or
a free-form Classifier (non-standard events) plus one of nine severities,
from DEBUG up to EXTERNAL_DATA_LOSS and CRITICAL. The bus renders surviving
events to the structured logger, fans them out to channel subscribers, and
optionally delivers every event pre-throttle to a user-supplied Notifier.

# Throttling

Over any sliding window of length logThrottleTimeInterval a classifier may
emit at most logThrottleMaxMessagesOfTypePerTimeInterval events: each
classifier keeps a ring of its recent allowance instants, and an emission
is allowed only once the oldest has aged out of the trailing interval.
Overflow is counted and reported by a single LOG_THROTTLE_SUMMARY event,
delivered just before the classifier's next allowed emission once capacity
has freed. The bus has no timer: a classifier that emits nothing further
gets no summary. Summary events are never throttled themselves.

	┌─────────────── EVENT FLOW ────────────────┐
	│                                            │
	│  Emit(event)                               │
	│     │                                      │
	│     ├──► Notifier hook (every event)       │
	│     │                                      │
	│     ├──► per-classifier sliding window     │
	│     │        │            │                │
	│     │     allowed      skipped++           │
	│     │        │            │                │
	│     │        ▼       next allowed emit ──► │
	│     │    zerolog       LOG_THROTTLE_       │
	│     │    render        SUMMARY             │
	│     │        │                             │
	│     └──► subscriber fan-out (buffered,     │
	│          slow subscribers skip)            │
	└────────────────────────────────────────────┘

# Usage

	bus := events.NewBus(events.BusConfig{
		Logger:       log.WithCache("accounts"),
		Interval:     time.Minute,
		MaxPerWindow: 10,
	})

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Emit(&events.Event{
		Type:     events.TypeStorageWriteFailFinal,
		Severity: events.SeverityExternalError,
		Key:      "account-42",
		Message:  "Storage write failed finally",
	})
*/
package events
