package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/stash/pkg/log"
	"gopkg.in/yaml.v3"
)

// ReadFailedFinalAction decides what happens to an entry whose initial read
// failed after all retries.
type ReadFailedFinalAction string

const (
	ReadFailedRemoveFromCache ReadFailedFinalAction = "REMOVE_FROM_CACHE"
	ReadFailedKeepAndThrow    ReadFailedFinalAction = "KEEP_AND_THROW"
)

// ResyncTooLateAction decides what happens when a refresh read returns after
// the entry's cycle has already rolled over (or its update log overflowed).
type ResyncTooLateAction string

const (
	TooLateSetDirectly            ResyncTooLateAction = "SET_DIRECTLY"
	TooLateMergeData              ResyncTooLateAction = "MERGE_DATA"
	TooLateClearReadPendingStatus ResyncTooLateAction = "CLEAR_READ_PENDING_STATUS"
	TooLateRemoveFromCache        ResyncTooLateAction = "REMOVE_FROM_CACHE"
	// TooLateDoNothing is accepted for completeness but handled as
	// CLEAR_READ_PENDING_STATUS. Validation logs a warning when selected.
	TooLateDoNothing ResyncTooLateAction = "DO_NOTHING"
)

// ResyncFailedFinalAction decides what happens to an entry whose refresh read
// failed after all retries.
type ResyncFailedFinalAction string

const (
	ResyncFailedRemoveFromCache       ResyncFailedFinalAction = "REMOVE_FROM_CACHE"
	ResyncFailedStopCollectingUpdates ResyncFailedFinalAction = "STOP_COLLECTING_UPDATES"
	ResyncFailedKeepCollectingUpdates ResyncFailedFinalAction = "KEEP_COLLECTING_UPDATES"
)

// PoolSize is a [min,max] worker pool shape. {-1,-1} means no pool: work is
// executed inline on the stage processor goroutine.
type PoolSize struct {
	Min int
	Max int
}

// Inline reports whether the pool shape requests inline execution.
func (p PoolSize) Inline() bool {
	return p.Min == -1 && p.Max == -1
}

// Config holds the full configuration for a cache instance. Defaults are
// applied once at construction; all consumers read the struct directly.
type Config struct {
	CacheName string

	// Capacity
	MainQueueMaxTargetSize    int
	MaxCacheElementsHardLimit int
	MaxUpdatesToCollect       int

	// Timing
	MainQueueCacheTime      time.Duration
	MainQueueCacheTimeMin   time.Duration
	ReturnQueueCacheTimeMin time.Duration
	MaxSleepTime            time.Duration

	// Policy
	CanMergeWrites                              bool
	InitialReadFailedFinalAction                ReadFailedFinalAction
	ResyncTooLateAction                         ResyncTooLateAction
	ResyncFailedFinalAction                     ResyncFailedFinalAction
	AllowDataWritingAfterResyncFailedFinal      bool
	AllowDataReadingAfterResyncFailedFinal      bool
	AllowUpdatesCollectionForMultipleFullCycles bool
	AcceptOutOfOrderReads                       bool

	// Worker pools and batching
	ReadThreadPoolSize      PoolSize
	WriteThreadPoolSize     PoolSize
	ReadQueueBatchingDelay  time.Duration
	WriteQueueBatchingDelay time.Duration

	// Retry budgets
	ReadFailureMaxRetryCount           int
	WriteFailureMaxRetryCount          int
	FullCacheCycleFailureMaxRetryCount int
	ReturnQueueMaxRequeueCount         int
	MaxCacheRemovedRetries             int

	// Event throttling and notification
	LogThrottleTimeInterval                     time.Duration
	LogThrottleMaxMessagesOfTypePerTimeInterval int
	EventNotificationEnabled                    bool
}

// Default returns a Config with all defaults applied for the named cache.
func Default(cacheName string) *Config {
	return &Config{
		CacheName:                 cacheName,
		MainQueueMaxTargetSize:    1000,
		MaxCacheElementsHardLimit: 0, // derived: 2x target
		MaxUpdatesToCollect:       4000,

		MainQueueCacheTime:      10 * time.Second,
		MainQueueCacheTimeMin:   0, // derived: cache time / 10
		ReturnQueueCacheTimeMin: 1 * time.Second,
		MaxSleepTime:            100 * time.Millisecond,

		CanMergeWrites:                              false,
		InitialReadFailedFinalAction:                ReadFailedRemoveFromCache,
		ResyncTooLateAction:                         TooLateClearReadPendingStatus,
		ResyncFailedFinalAction:                     ResyncFailedKeepCollectingUpdates,
		AllowDataWritingAfterResyncFailedFinal:      true,
		AllowDataReadingAfterResyncFailedFinal:      true,
		AllowUpdatesCollectionForMultipleFullCycles: true,
		AcceptOutOfOrderReads:                       false,

		ReadThreadPoolSize:      PoolSize{Min: 1, Max: 8},
		WriteThreadPoolSize:     PoolSize{Min: 1, Max: 8},
		ReadQueueBatchingDelay:  0,
		WriteQueueBatchingDelay: 0,

		ReadFailureMaxRetryCount:           3,
		WriteFailureMaxRetryCount:          3,
		FullCacheCycleFailureMaxRetryCount: 3,
		ReturnQueueMaxRequeueCount:         5,
		MaxCacheRemovedRetries:             5,

		LogThrottleTimeInterval:                     60 * time.Second,
		LogThrottleMaxMessagesOfTypePerTimeInterval: 10,
		EventNotificationEnabled:                    false,
	}
}

// FromMap builds a Config from a flat string-keyed option map. Unknown keys
// are rejected so typos surface at startup rather than as silent defaults.
func FromMap(options map[string]string) (*Config, error) {
	name := options["cacheName"]
	if name == "" {
		name = "stash"
	}
	cfg := Default(name)

	for key, value := range options {
		if err := cfg.set(key, value); err != nil {
			return nil, fmt.Errorf("option %q: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML loads a flat option map from a YAML file and builds a Config.
func FromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	options := make(map[string]string, len(raw))
	for key, value := range raw {
		options[key] = fmt.Sprintf("%v", value)
	}
	return FromMap(options)
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "cacheName":
		c.CacheName = value
	case "mainQueueMaxTargetSize":
		c.MainQueueMaxTargetSize, err = strconv.Atoi(value)
	case "maxCacheElementsHardLimit":
		c.MaxCacheElementsHardLimit, err = strconv.Atoi(value)
	case "maxUpdatesToCollect":
		c.MaxUpdatesToCollect, err = strconv.Atoi(value)
	case "mainQueueCacheTime":
		c.MainQueueCacheTime, err = parseDuration(value)
	case "mainQueueCacheTimeMin":
		c.MainQueueCacheTimeMin, err = parseDuration(value)
	case "returnQueueCacheTimeMin":
		c.ReturnQueueCacheTimeMin, err = parseDuration(value)
	case "maxSleepTime":
		c.MaxSleepTime, err = parseDuration(value)
	case "canMergeWrites":
		c.CanMergeWrites, err = strconv.ParseBool(value)
	case "initialReadFailedFinalAction":
		c.InitialReadFailedFinalAction = ReadFailedFinalAction(value)
	case "resyncTooLateAction":
		c.ResyncTooLateAction = ResyncTooLateAction(value)
	case "resyncFailedFinalAction":
		c.ResyncFailedFinalAction = ResyncFailedFinalAction(value)
	case "allowDataWritingAfterResyncFailedFinal":
		c.AllowDataWritingAfterResyncFailedFinal, err = strconv.ParseBool(value)
	case "allowDataReadingAfterResyncFailedFinal":
		c.AllowDataReadingAfterResyncFailedFinal, err = strconv.ParseBool(value)
	case "allowUpdatesCollectionForMultipleFullCycles":
		c.AllowUpdatesCollectionForMultipleFullCycles, err = strconv.ParseBool(value)
	case "acceptOutOfOrderReads":
		c.AcceptOutOfOrderReads, err = strconv.ParseBool(value)
	case "readThreadPoolSize":
		c.ReadThreadPoolSize, err = parsePoolSize(value)
	case "writeThreadPoolSize":
		c.WriteThreadPoolSize, err = parsePoolSize(value)
	case "readQueueBatchingDelay":
		c.ReadQueueBatchingDelay, err = parseDuration(value)
	case "writeQueueBatchingDelay":
		c.WriteQueueBatchingDelay, err = parseDuration(value)
	case "readFailureMaxRetryCount":
		c.ReadFailureMaxRetryCount, err = strconv.Atoi(value)
	case "writeFailureMaxRetryCount":
		c.WriteFailureMaxRetryCount, err = strconv.Atoi(value)
	case "fullCacheCycleFailureMaxRetryCount":
		c.FullCacheCycleFailureMaxRetryCount, err = strconv.Atoi(value)
	case "returnQueueMaxRequeueCount":
		c.ReturnQueueMaxRequeueCount, err = strconv.Atoi(value)
	case "maxCacheRemovedRetries":
		c.MaxCacheRemovedRetries, err = strconv.Atoi(value)
	case "logThrottleTimeInterval":
		c.LogThrottleTimeInterval, err = parseDuration(value)
	case "logThrottleMaxMessagesOfTypePerTimeInterval":
		c.LogThrottleMaxMessagesOfTypePerTimeInterval, err = strconv.Atoi(value)
	case "eventNotificationEnabled":
		c.EventNotificationEnabled, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown option")
	}
	return err
}

// Validate checks the configuration and applies derived defaults. It must be
// called once before the Config is handed to a cache instance.
func (c *Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("cacheName must not be empty")
	}
	if c.MainQueueMaxTargetSize <= 0 {
		return fmt.Errorf("mainQueueMaxTargetSize must be positive")
	}
	if c.MaxCacheElementsHardLimit == 0 {
		c.MaxCacheElementsHardLimit = 2 * c.MainQueueMaxTargetSize
	}
	if c.MaxCacheElementsHardLimit < c.MainQueueMaxTargetSize {
		return fmt.Errorf("maxCacheElementsHardLimit must be >= mainQueueMaxTargetSize")
	}
	if c.MainQueueCacheTime <= 0 {
		return fmt.Errorf("mainQueueCacheTime must be positive")
	}
	if c.MainQueueCacheTimeMin == 0 {
		c.MainQueueCacheTimeMin = c.MainQueueCacheTime / 10
	}
	if c.MainQueueCacheTimeMin > c.MainQueueCacheTime {
		return fmt.Errorf("mainQueueCacheTimeMin must be <= mainQueueCacheTime")
	}
	if c.ReturnQueueCacheTimeMin < 0 {
		return fmt.Errorf("returnQueueCacheTimeMin must not be negative")
	}
	if c.MaxSleepTime <= 0 {
		return fmt.Errorf("maxSleepTime must be positive")
	}
	if c.MaxUpdatesToCollect <= 0 {
		return fmt.Errorf("maxUpdatesToCollect must be positive")
	}

	switch c.InitialReadFailedFinalAction {
	case ReadFailedRemoveFromCache, ReadFailedKeepAndThrow:
	default:
		return fmt.Errorf("invalid initialReadFailedFinalAction %q", c.InitialReadFailedFinalAction)
	}
	switch c.ResyncTooLateAction {
	case TooLateSetDirectly, TooLateMergeData, TooLateClearReadPendingStatus,
		TooLateRemoveFromCache, TooLateDoNothing:
	default:
		return fmt.Errorf("invalid resyncTooLateAction %q", c.ResyncTooLateAction)
	}
	if c.ResyncTooLateAction == TooLateDoNothing {
		log.Logger.Warn().Str("cache_name", c.CacheName).
			Msg("resyncTooLateAction DO_NOTHING is handled as CLEAR_READ_PENDING_STATUS")
	}
	switch c.ResyncFailedFinalAction {
	case ResyncFailedRemoveFromCache, ResyncFailedStopCollectingUpdates,
		ResyncFailedKeepCollectingUpdates:
	default:
		return fmt.Errorf("invalid resyncFailedFinalAction %q", c.ResyncFailedFinalAction)
	}

	if err := validatePoolSize(c.ReadThreadPoolSize); err != nil {
		return fmt.Errorf("readThreadPoolSize: %w", err)
	}
	if err := validatePoolSize(c.WriteThreadPoolSize); err != nil {
		return fmt.Errorf("writeThreadPoolSize: %w", err)
	}

	if c.ReadFailureMaxRetryCount < 0 || c.WriteFailureMaxRetryCount < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.LogThrottleTimeInterval <= 0 {
		return fmt.Errorf("logThrottleTimeInterval must be positive")
	}
	if c.LogThrottleMaxMessagesOfTypePerTimeInterval <= 0 {
		return fmt.Errorf("logThrottleMaxMessagesOfTypePerTimeInterval must be positive")
	}
	return nil
}

func validatePoolSize(p PoolSize) error {
	if p.Inline() {
		return nil
	}
	if p.Min < 0 || p.Max < 1 || p.Min > p.Max {
		return fmt.Errorf("invalid pool shape [%d,%d]", p.Min, p.Max)
	}
	return nil
}

// parseDuration accepts Go duration strings ("250ms", "5s") and bare
// integers, which are interpreted as milliseconds.
func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

// parsePoolSize accepts "[min,max]" or "min,max".
func parsePoolSize(value string) (PoolSize, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "["), "]")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return PoolSize{}, fmt.Errorf("expected [min,max], got %q", value)
	}
	minSize, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PoolSize{}, err
	}
	maxSize, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PoolSize{}, err
	}
	return PoolSize{Min: minSize, Max: maxSize}, nil
}
