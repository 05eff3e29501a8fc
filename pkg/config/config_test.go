package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndDerivedValues(t *testing.T) {
	cfg := Default("test")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test", cfg.CacheName)
	assert.Equal(t, 2*cfg.MainQueueMaxTargetSize, cfg.MaxCacheElementsHardLimit,
		"hard limit defaults to 2x target")
	assert.Equal(t, cfg.MainQueueCacheTime/10, cfg.MainQueueCacheTimeMin,
		"minimum dwell defaults to one tenth of cycle time")
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"cacheName":                "accounts",
		"mainQueueMaxTargetSize":   "500",
		"mainQueueCacheTime":       "5s",
		"returnQueueCacheTimeMin":  "250ms",
		"canMergeWrites":           "true",
		"readThreadPoolSize":       "[2,6]",
		"writeThreadPoolSize":      "[-1,-1]",
		"readFailureMaxRetryCount": "7",
		"acceptOutOfOrderReads":    "true",
		"resyncTooLateAction":      "MERGE_DATA",
	})
	require.NoError(t, err)

	assert.Equal(t, "accounts", cfg.CacheName)
	assert.Equal(t, 500, cfg.MainQueueMaxTargetSize)
	assert.Equal(t, 1000, cfg.MaxCacheElementsHardLimit)
	assert.Equal(t, 5*time.Second, cfg.MainQueueCacheTime)
	assert.Equal(t, 500*time.Millisecond, cfg.MainQueueCacheTimeMin)
	assert.Equal(t, 250*time.Millisecond, cfg.ReturnQueueCacheTimeMin)
	assert.True(t, cfg.CanMergeWrites)
	assert.Equal(t, PoolSize{Min: 2, Max: 6}, cfg.ReadThreadPoolSize)
	assert.True(t, cfg.WriteThreadPoolSize.Inline())
	assert.Equal(t, 7, cfg.ReadFailureMaxRetryCount)
	assert.True(t, cfg.AcceptOutOfOrderReads)
	assert.Equal(t, TooLateMergeData, cfg.ResyncTooLateAction)
}

func TestBareIntegerDurationsAreMilliseconds(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"mainQueueCacheTime": "1500",
	})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.MainQueueCacheTime)
}

func TestFromMapRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]string
	}{
		{"unknown option", map[string]string{"mainQueueSize": "10"}},
		{"bad bool", map[string]string{"canMergeWrites": "maybe"}},
		{"bad pool shape", map[string]string{"readThreadPoolSize": "[4]"}},
		{"inverted pool shape", map[string]string{"readThreadPoolSize": "[5,2]"}},
		{"bad enum", map[string]string{"resyncFailedFinalAction": "EXPLODE"}},
		{"hard limit below target", map[string]string{
			"mainQueueMaxTargetSize":    "100",
			"maxCacheElementsHardLimit": "50",
		}},
		{"min dwell above cycle", map[string]string{
			"mainQueueCacheTime":    "1s",
			"mainQueueCacheTimeMin": "2s",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.options)
			assert.Error(t, err)
		})
	}
}

func TestFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stash.yaml")
	content := "cacheName: yaml-cache\nmainQueueCacheTime: 2s\ncanMergeWrites: true\nlogThrottleMaxMessagesOfTypePerTimeInterval: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := FromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml-cache", cfg.CacheName)
	assert.Equal(t, 2*time.Second, cfg.MainQueueCacheTime)
	assert.True(t, cfg.CanMergeWrites)
	assert.Equal(t, 25, cfg.LogThrottleMaxMessagesOfTypePerTimeInterval)
}

func TestFromYAMLMissingFile(t *testing.T) {
	_, err := FromYAML("/nonexistent/stash.yaml")
	assert.Error(t, err)
}
