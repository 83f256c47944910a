package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
)

func TestNormalizeOptions_NilYieldsDefaults(t *testing.T) {
	opts, err := NormalizeOptions(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, opts.Priority)
	assert.Equal(t, 3, opts.RetryLimit)
	assert.True(t, opts.RetryBackoff)
	assert.Equal(t, time.Second, opts.RetryDelay)
	assert.True(t, opts.StartAfter.IsZero())
	assert.Empty(t, opts.SingletonKey)
}

func TestNormalizeOptions_CallerValuesWin(t *testing.T) {
	priority := 5
	retryLimit := 0
	retryBackoff := false
	retryDelay := 10
	startAfter := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	opts, err := NormalizeOptions(&protocol.JobOptions{
		Priority:     &priority,
		RetryLimit:   &retryLimit,
		RetryBackoff: &retryBackoff,
		RetryDelay:   &retryDelay,
		StartAfter:   &startAfter,
		SingletonKey: "dedup-1",
		ExpireIn:     "15m",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, opts.Priority)
	assert.Equal(t, 0, opts.RetryLimit, "explicit zero retry limit must not be defaulted")
	assert.False(t, opts.RetryBackoff)
	assert.Equal(t, 10*time.Second, opts.RetryDelay)
	assert.Equal(t, startAfter, opts.StartAfter)
	assert.Equal(t, "dedup-1", opts.SingletonKey)
	assert.Equal(t, 15*time.Minute, opts.ExpireIn)
}

func TestNormalizeOptions_InvalidExpireIn(t *testing.T) {
	_, err := NormalizeOptions(&protocol.JobOptions{ExpireIn: "fortnight"})
	assert.Error(t, err)
}
