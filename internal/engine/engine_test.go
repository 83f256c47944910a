package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule_FiveField(t *testing.T) {
	sched, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 5, 0, 0, time.UTC), sched.Next(base))
}

func TestParseSchedule_Descriptor(t *testing.T) {
	sched, err := ParseSchedule("@every 30s")
	require.NoError(t, err)

	base := time.Now()
	next := sched.Next(base)
	assert.Equal(t, 30*time.Second, next.Sub(base))
}

func TestParseSchedule_Invalid(t *testing.T) {
	_, err := ParseSchedule("not a cron")
	assert.Error(t, err)

	_, err = ParseSchedule("* * * * * * *")
	assert.Error(t, err)
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	cancelled := 0
	sub := &Subscription{
		cancel: func() { cancelled++ },
		done:   make(chan struct{}),
	}

	sub.Cancel()
	sub.Cancel()

	assert.Equal(t, 1, cancelled)
}
