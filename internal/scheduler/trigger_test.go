package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalTrigger(t *testing.T) {
	_, err := NewInterval(0)
	assert.Error(t, err)
	_, err = NewInterval(-time.Second)
	assert.Error(t, err)

	tr, err := NewInterval(time.Hour)
	require.NoError(t, err)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), tr.First(now))
	assert.Equal(t, now.Add(2*time.Hour), tr.Next(now.Add(time.Hour)))

	// anchored trigger fires immediately when Start == now
	anchored := tr.StartAt(now)
	assert.Equal(t, now, anchored.First(now))
	assert.Equal(t, "interval[1h0m0s]", anchored.Description())
}

func TestCronTrigger(t *testing.T) {
	_, err := NewCron("not a cron")
	assert.Error(t, err)

	tr, err := NewCron("0 9 * * *")
	require.NoError(t, err)

	// scheduled after 09:00, the first firing is tomorrow 09:00
	now := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	first := tr.First(now)
	assert.Equal(t, time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC), first)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), tr.Next(first))

	// before 09:00, the firing is today
	early := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC), tr.First(early))
}

func TestCronDescriptor(t *testing.T) {
	tr, err := NewCron("@hourly")
	require.NoError(t, err)
	now := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC), tr.First(now))
}

func TestDateTrigger(t *testing.T) {
	_, err := NewDate(time.Time{})
	assert.Error(t, err)

	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewDate(at)
	require.NoError(t, err)

	assert.Equal(t, at, tr.First(at.Add(-time.Hour)))
	assert.True(t, tr.Next(at).IsZero(), "one-off trigger must exhaust after firing")
}
