package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriggerErrors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"bad interval", "@every banana"},
		{"sub-minute interval", "@every 30s"},
		{"too few cron fields", "* * * *"},
		{"too many cron fields", "* * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "* 24 * * *"},
		{"bad range", "10-5 * * * *"},
		{"bad step", "*/0 * * * *"},
		{"garbage value", "x * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTrigger(tt.spec)
			assert.Error(t, err)
		})
	}
}

func TestIntervalTrigger(t *testing.T) {
	trig, err := ParseTrigger("@every 5m")
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(5*time.Minute), trig.Next(at))
}

func TestCronTriggerEveryQuarterHour(t *testing.T) {
	trig, err := ParseTrigger("*/15 * * * *")
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 10, 7, 30, 0, time.UTC)
	next := trig.Next(at)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 15, 0, 0, time.UTC), next)

	// Strictly after: a time exactly on a fire point advances to the next one.
	next = trig.Next(time.Date(2026, 1, 2, 10, 15, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC), next)
}

func TestCronTriggerWeekday(t *testing.T) {
	// 09:00 on Mondays. 2026-01-02 is a Friday.
	trig, err := ParseTrigger("0 9 * * 1")
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	next := trig.Next(at)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestCronTriggerList(t *testing.T) {
	trig, err := ParseTrigger("0,30 8-9 * * *")
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 8, 31, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), trig.Next(at))
}

func TestCronTriggerNeverMatches(t *testing.T) {
	// February 30th does not exist; no future fire time is found.
	trig, err := ParseTrigger("0 0 30 2 *")
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	assert.True(t, trig.Next(at).IsZero())
}
