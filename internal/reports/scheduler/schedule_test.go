package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/analytics-engine/pkg/errdefs"
)

func TestParseScheduleNext(t *testing.T) {
	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // Monday

	tests := []struct {
		expr     string
		timezone string
		from     time.Time
		want     time.Time
	}{
		{"every 1 hour", "", noon, noon.Add(time.Hour)},
		{"every 15 Minutes", "", noon, noon.Add(15 * time.Minute)},
		{"Every 2 days", "", noon, noon.Add(48 * time.Hour)},
		{"every 1 week", "", noon, noon.Add(7 * 24 * time.Hour)},
		{"@hourly", "", noon.Add(30 * time.Minute), noon.Add(time.Hour)},
		{"@every 90m", "", noon, noon.Add(90 * time.Minute)},
		{"0 0 * * *", "", noon, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		// 09:00 New York (EST) is 14:00 UTC.
		{"0 9 * * 1-5", "America/New_York", noon, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr, tt.timezone)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(tt.from))
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		timezone string
		field    string
	}{
		{"empty", "", "", "schedule"},
		{"zero interval", "every 0 hours", "", "schedule"},
		{"unknown unit", "every 3 fortnights", "", "schedule"},
		{"bad minute", "61 * * * *", "", "schedule"},
		{"six fields", "0 0 0 * * *", "", "schedule"},
		{"bad timezone", "@daily", "Mars/Olympus", "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr, tt.timezone)
			require.Error(t, err)

			var verr *errdefs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
