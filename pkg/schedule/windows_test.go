package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cuemby/ferry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		full    string
		inc     string
		wantErr bool
		wantInc bool
	}{
		{"five fields", "0 2 * * *", "", false, false},
		{"with incremental", "0 2 * * *", "0 * * * *", false, true},
		{"seconds", "0 0 2 * * *", "*/30 * * * * *", false, true},
		{"descriptor", "@daily", "@hourly", false, true},
		{"every rejected", "@every 1h", "", true, false},
		{"time zone prefix rejected", "CRON_TZ=Europe/Berlin 0 2 * * *", "", true, false},
		{"bad full", "not a cron", "", true, false},
		{"bad incremental", "0 2 * * *", "61 * * * *", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Parse(tt.full, tt.inc, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInc, w.HasIncremental())
		})
	}
}

func TestFromSchedule(t *testing.T) {
	w, err := FromSchedule(&types.Schedule{
		Name:      "nightly",
		FullCron:  "0 2 * * *",
		OnFailure: types.OnFailureRetry,
		Location:  "Europe/Vienna",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OnFailureRetry, w.OnFailure())

	// 02:00 in Vienna is 01:00 UTC in winter
	next := w.NextFull(at("2024-01-01 00:00:00"))
	assert.True(t, next.Equal(at("2024-01-01 01:00:00")), next.String())

	_, err = FromSchedule(&types.Schedule{Name: "x", FullCron: "0 2 * * *", Location: "Nowhere/Nothing"})
	assert.Error(t, err)

	w, err = FromSchedule(&types.Schedule{Name: "dflt", FullCron: "0 2 * * *"})
	require.NoError(t, err)
	assert.Equal(t, types.OnFailureSkip, w.OnFailure())
}

func TestNextAndLast(t *testing.T) {
	w, err := Parse("0 2 * * *", "*/15 * * * * *", nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		fn   func(time.Time) time.Time
		in   string
		want string
	}{
		{"next full", w.NextFull, "2024-01-01 10:00:00", "2024-01-02 02:00:00"},
		{"next full on fire time is strictly after", w.NextFull, "2024-01-01 02:00:00", "2024-01-02 02:00:00"},
		{"last full", w.LastFull, "2024-01-01 10:00:00", "2024-01-01 02:00:00"},
		{"last full on fire time is inclusive", w.LastFull, "2024-01-01 02:00:00", "2024-01-01 02:00:00"},
		{"last full just before", w.LastFull, "2024-01-01 01:59:59", "2023-12-31 02:00:00"},
		{"last full across months", w.LastFull, "2024-03-01 01:00:00", "2024-02-29 02:00:00"},
		{"last incr", func(t time.Time) time.Time { v, _ := w.LastIncr(t); return v }, "2024-01-01 10:00:07", "2024-01-01 10:00:00"},
		{"next incr", func(t time.Time) time.Time { v, _ := w.NextIncr(t); return v }, "2024-01-01 10:00:07", "2024-01-01 10:00:15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(at(tt.in))
			assert.True(t, got.Equal(at(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestLastYearly(t *testing.T) {
	w, err := Parse("0 0 1 1 *", "", nil)
	require.NoError(t, err)

	got := w.LastFull(at("2024-06-15 12:00:00"))
	assert.True(t, got.Equal(at("2024-01-01 00:00:00")), got.String())

	_, ok := w.LastIncr(at("2024-06-15 12:00:00"))
	assert.False(t, ok)
	_, ok = w.NextIncr(at("2024-06-15 12:00:00"))
	assert.False(t, ok)
}

func TestDaylightSaving(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	daily, err := Parse("30 2 * * *", "", berlin)
	require.NoError(t, err)
	hourly, err := Parse("0 * * * *", "", berlin)
	require.NoError(t, err)

	// times are UTC; Berlin is UTC+2 in summer and UTC+1 in winter
	tests := []struct {
		name string
		fn   func(time.Time) time.Time
		in   string
		want string
	}{
		{"before clocks go back", daily.NextFull, "2024-10-26 12:00:00", "2024-10-27 00:30:00"},
		{"repeated 02:30 fires once", daily.NextFull, "2024-10-27 00:45:00", "2024-10-28 01:30:00"},
		{"last within repeated hour", daily.LastFull, "2024-10-27 01:45:00", "2024-10-27 00:30:00"},
		{"repeated hour collapsed", hourly.NextFull, "2024-10-27 00:00:00", "2024-10-27 02:00:00"},
		{"skipped 02:30 fires after the gap", daily.NextFull, "2024-03-30 12:00:00", "2024-03-31 01:00:00"},
		{"next day after the gap", daily.NextFull, "2024-03-31 01:00:00", "2024-04-01 00:30:00"},
		{"last after the gap", daily.LastFull, "2024-03-31 12:00:00", "2024-03-31 01:00:00"},
		{"hour before the gap", hourly.NextFull, "2024-03-31 00:00:00", "2024-03-31 01:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(at(tt.in))
			assert.True(t, got.Equal(at(tt.want)), "got %s want %s", got.UTC(), tt.want)
		})
	}
}
