package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New("America/New_York")
	require.NoError(t, err)
	return c
}

func ny(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func TestHolidays2026(t *testing.T) {
	c := newTestCalendar(t)

	got := c.Holidays(2026)
	want := map[string]string{
		"2026-01-01": "New Year's Day",
		"2026-01-19": "Martin Luther King Jr. Day",
		"2026-02-16": "Presidents' Day",
		"2026-04-03": "Good Friday",
		"2026-05-25": "Memorial Day",
		"2026-06-19": "Juneteenth",
		"2026-07-03": "Independence Day (Observed)",
		"2026-09-07": "Labor Day",
		"2026-11-26": "Thanksgiving Day",
		"2026-12-25": "Christmas Day",
	}

	assert.Len(t, got, len(want))
	for _, h := range got {
		assert.Equal(t, want[h.Date.Format("2006-01-02")], h.Name, h.Date.Format("2006-01-02"))
	}
}

func TestGoodFridayAcrossYears(t *testing.T) {
	// Easter dates verified against the published liturgical calendar.
	cases := map[int]string{
		2024: "2024-03-29",
		2025: "2025-04-18",
		2026: "2026-04-03",
		2027: "2027-03-26",
	}
	c := newTestCalendar(t)
	for year, want := range cases {
		for _, h := range c.Holidays(year) {
			if h.Name == "Good Friday" {
				assert.Equal(t, want, h.Date.Format("2006-01-02"), "year %d", year)
			}
		}
	}
}

func TestIsMarketDay(t *testing.T) {
	c := newTestCalendar(t)

	assert.True(t, c.IsMarketDay(ny(t, "2026-08-24 12:00")), "regular Monday")
	assert.False(t, c.IsMarketDay(ny(t, "2026-08-22 12:00")), "Saturday")
	assert.False(t, c.IsMarketDay(ny(t, "2026-08-23 12:00")), "Sunday")
	assert.False(t, c.IsMarketDay(ny(t, "2026-11-26 12:00")), "Thanksgiving")
	assert.False(t, c.IsMarketDay(ny(t, "2026-07-03 12:00")), "observed Independence Day")
	assert.True(t, c.IsMarketDay(ny(t, "2026-07-06 12:00")), "Monday after observed holiday")
}

func TestIsFirstMarketDayOfWeek(t *testing.T) {
	c := newTestCalendar(t)

	// Plain week: Monday is the first market day.
	assert.True(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-08-24 09:00")))
	assert.False(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-08-25 09:00")))

	// MLK Monday 2026-01-19: Tuesday becomes the first market day.
	assert.False(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-01-19 09:00")))
	assert.True(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-01-20 09:00")))
	assert.False(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-01-21 09:00")))

	// Weekends are never market days at all.
	assert.False(t, c.IsFirstMarketDayOfWeek(ny(t, "2026-08-23 09:00")))
}

func TestTodaySession(t *testing.T) {
	c := newTestCalendar(t)

	assert.Equal(t, PhasePre, c.TodaySession(ny(t, "2026-08-24 08:00")))
	assert.Equal(t, PhaseAM, c.TodaySession(ny(t, "2026-08-24 09:30")))
	assert.Equal(t, PhaseAM, c.TodaySession(ny(t, "2026-08-24 11:59")))
	assert.Equal(t, PhaseMid, c.TodaySession(ny(t, "2026-08-24 12:30")))
	assert.Equal(t, PhasePM, c.TodaySession(ny(t, "2026-08-24 14:30")))
	assert.Equal(t, PhasePost, c.TodaySession(ny(t, "2026-08-24 16:00")))
}

func TestNextFire(t *testing.T) {
	c := newTestCalendar(t)

	// Before the clock time on an open day: fires today.
	got := c.NextFire(10, 45, ny(t, "2026-08-24 09:00"))
	assert.Equal(t, ny(t, "2026-08-24 10:45"), got)

	// After the clock time: fires the next open day.
	got = c.NextFire(10, 45, ny(t, "2026-08-24 11:00"))
	assert.Equal(t, ny(t, "2026-08-25 10:45"), got)

	// Friday afternoon skips the weekend.
	got = c.NextFire(9, 0, ny(t, "2026-08-21 15:00"))
	assert.Equal(t, ny(t, "2026-08-24 09:00"), got)

	// Day before Thanksgiving skips the holiday.
	got = c.NextFire(9, 0, ny(t, "2026-11-25 10:00"))
	assert.Equal(t, ny(t, "2026-11-27 09:00"), got)
}

func TestTradingDay(t *testing.T) {
	c := newTestCalendar(t)

	// A UTC evening instant is still the same trading day in New York.
	utc := time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-24", c.TradingDay(utc))
}
