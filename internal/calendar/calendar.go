// Package calendar answers the scheduling questions the pipeline asks about
// the US equity market: is a date a trading day, which intraday phase a time
// falls in, and when a clocked job fires next. All answers are computed in
// America/New_York regardless of host timezone.
package calendar

import (
	"fmt"
	"sort"
	"time"
)

// Phase is the intraday segment of an exchange day.
type Phase string

const (
	PhasePre  Phase = "PRE"
	PhaseAM   Phase = "AM"
	PhaseMid  Phase = "MID"
	PhasePM   Phase = "PM"
	PhasePost Phase = "POST"
)

// Holiday is one market closure.
type Holiday struct {
	Date time.Time
	Name string
}

// Calendar computes NYSE trading days and clock arithmetic in a fixed zone.
type Calendar struct {
	loc      *time.Location
	holidays map[string]string // "2006-01-02" -> name, lazily built per year
}

// New builds a calendar for the given IANA timezone, normally
// America/New_York.
func New(timezone string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Calendar{loc: loc, holidays: make(map[string]string)}, nil
}

// Location returns the calendar's zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Now returns the current instant in the calendar's zone.
func (c *Calendar) Now() time.Time { return time.Now().In(c.loc) }

// TradingDay formats t's calendar date in the calendar zone, the canonical
// trading-day key used by the dedup set and session runs.
func (c *Calendar) TradingDay(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// IsMarketDay reports whether the market is open on t's calendar date.
// Weekends and holidays (including weekend observations) are closed.
func (c *Calendar) IsMarketDay(t time.Time) bool {
	d := t.In(c.loc)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	c.ensureYear(d.Year())
	_, closed := c.holidays[d.Format("2006-01-02")]
	return !closed
}

// HolidayName returns the closure name for t's date, or "" when the market
// is open (weekends return "").
func (c *Calendar) HolidayName(t time.Time) string {
	d := t.In(c.loc)
	c.ensureYear(d.Year())
	return c.holidays[d.Format("2006-01-02")]
}

// NextMarketDay returns the first open date strictly after t.
func (c *Calendar) NextMarketDay(t time.Time) time.Time {
	d := dateOf(t.In(c.loc))
	for {
		d = d.AddDate(0, 0, 1)
		if c.IsMarketDay(d) {
			return d
		}
	}
}

// PreviousMarketDay returns the last open date strictly before t.
func (c *Calendar) PreviousMarketDay(t time.Time) time.Time {
	d := dateOf(t.In(c.loc))
	for {
		d = d.AddDate(0, 0, -1)
		if c.IsMarketDay(d) {
			return d
		}
	}
}

// IsFirstMarketDayOfWeek reports whether t's date is the earliest open day of
// its ISO week. Weekly newsletter categories refresh only on this day.
func (c *Calendar) IsFirstMarketDayOfWeek(t time.Time) bool {
	d := dateOf(t.In(c.loc))
	if !c.IsMarketDay(d) {
		return false
	}
	// Walk back to Monday of the ISO week.
	monday := d.AddDate(0, 0, -int((d.Weekday()+6)%7))
	for cur := monday; !cur.After(d); cur = cur.AddDate(0, 0, 1) {
		if c.IsMarketDay(cur) {
			return cur.Equal(d)
		}
	}
	return false
}

// TodaySession returns the intraday phase of t. Phase boundaries follow the
// exchange day: core hours 09:30-16:00 split into a morning block, a midday
// lunch block and an afternoon block.
func (c *Calendar) TodaySession(t time.Time) Phase {
	d := t.In(c.loc)
	m := d.Hour()*60 + d.Minute()
	switch {
	case m < 9*60+30:
		return PhasePre
	case m < 12*60:
		return PhaseAM
	case m < 13*60:
		return PhaseMid
	case m < 16*60:
		return PhasePM
	default:
		return PhasePost
	}
}

// NextFire returns the next instant strictly after t at which a job clocked
// at hour:min fires, skipping closed days.
func (c *Calendar) NextFire(hour, min int, t time.Time) time.Time {
	d := t.In(c.loc)
	fire := time.Date(d.Year(), d.Month(), d.Day(), hour, min, 0, 0, c.loc)
	if !fire.After(d) || !c.IsMarketDay(fire) {
		next := d
		for {
			next = c.NextMarketDay(next)
			fire = time.Date(next.Year(), next.Month(), next.Day(), hour, min, 0, 0, c.loc)
			if fire.After(d) {
				return fire
			}
		}
	}
	return fire
}

// Holidays returns the market closures for a year, sorted by date. An
// observed New Year's Day landing on December 31 of the prior year is listed
// under the year it is observed in.
func (c *Calendar) Holidays(year int) []Holiday {
	c.ensureYear(year)
	var out []Holiday
	for key, name := range c.holidays {
		d, err := time.ParseInLocation("2006-01-02", key, c.loc)
		if err != nil || d.Year() != year {
			continue
		}
		out = append(out, Holiday{Date: d, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// ensureYear populates the holiday map for a year and its neighbors, so that
// observations sliding across the year boundary are always present.
func (c *Calendar) ensureYear(year int) {
	for _, y := range []int{year - 1, year, year + 1} {
		key := fmt.Sprintf("%04d", y)
		if _, done := c.holidays["built:"+key]; done {
			continue
		}
		c.holidays["built:"+key] = ""
		for _, h := range c.computeYear(y) {
			c.holidays[h.Date.Format("2006-01-02")] = h.Name
		}
	}
}

// computeYear builds the NYSE closure set for one year. Fixed-date holidays
// observe the weekend rule: Saturday moves to the prior Friday, Sunday to the
// following Monday. Floating holidays always land on weekdays.
func (c *Calendar) computeYear(year int) []Holiday {
	var out []Holiday

	fixed := func(month time.Month, day int, name string) {
		d := time.Date(year, month, day, 0, 0, 0, 0, c.loc)
		switch d.Weekday() {
		case time.Saturday:
			d = d.AddDate(0, 0, -1)
			name += " (Observed)"
		case time.Sunday:
			d = d.AddDate(0, 0, 1)
			name += " (Observed)"
		}
		out = append(out, Holiday{Date: d, Name: name})
	}

	fixed(time.January, 1, "New Year's Day")
	out = append(out,
		Holiday{Date: nthWeekday(year, time.January, time.Monday, 3, c.loc), Name: "Martin Luther King Jr. Day"},
		Holiday{Date: nthWeekday(year, time.February, time.Monday, 3, c.loc), Name: "Presidents' Day"},
		Holiday{Date: easterSunday(year, c.loc).AddDate(0, 0, -2), Name: "Good Friday"},
		Holiday{Date: lastWeekday(year, time.May, time.Monday, c.loc), Name: "Memorial Day"},
	)
	fixed(time.June, 19, "Juneteenth")
	fixed(time.July, 4, "Independence Day")
	out = append(out,
		Holiday{Date: nthWeekday(year, time.September, time.Monday, 1, c.loc), Name: "Labor Day"},
		Holiday{Date: nthWeekday(year, time.November, time.Thursday, 4, c.loc), Name: "Thanksgiving Day"},
	)
	fixed(time.December, 25, "Christmas Day")

	return out
}

// nthWeekday returns the nth given weekday of a month.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(wd) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the last given weekday of a month.
func lastWeekday(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// easterSunday computes Easter for a year with the anonymous Gregorian
// algorithm.
func easterSunday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	cc := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := cc / 4
	k := cc % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
