package exchange

import (
	"fmt"
	"time"
)

// maxCalendarScan bounds forward searches over the calendar so a calendar with no
// trading days cannot loop forever.
const maxCalendarScan = 3660

type Exchange struct {
	Name     string
	TimeZone *time.Location
	Calendar *Calendar

	// local market hours used when the calendar carries no explicit session for a date
	OpenTime  time.Duration
	CloseTime time.Duration
}

func (e *Exchange) LocalTime(utc time.Time) time.Time {
	return utc.In(e.TimeZone)
}

// IsOpenOnDate reports whether the exchange trades on the local calendar date of `date`.
// Only the year, month and day of `date` are considered.
func (e *Exchange) IsOpenOnDate(date time.Time) bool {
	return e.Calendar.IsOpenOnDate(date)
}

// SessionOn returns the market session of a local date, derived from the default
// market hours when the calendar has no explicit entry.
func (e *Exchange) SessionOn(date time.Time) (*Session, bool) {
	if !e.IsOpenOnDate(date) {
		return nil, false
	}

	if s, ok := e.Calendar.Session(date); ok {
		return s, true
	}

	return &Session{
		Date:        date.Format(DateLayout),
		MarketOpen:  AtTimeOfDay(date, e.OpenTime, e.TimeZone),
		MarketClose: AtTimeOfDay(date, e.CloseTime, e.TimeZone),
	}, true
}

func (e *Exchange) IsBetweenMarketHours(t time.Time) bool {
	session, ok := e.SessionOn(e.LocalTime(t))
	if !ok {
		return false
	}

	return session.IsBetweenMarketHours(t)
}

// NextMarketOpen returns t itself when the market is open at t, otherwise the next
// session open after t.
func (e *Exchange) NextMarketOpen(t time.Time) (time.Time, error) {
	if e.IsBetweenMarketHours(t) {
		return t, nil
	}

	local := e.LocalTime(t)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.TimeZone)
	for i := 0; i < maxCalendarScan; i++ {
		if session, ok := e.SessionOn(day); ok && session.MarketOpen.After(t) {
			return session.MarketOpen, nil
		}
		day = day.AddDate(0, 0, 1)
	}

	return time.Time{}, fmt.Errorf("Exchange.NextMarketOpen: no session found for %s within %d days of %s", e.Name, maxCalendarScan, t)
}

// AddTradingDays walks forward from the local date of `from`, one calendar day per step,
// until `days` open dates have been counted and returns that date at local midnight.
func (e *Exchange) AddTradingDays(from time.Time, days int) (time.Time, error) {
	local := e.LocalTime(from)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.TimeZone)

	counted := 0
	for i := 0; counted < days; i++ {
		if i >= maxCalendarScan*days {
			return time.Time{}, fmt.Errorf("Exchange.AddTradingDays: %s has fewer than %d trading days after %s", e.Name, days, day.Format(DateLayout))
		}

		day = day.AddDate(0, 0, 1)
		if e.IsOpenOnDate(day) {
			counted++
		}
	}

	return day, nil
}

// AtTimeOfDay places a local wall-clock offset on the calendar date of `date` in loc.
// Hour, minute and second are set individually so DST transitions keep the wall time.
func AtTimeOfDay(date time.Time, timeOfDay time.Duration, loc *time.Location) time.Time {
	h := int(timeOfDay / time.Hour)
	m := int((timeOfDay % time.Hour) / time.Minute)
	s := int((timeOfDay % time.Minute) / time.Second)
	ns := int(timeOfDay % time.Second)
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, s, ns, loc)
}

// Convert interprets the wall clock of t in `from` and returns that instant in `to`.
func Convert(t time.Time, from, to *time.Location) time.Time {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), from)
	return wall.In(to)
}

func New(name string, tz *time.Location, calendar *Calendar, openTime, closeTime time.Duration) *Exchange {
	if calendar == nil {
		calendar = NewWeekdayCalendar()
	}

	return &Exchange{
		Name:      name,
		TimeZone:  tz,
		Calendar:  calendar,
		OpenTime:  openTime,
		CloseTime: closeTime,
	}
}

// NewNYSE builds the New York equities venue with regular hours 09:30-16:00.
func NewNYSE(holidays ...time.Time) (*Exchange, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("NewNYSE: failed to load location America/New_York: %w", err)
	}

	return New("NYSE", loc, NewWeekdayCalendar(holidays...), 9*time.Hour+30*time.Minute, 16*time.Hour), nil
}
