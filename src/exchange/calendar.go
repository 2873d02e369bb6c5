package exchange

import (
	"time"
)

const DateLayout = "2006-01-02"

// Session is one trading day with explicit open and close instants.
type Session struct {
	Date        string
	MarketOpen  time.Time
	MarketClose time.Time
}

func (s *Session) IsBetweenMarketHours(t time.Time) bool {
	return (t.Equal(s.MarketOpen) || t.After(s.MarketOpen)) && t.Before(s.MarketClose)
}

// Calendar decides which local dates are trading days. Holidays always close the date.
// Otherwise explicit sessions are authoritative when loaded, and trading weekdays are used
// when not.
type Calendar struct {
	Weekdays map[time.Weekday]bool
	Holidays map[string]struct{}
	Sessions map[string]*Session
}

func (c *Calendar) IsOpenOnDate(date time.Time) bool {
	key := date.Format(DateLayout)

	if _, isHoliday := c.Holidays[key]; isHoliday {
		return false
	}

	if len(c.Sessions) > 0 {
		_, ok := c.Sessions[key]
		return ok
	}

	return c.Weekdays[date.Weekday()]
}

func (c *Calendar) Session(date time.Time) (*Session, bool) {
	s, ok := c.Sessions[date.Format(DateLayout)]
	return s, ok
}

func (c *Calendar) AddHoliday(date time.Time) {
	if c.Holidays == nil {
		c.Holidays = make(map[string]struct{})
	}

	c.Holidays[date.Format(DateLayout)] = struct{}{}
}

func (c *Calendar) AddSession(s *Session) {
	if c.Sessions == nil {
		c.Sessions = make(map[string]*Session)
	}

	c.Sessions[s.Date] = s
}

// NewWeekdayCalendar returns a Monday to Friday calendar with the given holidays.
func NewWeekdayCalendar(holidays ...time.Time) *Calendar {
	c := &Calendar{
		Weekdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
	}

	for _, h := range holidays {
		c.AddHoliday(h)
	}

	return c
}

// NewAlwaysOpenCalendar is used for venues that trade every day, e.g. crypto.
func NewAlwaysOpenCalendar() *Calendar {
	c := NewWeekdayCalendar()
	c.Weekdays[time.Saturday] = true
	c.Weekdays[time.Sunday] = true
	return c
}
