package exchange

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"
)

type sessionCsvDTO struct {
	Date        string `csv:"date"`
	MarketOpen  string `csv:"market_open"`
	MarketClose string `csv:"market_close"`
}

func (dto *sessionCsvDTO) ToModel(loc *time.Location) (*Session, error) {
	date, err := time.ParseInLocation(DateLayout, dto.Date, loc)
	if err != nil {
		return nil, fmt.Errorf("sessionCsvDTO.ToModel: invalid date %q: %w", dto.Date, err)
	}

	open, err := parseClock(dto.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("sessionCsvDTO.ToModel: invalid market_open on %s: %w", dto.Date, err)
	}

	closeAt, err := parseClock(dto.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("sessionCsvDTO.ToModel: invalid market_close on %s: %w", dto.Date, err)
	}

	if closeAt <= open {
		return nil, fmt.Errorf("sessionCsvDTO.ToModel: market_close must be after market_open on %s", dto.Date)
	}

	return &Session{
		Date:        dto.Date,
		MarketOpen:  AtTimeOfDay(date, open, loc),
		MarketClose: AtTimeOfDay(date, closeAt, loc),
	}, nil
}

// LoadCalendarCSV reads explicit sessions with the columns date,market_open,market_close
// where times are local wall clock (HH:MM or HH:MM:SS) in loc.
func LoadCalendarCSV(r io.Reader, loc *time.Location) (*Calendar, error) {
	var rows []*sessionCsvDTO
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("LoadCalendarCSV: failed to parse csv: %w", err)
	}

	calendar := NewWeekdayCalendar()
	for _, row := range rows {
		session, err := row.ToModel(loc)
		if err != nil {
			return nil, fmt.Errorf("LoadCalendarCSV: %w", err)
		}

		calendar.AddSession(session)
	}

	return calendar, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from local midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	return parseClock(s)
}

func parseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}

	return 0, fmt.Errorf("expected HH:MM or HH:MM:SS, got %q", s)
}
