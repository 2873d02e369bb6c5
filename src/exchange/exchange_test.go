package exchange

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddTradingDays(t *testing.T) {
	nyse, err := NewNYSE()
	require.NoError(t, err)

	t.Run("skips the weekend", func(t *testing.T) {
		// Friday 2024-03-15 14:00 New York
		friday := time.Date(2024, time.March, 15, 18, 0, 0, 0, time.UTC)

		day, err := nyse.AddTradingDays(friday, 2)
		require.NoError(t, err)
		require.Equal(t, "2024-03-19", day.Format(DateLayout))
		require.Equal(t, time.Tuesday, day.Weekday())
	})

	t.Run("skips holidays", func(t *testing.T) {
		holiday := time.Date(2024, time.March, 18, 0, 0, 0, 0, nyse.TimeZone)
		ex := New("TEST", nyse.TimeZone, NewWeekdayCalendar(holiday), 9*time.Hour, 17*time.Hour)

		friday := time.Date(2024, time.March, 15, 18, 0, 0, 0, time.UTC)
		day, err := ex.AddTradingDays(friday, 2)
		require.NoError(t, err)
		require.Equal(t, "2024-03-20", day.Format(DateLayout))
	})

	t.Run("uses the exchange local date", func(t *testing.T) {
		// 02:00 UTC Saturday is still Friday evening in New York
		saturdayUtc := time.Date(2024, time.March, 16, 2, 0, 0, 0, time.UTC)

		day, err := nyse.AddTradingDays(saturdayUtc, 1)
		require.NoError(t, err)
		require.Equal(t, "2024-03-18", day.Format(DateLayout))
	})

	t.Run("fails on a calendar without trading days", func(t *testing.T) {
		ex := New("CLOSED", time.UTC, &Calendar{Weekdays: map[time.Weekday]bool{}}, 0, 0)

		_, err := ex.AddTradingDays(time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), 1)
		require.Error(t, err)
	})
}

func TestMarketHours(t *testing.T) {
	nyse, err := NewNYSE()
	require.NoError(t, err)

	t.Run("open during the session", func(t *testing.T) {
		at := time.Date(2024, time.March, 15, 10, 0, 0, 0, nyse.TimeZone)
		require.True(t, nyse.IsBetweenMarketHours(at))
	})

	t.Run("closed at the close", func(t *testing.T) {
		at := time.Date(2024, time.March, 15, 16, 0, 0, 0, nyse.TimeZone)
		require.False(t, nyse.IsBetweenMarketHours(at))
	})

	t.Run("next open after the weekend", func(t *testing.T) {
		at := time.Date(2024, time.March, 16, 12, 0, 0, 0, nyse.TimeZone)

		next, err := nyse.NextMarketOpen(at)
		require.NoError(t, err)
		require.True(t, next.Equal(time.Date(2024, time.March, 18, 9, 30, 0, 0, nyse.TimeZone)))
	})

	t.Run("next open is now when already open", func(t *testing.T) {
		at := time.Date(2024, time.March, 15, 11, 0, 0, 0, nyse.TimeZone)

		next, err := nyse.NextMarketOpen(at)
		require.NoError(t, err)
		require.True(t, next.Equal(at))
	})
}

func TestConvert(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	wall := time.Date(2024, time.March, 19, 16, 0, 0, 0, time.UTC)
	converted := Convert(wall, ny, time.UTC)

	// EDT is UTC-4 on 2024-03-19
	require.Equal(t, time.Date(2024, time.March, 19, 20, 0, 0, 0, time.UTC), converted)
}

func TestLoadCalendarCSV(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	t.Run("loads explicit sessions", func(t *testing.T) {
		data := "date,market_open,market_close\n2024-03-15,09:30,16:00\n2024-03-18,09:30,13:00\n"

		calendar, err := LoadCalendarCSV(strings.NewReader(data), ny)
		require.NoError(t, err)

		require.True(t, calendar.IsOpenOnDate(time.Date(2024, time.March, 15, 0, 0, 0, 0, ny)))
		require.False(t, calendar.IsOpenOnDate(time.Date(2024, time.March, 19, 0, 0, 0, 0, ny)))

		session, ok := calendar.Session(time.Date(2024, time.March, 18, 0, 0, 0, 0, ny))
		require.True(t, ok)
		require.True(t, session.MarketClose.Equal(time.Date(2024, time.March, 18, 13, 0, 0, 0, ny)))
	})

	t.Run("holidays override loaded sessions", func(t *testing.T) {
		data := "date,market_open,market_close\n2024-03-15,09:30,16:00\n"

		calendar, err := LoadCalendarCSV(strings.NewReader(data), ny)
		require.NoError(t, err)

		date := time.Date(2024, time.March, 15, 0, 0, 0, 0, ny)
		calendar.AddHoliday(date)
		require.False(t, calendar.IsOpenOnDate(date))
	})

	t.Run("rejects inverted hours", func(t *testing.T) {
		data := "date,market_open,market_close\n2024-03-15,16:00,09:30\n"

		_, err := LoadCalendarCSV(strings.NewReader(data), ny)
		require.Error(t, err)
	})
}

func TestParseTimeOfDay(t *testing.T) {
	d, err := ParseTimeOfDay("16:00:30")
	require.NoError(t, err)
	require.Equal(t, 16*time.Hour+30*time.Second, d)

	d, err = ParseTimeOfDay("09:30")
	require.NoError(t, err)
	require.Equal(t, 9*time.Hour+30*time.Minute, d)

	_, err = ParseTimeOfDay("noon")
	require.Error(t, err)
}
