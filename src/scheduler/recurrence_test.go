package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/tradecore/src/exchange"
)

func TestRecurrence(t *testing.T) {
	nyse, err := exchange.NewNYSE()
	require.NoError(t, err)

	t.Run("daily at rolls over to the next day", func(t *testing.T) {
		rule := DailyAt(9*time.Hour, time.UTC)

		at := time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)
		require.Equal(t, time.Date(2024, time.March, 16, 9, 0, 0, 0, time.UTC), rule.Next(at))
		require.Equal(t, at, rule.Next(at.Add(-time.Nanosecond)))
	})

	t.Run("daily at keeps local wall time across DST", func(t *testing.T) {
		rule := DailyAt(9*time.Hour, nyse.TimeZone)

		// 2024-03-10 is the US spring-forward date
		before := time.Date(2024, time.March, 9, 12, 0, 0, 0, nyse.TimeZone)
		next := rule.Next(before)
		require.True(t, next.Equal(time.Date(2024, time.March, 10, 9, 0, 0, 0, nyse.TimeZone)))
		require.Equal(t, 13, next.Hour())
	})

	t.Run("trading days skip the weekend", func(t *testing.T) {
		rule := TradingDaysAt(nyse, 16*time.Hour)

		friday := time.Date(2024, time.March, 15, 16, 0, 0, 0, nyse.TimeZone)
		next := rule.Next(friday)
		require.True(t, next.Equal(time.Date(2024, time.March, 18, 16, 0, 0, 0, nyse.TimeZone)))
	})

	t.Run("every aligns on the anchor", func(t *testing.T) {
		anchor := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
		rule, err := Every(5*time.Minute, anchor)
		require.NoError(t, err)

		require.Equal(t, anchor, rule.Next(anchor.Add(-time.Hour)))
		require.Equal(t, anchor.Add(5*time.Minute), rule.Next(anchor))
		require.Equal(t, anchor.Add(10*time.Minute), rule.Next(anchor.Add(7*time.Minute)))
	})

	t.Run("every rejects a non-positive interval", func(t *testing.T) {
		_, err := Every(0, time.Now())
		require.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("during market hours filters occurrences", func(t *testing.T) {
		anchor := time.Date(2024, time.March, 15, 0, 0, 0, 0, nyse.TimeZone)
		base, err := Every(30*time.Minute, anchor)
		require.NoError(t, err)

		rule := DuringMarketHours(base, nyse)

		closeAt := time.Date(2024, time.March, 15, 16, 0, 0, 0, nyse.TimeZone)
		next := rule.Next(closeAt)
		require.True(t, next.Equal(time.Date(2024, time.March, 18, 9, 30, 0, 0, nyse.TimeZone)))
	})

	t.Run("once has a single occurrence", func(t *testing.T) {
		at := time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)
		rule := Once(at)

		require.Equal(t, at, rule.Next(at.Add(-time.Second)))
		require.Equal(t, Never, rule.Next(at))
	})
}
