package scheduler

import (
	"fmt"
	"time"

	"github.com/jiaming2012/tradecore/src/exchange"
)

// Never is the sentinel "infinite" due time.
var Never = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// maxRecurrenceScan bounds the search of calendar-conditional rules.
const maxRecurrenceScan = 100000

// Recurrence computes due times. Next must return an instant strictly after `after`,
// or Never when the rule has no further occurrence.
type Recurrence interface {
	Next(after time.Time) time.Time
	String() string
}

type dailyAt struct {
	timeOfDay time.Duration
	location  *time.Location
}

// DailyAt fires every calendar day at a local wall-clock time.
func DailyAt(timeOfDay time.Duration, loc *time.Location) Recurrence {
	if loc == nil {
		loc = time.UTC
	}

	return &dailyAt{timeOfDay: timeOfDay, location: loc}
}

func (r *dailyAt) Next(after time.Time) time.Time {
	local := after.In(r.location)
	for i := 0; i < 3; i++ {
		candidate := exchange.AtTimeOfDay(local.AddDate(0, 0, i), r.timeOfDay, r.location)
		if candidate.After(after) {
			return candidate.UTC()
		}
	}

	return Never
}

func (r *dailyAt) String() string {
	return fmt.Sprintf("daily at %s %s", formatTimeOfDay(r.timeOfDay), r.location)
}

type tradingDaysAt struct {
	exchange  *exchange.Exchange
	timeOfDay time.Duration
}

// TradingDaysAt fires at a local time of the exchange, only on dates it is open.
func TradingDaysAt(ex *exchange.Exchange, timeOfDay time.Duration) Recurrence {
	return &tradingDaysAt{exchange: ex, timeOfDay: timeOfDay}
}

func (r *tradingDaysAt) Next(after time.Time) time.Time {
	local := r.exchange.LocalTime(after)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.exchange.TimeZone)

	for i := 0; i < 3660; i++ {
		if r.exchange.IsOpenOnDate(day) {
			candidate := exchange.AtTimeOfDay(day, r.timeOfDay, r.exchange.TimeZone)
			if candidate.After(after) {
				return candidate.UTC()
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return Never
}

func (r *tradingDaysAt) String() string {
	return fmt.Sprintf("trading days of %s at %s", r.exchange.Name, formatTimeOfDay(r.timeOfDay))
}

type every struct {
	interval time.Duration
	anchor   time.Time
}

// Every fires on anchor + k*interval.
func Every(interval time.Duration, anchor time.Time) (Recurrence, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("Every: %w: interval must be positive, got %s", ErrInvalidAction, interval)
	}

	return &every{interval: interval, anchor: anchor.UTC()}, nil
}

func (r *every) Next(after time.Time) time.Time {
	if after.Before(r.anchor) {
		return r.anchor
	}

	steps := after.Sub(r.anchor)/r.interval + 1
	return r.anchor.Add(steps * r.interval)
}

func (r *every) String() string {
	return fmt.Sprintf("every %s", r.interval)
}

type once struct {
	at time.Time
}

// Once fires a single time; the keeper drops the action afterwards.
func Once(at time.Time) Recurrence {
	return &once{at: at.UTC()}
}

func (r *once) Next(after time.Time) time.Time {
	if r.at.After(after) {
		return r.at
	}

	return Never
}

func (r *once) String() string {
	return fmt.Sprintf("once at %s", r.at.Format(time.RFC3339))
}

type duringMarketHours struct {
	rule     Recurrence
	exchange *exchange.Exchange
}

// DuringMarketHours keeps only the occurrences of rule that fall inside a session.
func DuringMarketHours(rule Recurrence, ex *exchange.Exchange) Recurrence {
	return &duringMarketHours{rule: rule, exchange: ex}
}

func (r *duringMarketHours) Next(after time.Time) time.Time {
	t := after
	for i := 0; i < maxRecurrenceScan; i++ {
		t = r.rule.Next(t)
		if !t.Before(Never) {
			return Never
		}

		if r.exchange.IsBetweenMarketHours(t) {
			return t
		}
	}

	return Never
}

func (r *duringMarketHours) String() string {
	return fmt.Sprintf("%s during %s market hours", r.rule, r.exchange.Name)
}

func formatTimeOfDay(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute), int(d%time.Minute/time.Second))
}
