package clock

import (
	"sync"
	"time"

	"github.com/jiaming2012/tradecore/src/exchange"
)

type Mode string

const (
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// WorldClock is the single source of "now" for the scheduler and the account ledger.
type WorldClock interface {
	UtcNow() time.Time
	Mode() Mode
}

// LiveClock reads the system clock, optionally shifted by a server time offset.
type LiveClock struct {
	mu     sync.RWMutex
	offset time.Duration
}

func (c *LiveClock) UtcNow() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *LiveClock) Mode() Mode {
	return ModeLive
}

// SetOffset applies (server - local) drift measured against an upstream venue.
func (c *LiveClock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
}

func (c *LiveClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func NewLiveClock() *LiveClock {
	return &LiveClock{}
}

// BacktestClock is advanced by the simulation loop. When an exchange is attached, Add
// skips the time outside market hours and lands on the next market open.
type BacktestClock struct {
	mu          sync.RWMutex
	currentTime time.Time
	endTime     time.Time
	exchange    *exchange.Exchange
}

func (c *BacktestClock) UtcNow() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

func (c *BacktestClock) Mode() Mode {
	return ModeBacktest
}

func (c *BacktestClock) EndTime() time.Time {
	return c.endTime
}

func (c *BacktestClock) Add(timeToAdd time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exchange != nil && !c.exchange.IsBetweenMarketHours(c.currentTime) {
		c.advanceToNextMarketOpenLocked()
		return
	}

	c.currentTime = c.currentTime.Add(timeToAdd)
}

// AdvanceTo moves the clock forward to t. Moving backwards is ignored.
func (c *BacktestClock) AdvanceTo(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !t.After(c.currentTime) {
		return false
	}

	c.currentTime = t.UTC()
	return true
}

func (c *BacktestClock) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.currentTime.Before(c.endTime)
}

func (c *BacktestClock) advanceToNextMarketOpenLocked() {
	if !c.currentTime.Before(c.endTime) {
		return
	}

	next, err := c.exchange.NextMarketOpen(c.currentTime)
	if err != nil || next.After(c.endTime) {
		c.currentTime = c.endTime
		return
	}

	c.currentTime = next.UTC()
}

func NewBacktestClock(startTime time.Time, endTime time.Time, ex *exchange.Exchange) *BacktestClock {
	clock := &BacktestClock{
		currentTime: startTime.UTC(),
		endTime:     endTime.UTC(),
		exchange:    ex,
	}

	if ex != nil {
		clock.advanceToNextMarketOpenLocked()
	}

	return clock
}
