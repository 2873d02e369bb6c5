package brokerage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/clock"
)

// SimulatedUpstream answers broker requests from a local account and a static rate table.
type SimulatedUpstream struct {
	account *account.BrokerAccount
	clock   clock.WorldClock
	mu      sync.RWMutex
	rates   map[string]decimal.Decimal
	calls   atomic.Int64
}

func (u *SimulatedUpstream) SetRate(currency string, rate decimal.Decimal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rates[currency] = rate
}

// Calls is the number of requests served.
func (u *SimulatedUpstream) Calls() int64 {
	return u.calls.Load()
}

func (u *SimulatedUpstream) FetchAccountSummary(ctx context.Context) (AccountSummary, error) {
	if err := ctx.Err(); err != nil {
		return AccountSummary{}, err
	}
	u.calls.Add(1)

	return AccountSummary{
		Currency:    u.account.Currency(),
		Equity:      u.account.Equity(),
		FreeMargin:  u.account.FreeMargin(),
		MarginInUse: u.account.MarginInUse(),
		MarginLevel: u.account.MarginLevel(),
		AsOfUtc:     u.clock.UtcNow(),
	}, nil
}

func (u *SimulatedUpstream) FetchConversionRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	u.calls.Add(1)

	u.mu.RLock()
	defer u.mu.RUnlock()

	rate, ok := u.rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("SimulatedUpstream.FetchConversionRate: no rate for %s", currency)
	}

	return rate, nil
}

func NewSimulatedUpstream(acct *account.BrokerAccount, c clock.WorldClock) *SimulatedUpstream {
	return &SimulatedUpstream{
		account: acct,
		clock:   c,
		rates:   make(map[string]decimal.Decimal),
	}
}
