package account

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
)

// CashSettledEvent is published when matured unsettled cash is folded into the ledger.
type CashSettledEvent struct {
	Entries []UnsettledCash
	AtUtc   time.Time
}

// BrokerAccount is a per-fund, per-currency cash ledger plus the fund positions.
// It performs no locking: callers serialize mutations per account.
type BrokerAccount struct {
	currency        string
	clock           clock.WorldClock
	marginCallLevel decimal.Decimal
	cash            map[string]map[string]decimal.Decimal
	unsettled       []*UnsettledCash
	positions       map[string]map[string]*Position
	rates           map[string]decimal.Decimal
	warnedRates     map[string]struct{}
	bus             *eventpubsub.Bus
	logger          *log.Entry
}

func (a *BrokerAccount) Currency() string {
	return a.currency
}

// AddCash posts amount in currency for fund. A zero settlementUtc, or one that is not
// after the current clock time, posts settled cash; a later instant records unsettled
// cash that becomes available exactly at that instant. fund may be nil for
// account-level cash.
func (a *BrokerAccount) AddCash(currency string, amount decimal.Decimal, fund *Fund, settlementUtc time.Time) error {
	if currency == "" {
		return fmt.Errorf("BrokerAccount.AddCash: %w: empty currency", ErrInvalidCurrency)
	}

	fundID := fundKey(fund)

	if settlementUtc.IsZero() || !settlementUtc.After(a.clock.UtcNow()) {
		a.postSettled(fundID, currency, amount)
		a.logger.WithFields(log.Fields{"fund": fundID, "currency": currency}).Debugf("cash posted: %s", amount)
		return nil
	}

	entry := &UnsettledCash{
		FundID:        fundID,
		Currency:      currency,
		Amount:        amount,
		SettlementUtc: settlementUtc.UTC(),
	}

	i := sort.Search(len(a.unsettled), func(i int) bool {
		return a.unsettled[i].SettlementUtc.After(entry.SettlementUtc)
	})
	a.unsettled = append(a.unsettled, nil)
	copy(a.unsettled[i+1:], a.unsettled[i:])
	a.unsettled[i] = entry

	a.logger.WithFields(log.Fields{"fund": fundID, "currency": currency, "settles": entry.SettlementUtc}).Debugf("unsettled cash recorded: %s", amount)
	return nil
}

// ScanForCashSettlement folds every matured unsettled entry into the settled ledger and
// returns how many were applied.
func (a *BrokerAccount) ScanForCashSettlement() int {
	now := a.clock.UtcNow()

	var settled []UnsettledCash
	remaining := a.unsettled[:0]
	for _, u := range a.unsettled {
		if !u.SettlementUtc.After(now) {
			a.postSettled(u.FundID, u.Currency, u.Amount)
			settled = append(settled, *u)
			continue
		}
		remaining = append(remaining, u)
	}
	for i := len(remaining); i < len(a.unsettled); i++ {
		a.unsettled[i] = nil
	}
	a.unsettled = remaining

	if len(settled) > 0 {
		a.logger.Infof("settled %d unsettled cash entries", len(settled))
		a.bus.Publish(eventpubsub.TopicCashSettlement, CashSettledEvent{Entries: settled, AtUtc: now})
	}

	return len(settled)
}

// CashBalance is the usable cash of a fund in currency, including unsettled entries
// whose settlement instant has passed.
func (a *BrokerAccount) CashBalance(fundID, currency string) decimal.Decimal {
	now := a.clock.UtcNow()
	total := a.cash[fundID][currency]

	for _, u := range a.unsettled {
		if u.FundID == fundID && u.Currency == currency && !u.SettlementUtc.After(now) {
			total = total.Add(u.Amount)
		}
	}

	return total
}

// UnsettledCashBalance is the cash of a fund in currency that is not usable yet.
func (a *BrokerAccount) UnsettledCashBalance(fundID, currency string) decimal.Decimal {
	now := a.clock.UtcNow()
	total := decimal.Zero

	for _, u := range a.unsettled {
		if u.FundID == fundID && u.Currency == currency && u.SettlementUtc.After(now) {
			total = total.Add(u.Amount)
		}
	}

	return total
}

func (a *BrokerAccount) UnsettledCash() []UnsettledCash {
	out := make([]UnsettledCash, 0, len(a.unsettled))
	for _, u := range a.unsettled {
		out = append(out, *u)
	}
	return out
}

// SetConversionRate sets the price of one unit of currency in the account currency.
func (a *BrokerAccount) SetConversionRate(currency string, rate decimal.Decimal) {
	a.rates[currency] = rate
	delete(a.warnedRates, currency)
}

func (a *BrokerAccount) ConversionRate(currency string) (decimal.Decimal, bool) {
	if currency == a.currency {
		return decimal.NewFromInt(1), true
	}

	rate, ok := a.rates[currency]
	return rate, ok
}

func (a *BrokerAccount) SetPosition(fundID string, p Position) error {
	if p.Security == nil || p.Security.Symbol == "" {
		return fmt.Errorf("BrokerAccount.SetPosition: %w: missing security", ErrInvalidPosition)
	}

	p.FundID = fundID
	if a.positions[fundID] == nil {
		a.positions[fundID] = make(map[string]*Position)
	}
	a.positions[fundID][p.Security.Symbol] = &p

	return nil
}

func (a *BrokerAccount) Position(fundID, symbol string) (*Position, bool) {
	p, ok := a.positions[fundID][symbol]
	return p, ok
}

// Positions returns every position ordered by fund ID then symbol.
func (a *BrokerAccount) Positions() []*Position {
	var out []*Position
	for _, bySymbol := range a.positions {
		for _, p := range bySymbol {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FundID != out[j].FundID {
			return out[i].FundID < out[j].FundID
		}
		return out[i].Symbol() < out[j].Symbol()
	})

	return out
}

// Equity is settled plus unsettled cash plus the net profit of every position, in the
// account currency.
func (a *BrokerAccount) Equity() decimal.Decimal {
	settled, unsettled := a.cashValues()
	equity := settled.Add(unsettled)

	for _, p := range a.Positions() {
		equity = equity.Add(p.NetProfit)
	}

	return equity
}

func (a *BrokerAccount) MarginInUse() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions() {
		total = total.Add(p.MarginInUse)
	}
	return total
}

// FreeMargin excludes unsettled cash, which cannot back new exposure yet.
func (a *BrokerAccount) FreeMargin() decimal.Decimal {
	_, unsettled := a.cashValues()
	return a.Equity().Sub(a.MarginInUse()).Sub(unsettled)
}

// MarginLevel is Equity / MarginInUse, or zero when no margin is in use.
func (a *BrokerAccount) MarginLevel() decimal.Decimal {
	used := a.MarginInUse()
	if used.IsZero() {
		return decimal.Zero
	}

	return a.Equity().Div(used)
}

func (a *BrokerAccount) MarginCallLevel() decimal.Decimal {
	return a.marginCallLevel
}

func (a *BrokerAccount) cashValues() (settled, unsettled decimal.Decimal) {
	now := a.clock.UtcNow()

	for _, byCurrency := range a.cash {
		for currency, amount := range byCurrency {
			settled = settled.Add(a.toAccountCurrency(currency, amount))
		}
	}

	for _, u := range a.unsettled {
		value := a.toAccountCurrency(u.Currency, u.Amount)
		if u.SettlementUtc.After(now) {
			unsettled = unsettled.Add(value)
		} else {
			settled = settled.Add(value)
		}
	}

	return settled, unsettled
}

func (a *BrokerAccount) toAccountCurrency(currency string, amount decimal.Decimal) decimal.Decimal {
	rate, ok := a.ConversionRate(currency)
	if !ok {
		if _, warned := a.warnedRates[currency]; !warned {
			a.logger.WithField("currency", currency).Warn("no conversion rate; cash excluded from account value")
			a.warnedRates[currency] = struct{}{}
		}
		return decimal.Zero
	}

	return amount.Mul(rate)
}

func (a *BrokerAccount) postSettled(fundID, currency string, amount decimal.Decimal) {
	if a.cash[fundID] == nil {
		a.cash[fundID] = make(map[string]decimal.Decimal)
	}
	a.cash[fundID][currency] = a.cash[fundID][currency].Add(amount)
}

func fundKey(fund *Fund) string {
	if fund == nil {
		return ""
	}
	return fund.ID
}

func NewBrokerAccount(currency string, c clock.WorldClock, marginCallLevel decimal.Decimal, bus *eventpubsub.Bus, logger *log.Entry) *BrokerAccount {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &BrokerAccount{
		currency:        currency,
		clock:           c,
		marginCallLevel: marginCallLevel,
		cash:            make(map[string]map[string]decimal.Decimal),
		positions:       make(map[string]map[string]*Position),
		rates:           make(map[string]decimal.Decimal),
		warnedRates:     make(map[string]struct{}),
		bus:             bus,
		logger:          logger.WithField("component", "account"),
	}
}
