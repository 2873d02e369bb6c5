package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/tradecore/src/exchange"
)

// Fund is a strategy instance with its own cash allocation and positions.
type Fund struct {
	ID   string
	Name string
}

func NewFund(id, name string) *Fund {
	return &Fund{ID: id, Name: name}
}

type Position struct {
	FundID      string
	Security    *exchange.Security
	Quantity    decimal.Decimal
	MarginInUse decimal.Decimal
	NetProfit   decimal.Decimal
}

func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

func (p *Position) Symbol() string {
	if p.Security == nil {
		return ""
	}
	return p.Security.Symbol
}

// UnsettledCash is a credit that becomes usable at SettlementUtc.
type UnsettledCash struct {
	FundID        string
	Currency      string
	Amount        decimal.Decimal
	SettlementUtc time.Time
}
