package exchange

import (
	"github.com/shopspring/decimal"
)

type Security struct {
	Symbol       string
	BaseCurrency string
	Exchange     *Exchange

	// LotSize is the smallest tradable quantity; zero means fractional quantities are allowed.
	LotSize decimal.Decimal
}

func NewSecurity(symbol, baseCurrency string, ex *Exchange) *Security {
	return &Security{
		Symbol:       symbol,
		BaseCurrency: baseCurrency,
		Exchange:     ex,
		LotSize:      decimal.Zero,
	}
}
