package run

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RenderSummary prints per-fund cash and the account aggregates.
func RenderSummary(w io.Writer, e *Engine) {
	p := message.NewPrinter(language.English)
	currency := e.Account.Currency()

	money := func(d decimal.Decimal) string {
		return p.Sprintf("%.2f %s", d.InexactFloat64(), currency)
	}

	funds := tablewriter.NewWriter(w)
	funds.SetHeader([]string{"Fund", "Name", "Settled Cash", "Unsettled Cash", "Positions"})
	funds.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, f := range e.Funds {
		open := 0
		for _, pos := range e.Account.Positions() {
			if pos.FundID == f.ID && !pos.IsFlat() {
				open++
			}
		}

		funds.Append([]string{
			f.ID,
			f.Name,
			money(e.Account.CashBalance(f.ID, currency)),
			money(e.Account.UnsettledCashBalance(f.ID, currency)),
			fmt.Sprintf("%d", open),
		})
	}
	funds.Render()

	totals := tablewriter.NewWriter(w)
	totals.SetHeader([]string{"Equity", "Margin In Use", "Free Margin", "Margin Level"})
	totals.SetAlignment(tablewriter.ALIGN_RIGHT)
	totals.Append([]string{
		money(e.Account.Equity()),
		money(e.Account.MarginInUse()),
		money(e.Account.FreeMargin()),
		e.Account.MarginLevel().StringFixed(4),
	})
	totals.Render()

	fmt.Fprintf(w, "liquidations: %d, settlements: %d, callback errors: %d\n",
		e.Journal.Count(EntryLiquidation), e.Journal.Count(EntrySettlement), e.Journal.Count(EntryCallbackError))
}
