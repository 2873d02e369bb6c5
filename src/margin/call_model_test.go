package margin

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
	"github.com/jiaming2012/tradecore/src/exchange"
	"github.com/jiaming2012/tradecore/src/logger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeAccount struct {
	equity, free, used, level, callLevel decimal.Decimal
	positions                            []*account.Position
}

func (a *fakeAccount) Equity() decimal.Decimal          { return a.equity }
func (a *fakeAccount) FreeMargin() decimal.Decimal      { return a.free }
func (a *fakeAccount) MarginInUse() decimal.Decimal     { return a.used }
func (a *fakeAccount) MarginLevel() decimal.Decimal     { return a.level }
func (a *fakeAccount) MarginCallLevel() decimal.Decimal { return a.callLevel }
func (a *fakeAccount) Positions() []*account.Position   { return a.positions }

func newModel(t *testing.T, bus *eventpubsub.Bus) *CallModel {
	start := time.Date(2024, time.March, 15, 15, 0, 0, 0, time.UTC)
	m, err := NewDefault(DefaultFreeMarginRatio, clock.NewBacktestClock(start, start.Add(time.Hour), nil), bus, nil)
	require.NoError(t, err)
	return m
}

func TestCheckMarginCall(t *testing.T) {
	nyse, err := exchange.NewNYSE()
	require.NoError(t, err)

	spy := exchange.NewSecurity("SPY", "USD", nyse)
	qqq := exchange.NewSecurity("QQQ", "USD", nyse)
	iwm := exchange.NewSecurity("IWM", "USD", nyse)

	fundA := account.NewFund("a", "A")
	fundB := account.NewFund("b", "B")

	newAccount := func(t *testing.T) *account.BrokerAccount {
		start := time.Date(2024, time.March, 15, 15, 0, 0, 0, time.UTC)
		acct := account.NewBrokerAccount("USD", clock.NewBacktestClock(start, start.Add(time.Hour), nil), dec("1"), nil, nil)

		require.NoError(t, acct.AddCash("USD", dec("500"), fundA, time.Time{}))
		require.NoError(t, acct.SetPosition("a", account.Position{Security: spy, Quantity: dec("10"), MarginInUse: dec("50"), NetProfit: dec("-100")}))
		require.NoError(t, acct.SetPosition("a", account.Position{Security: qqq, Quantity: dec("-100"), MarginInUse: dec("300"), NetProfit: dec("-20")}))
		require.NoError(t, acct.SetPosition("b", account.Position{Security: iwm, Quantity: dec("5"), MarginInUse: dec("200"), NetProfit: dec("50")}))

		return acct
	}

	t.Run("liquidates worst performers first and stops at the deficit", func(t *testing.T) {
		acct := newAccount(t)

		// equity 430, margin in use 550, free margin -120, target 86, deficit 206
		orders, warning := newModel(t, nil).CheckMarginCall([]*account.Fund{fundA, fundB}, acct)

		require.True(t, warning)
		require.Len(t, orders, 2)

		require.Equal(t, "SPY", orders[0].Symbol)
		require.True(t, dec("-10").Equal(orders[0].Quantity))
		require.True(t, dec("50").Equal(orders[0].FreedMargin))

		require.Equal(t, "QQQ", orders[1].Symbol)
		require.True(t, dec("52").Equal(orders[1].Quantity))
		require.True(t, dec("156").Equal(orders[1].FreedMargin))

		freed := orders[0].FreedMargin.Add(orders[1].FreedMargin)
		require.True(t, dec("206").Equal(freed))

		for _, o := range orders {
			require.NotEmpty(t, o.ID)
			require.Equal(t, LiquidationTag, o.Tag)
			require.Equal(t, "a", o.FundID)
			require.Equal(t, time.Date(2024, time.March, 15, 15, 0, 0, 0, time.UTC), o.CreatedUtc)
		}
		require.NotEqual(t, orders[0].ID, orders[1].ID)
	})

	t.Run("positions of unknown funds are skipped", func(t *testing.T) {
		acct := newAccount(t)

		orders, warning := newModel(t, nil).CheckMarginCall([]*account.Fund{fundB}, acct)

		require.True(t, warning)
		require.Len(t, orders, 1)
		require.Equal(t, "IWM", orders[0].Symbol)
		require.True(t, dec("-5").Equal(orders[0].Quantity))
	})

	t.Run("publishes margin call and liquidation events", func(t *testing.T) {
		bus := eventpubsub.New(nil)

		var calls []MarginCallEvent
		var liquidations []LiquidationOrder
		require.NoError(t, bus.Subscribe(eventpubsub.TopicMarginCall, func(ev MarginCallEvent) { calls = append(calls, ev) }))
		require.NoError(t, bus.Subscribe(eventpubsub.TopicLiquidation, func(o LiquidationOrder) { liquidations = append(liquidations, o) }))

		_, _ = newModel(t, bus).CheckMarginCall([]*account.Fund{fundA, fundB}, newAccount(t))

		require.Len(t, calls, 1)
		require.True(t, calls[0].Warning)
		require.Len(t, liquidations, 2)
	})

	t.Run("margin call warning is recorded on the check span", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		prev := otel.GetTracerProvider()
		otel.SetTracerProvider(tp)
		defer otel.SetTracerProvider(prev)

		l, err := logger.New("info", logger.FormatText, io.Discard)
		require.NoError(t, err)

		start := time.Date(2024, time.March, 15, 15, 0, 0, 0, time.UTC)
		m, err := NewDefault(DefaultFreeMarginRatio, clock.NewBacktestClock(start, start.Add(time.Hour), nil), nil, logger.Component(l, "margin"))
		require.NoError(t, err)

		m.CheckMarginCall([]*account.Fund{fundA, fundB}, newAccount(t))

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		require.Equal(t, "CallModel.CheckMarginCall", spans[0].Name())

		var logged bool
		for _, ev := range spans[0].Events() {
			if ev.Name == "log" {
				logged = true
			}
		}
		require.True(t, logged)
	})
}

func TestCheckMarginCallEdges(t *testing.T) {
	lotSecurity := func(lot string) *exchange.Security {
		s := exchange.NewSecurity("SPY", "USD", nil)
		s.LotSize = dec(lot)
		return s
	}
	funds := []*account.Fund{account.NewFund("a", "A"), account.NewFund("b", "B")}

	t.Run("no margin in use", func(t *testing.T) {
		orders, warning := newModel(t, nil).CheckMarginCall(funds, &fakeAccount{equity: dec("100")})
		require.Nil(t, orders)
		require.False(t, warning)
	})

	t.Run("enough free margin", func(t *testing.T) {
		acct := &fakeAccount{
			equity: dec("1000"), free: dec("500"), used: dec("500"), level: dec("2"), callLevel: dec("1"),
			positions: []*account.Position{{FundID: "a", Security: lotSecurity("1"), Quantity: dec("1"), MarginInUse: dec("500")}},
		}

		orders, warning := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Empty(t, orders)
		require.False(t, warning)
	})

	t.Run("warning at exactly the call level", func(t *testing.T) {
		acct := &fakeAccount{equity: dec("1000"), free: dec("900"), used: dec("100"), level: dec("1"), callLevel: dec("1")}

		orders, warning := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Empty(t, orders)
		require.True(t, warning)
	})

	t.Run("partial quantity rounds up to the lot size", func(t *testing.T) {
		// target 200, deficit 56, 10 * 56 / 300 = 1.87 rounded up to 2
		acct := &fakeAccount{
			equity: dec("1000"), free: dec("144"), used: dec("300"), level: dec("3.3"), callLevel: dec("1"),
			positions: []*account.Position{{FundID: "a", Security: lotSecurity("1"), Quantity: dec("10"), MarginInUse: dec("300")}},
		}

		orders, _ := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Len(t, orders, 1)
		require.True(t, dec("-2").Equal(orders[0].Quantity))
		require.True(t, dec("60").Equal(orders[0].FreedMargin))
	})

	t.Run("fractional partial quantity still frees the whole deficit", func(t *testing.T) {
		// target 2000, deficit 1500, 7 * 1500 / 4500 = 2.333... has no exact decimal form
		acct := &fakeAccount{
			equity: dec("10000"), free: dec("500"), used: dec("4500"), level: dec("2.2"), callLevel: dec("1"),
			positions: []*account.Position{{FundID: "a", Security: lotSecurity("0"), Quantity: dec("7"), MarginInUse: dec("4500")}},
		}

		orders, _ := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Len(t, orders, 1)

		qty := orders[0].Quantity.Abs()
		require.True(t, qty.GreaterThan(dec("2.3333333333333333")), qty.String())
		require.True(t, qty.LessThan(dec("7")), qty.String())
		require.True(t, orders[0].FreedMargin.GreaterThanOrEqual(dec("1500")), orders[0].FreedMargin.String())
	})

	t.Run("rounded quantity never exceeds the position", func(t *testing.T) {
		// deficit 280, 10 * 280 / 300 = 9.33 rounded to a lot of 4 is 12, clamped to 10
		acct := &fakeAccount{
			equity: dec("1000"), free: dec("-80"), used: dec("300"), level: dec("3.3"), callLevel: dec("1"),
			positions: []*account.Position{{FundID: "a", Security: lotSecurity("4"), Quantity: dec("10"), MarginInUse: dec("300")}},
		}

		orders, _ := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Len(t, orders, 1)
		require.True(t, dec("-10").Equal(orders[0].Quantity))
	})

	t.Run("ties are broken by fund then symbol", func(t *testing.T) {
		acct := &fakeAccount{
			equity: dec("1000"), free: dec("0"), used: dec("1000"), level: dec("1"), callLevel: dec("0.5"),
			positions: []*account.Position{
				{FundID: "b", Security: lotSecurity("1"), Quantity: dec("10"), MarginInUse: dec("500"), NetProfit: dec("-10")},
				{FundID: "a", Security: lotSecurity("1"), Quantity: dec("10"), MarginInUse: dec("500"), NetProfit: dec("-10")},
			},
		}

		orders, warning := newModel(t, nil).CheckMarginCall(funds, acct)
		require.False(t, warning)
		require.Len(t, orders, 1)
		require.Equal(t, "a", orders[0].FundID)
		require.True(t, dec("-4").Equal(orders[0].Quantity))
	})

	t.Run("flat and marginless positions are ignored", func(t *testing.T) {
		acct := &fakeAccount{
			equity: dec("1000"), free: dec("0"), used: dec("100"), level: dec("10"), callLevel: dec("1"),
			positions: []*account.Position{
				{FundID: "a", Security: lotSecurity("1"), Quantity: dec("0"), MarginInUse: dec("100"), NetProfit: dec("-50")},
				{FundID: "a", Security: lotSecurity("1"), Quantity: dec("3"), MarginInUse: dec("0"), NetProfit: dec("-40")},
			},
		}

		orders, _ := newModel(t, nil).CheckMarginCall(funds, acct)
		require.Empty(t, orders)
	})

	t.Run("disabled model never calls", func(t *testing.T) {
		acct := &fakeAccount{equity: dec("1"), free: dec("-100"), used: dec("100"), level: dec("0.01"), callLevel: dec("1")}

		orders, warning := NewDisabled(nil).CheckMarginCall(funds, acct)
		require.Nil(t, orders)
		require.False(t, warning)
	})
}

func TestFromName(t *testing.T) {
	m, err := FromName("default", Params{FreeMarginRatio: dec("0.2")}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, KindDefault, m.Kind)

	m, err = FromName("disabled", Params{}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, KindDisabled, m.Kind)

	_, err = FromName("default", Params{FreeMarginRatio: dec("1.5")}, nil, nil, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = FromName("aggressive", Params{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	require.Equal(t, []string{"default", "disabled"}, Names())
}
