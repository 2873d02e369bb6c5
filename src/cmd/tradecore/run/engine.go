package run

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/brokerage"
	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/config"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
	"github.com/jiaming2012/tradecore/src/exchange"
	"github.com/jiaming2012/tradecore/src/margin"
	"github.com/jiaming2012/tradecore/src/microcache"
	"github.com/jiaming2012/tradecore/src/ratelimit"
	"github.com/jiaming2012/tradecore/src/scheduler"
	"github.com/jiaming2012/tradecore/src/settlement"
)

const (
	ActionCashSettlementScan = "cash-settlement-scan"
	ActionMarginCheck        = "margin-check"
	ActionEndOfDay           = "end-of-day"
	ActionConversionRates    = "conversion-rates"
	ActionAccountSummary     = "account-summary"

	marginCheckInterval     = 5 * time.Minute
	conversionRatesInterval = 15 * time.Minute
)

// Engine holds every component of a run, wired to one clock and one event bus.
type Engine struct {
	Config     *config.Config
	Clock      clock.WorldClock
	Bus        *eventpubsub.Bus
	Exchange   *exchange.Exchange
	Account    *account.BrokerAccount
	Funds      []*account.Fund
	Securities map[string]*exchange.Security
	Keeper     *scheduler.Keeper
	Scheduler  *scheduler.Scheduler
	Settlement *settlement.Model
	Margin     *margin.CallModel
	Upstream   *brokerage.SimulatedUpstream
	Broker     *brokerage.Client
	Journal    *Journal

	logger *log.Entry
}

// BuildExchange creates the venue from config; an explicit session CSV replaces the
// weekday calendar.
func BuildExchange(cfg config.ExchangeConfig) (*exchange.Exchange, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("BuildExchange: %w", err)
	}

	openAt, err := cfg.OpenTime()
	if err != nil {
		return nil, fmt.Errorf("BuildExchange: market open: %w", err)
	}

	closeAt, err := cfg.CloseTime()
	if err != nil {
		return nil, fmt.Errorf("BuildExchange: market close: %w", err)
	}

	calendar := exchange.NewWeekdayCalendar()
	if cfg.CalendarCSV != "" {
		file, err := os.Open(cfg.CalendarCSV)
		if err != nil {
			return nil, fmt.Errorf("BuildExchange: failed to open calendar: %w", err)
		}
		defer file.Close()

		if calendar, err = exchange.LoadCalendarCSV(file, loc); err != nil {
			return nil, fmt.Errorf("BuildExchange: %w", err)
		}
	}

	for _, h := range cfg.Holidays {
		date, err := time.ParseInLocation(exchange.DateLayout, h, loc)
		if err != nil {
			return nil, fmt.Errorf("BuildExchange: holiday %q: %w", h, err)
		}
		calendar.AddHoliday(date)
	}

	return exchange.New(cfg.Name, loc, calendar, openAt, closeAt), nil
}

func NewEngine(cfg *config.Config, c clock.WorldClock, ex *exchange.Exchange, logger *log.Entry) (*Engine, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	bus := eventpubsub.New(logger)

	journal, err := NewJournal(bus)
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}

	acct := account.NewBrokerAccount(cfg.Account.Currency, c, decimal.NewFromFloat(cfg.Margin.MarginCallLevel), bus, logger)

	keeper := scheduler.NewKeeper(c, scheduler.LogErrorHandler(logger.WithField("component", "keeper"), bus), logger)
	sched, err := scheduler.New(c.Mode(), keeper, logger)
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}

	tod, err := cfg.Settlement.TimeOfDayOffset()
	if err != nil && cfg.Settlement.Model == string(settlement.KindDelayed) {
		return nil, fmt.Errorf("NewEngine: settlement time of day: %w", err)
	}

	settlementModel, err := settlement.FromName(cfg.Settlement.Model, settlement.Params{
		DaysDelayed: cfg.Settlement.DaysDelayed,
		TimeOfDay:   tod,
	}, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}

	marginModel, err := margin.FromName(cfg.Margin.Model, margin.Params{
		FreeMarginRatio: decimal.NewFromFloat(cfg.Margin.FreeMarginRatio),
	}, c, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}

	// simulated history is replayed far faster than a real broker would accept requests
	minWait := cfg.RateGate.MinWait
	if c.Mode() == clock.ModeBacktest {
		minWait = 0
	}

	upstream := brokerage.NewSimulatedUpstream(acct, c)
	for currency, rate := range cfg.Account.Rates {
		upstream.SetRate(currency, decimal.NewFromFloat(rate))
	}

	e := &Engine{
		Config:     cfg,
		Clock:      c,
		Bus:        bus,
		Exchange:   ex,
		Account:    acct,
		Securities: make(map[string]*exchange.Security),
		Keeper:     keeper,
		Scheduler:  sched,
		Settlement: settlementModel,
		Margin:     marginModel,
		Upstream:   upstream,
		Broker:     brokerage.NewClient(upstream, ratelimit.NewGate(minWait, logger), microcache.New(cfg.Cache.TTL, logger), logger),
		Journal:    journal,
		logger:     logger.WithField("component", "engine"),
	}

	if err := e.openFunds(); err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}

	return e, nil
}

func (e *Engine) openFunds() error {
	currency := e.Config.Account.Currency

	for _, fc := range e.Config.Account.Funds {
		fund := account.NewFund(fc.ID, fc.Name)
		e.Funds = append(e.Funds, fund)

		if fc.StartingCash != 0 {
			if err := e.Account.AddCash(currency, decimal.NewFromFloat(fc.StartingCash), fund, time.Time{}); err != nil {
				return fmt.Errorf("fund %s: %w", fc.ID, err)
			}
		}

		if fc.Symbol != "" {
			e.security(fc.Symbol, currency, 0)
		}

		for _, pc := range fc.Positions {
			posCurrency := pc.Currency
			if posCurrency == "" {
				posCurrency = currency
			}

			err := e.Account.SetPosition(fund.ID, account.Position{
				Security:    e.security(pc.Symbol, posCurrency, pc.LotSize),
				Quantity:    decimal.NewFromFloat(pc.Quantity),
				MarginInUse: decimal.NewFromFloat(pc.MarginInUse),
				NetProfit:   decimal.NewFromFloat(pc.NetProfit),
			})
			if err != nil {
				return fmt.Errorf("fund %s: %w", fc.ID, err)
			}
		}
	}

	return nil
}

func (e *Engine) security(symbol, currency string, lotSize float64) *exchange.Security {
	if s, ok := e.Securities[symbol]; ok {
		return s
	}

	s := exchange.NewSecurity(symbol, currency, e.Exchange)
	s.LotSize = decimal.NewFromFloat(lotSize)
	e.Securities[symbol] = s
	return s
}

type registration struct {
	name     string
	rule     scheduler.Recurrence
	callback func() error
}

// RegisterActions schedules the recurring account work of a run. scanInterval is the
// cadence of the unsettled cash scan.
func (e *Engine) RegisterActions(ctx context.Context, scanInterval time.Duration) error {
	anchor := e.Clock.UtcNow()

	scan, err := scheduler.Every(scanInterval, anchor)
	if err != nil {
		return fmt.Errorf("Engine.RegisterActions: %w", err)
	}

	marginEvery, err := scheduler.Every(marginCheckInterval, anchor)
	if err != nil {
		return fmt.Errorf("Engine.RegisterActions: %w", err)
	}

	actions := []registration{
		{ActionCashSettlementScan, scan, e.scanCash},
		{ActionMarginCheck, scheduler.DuringMarketHours(marginEvery, e.Exchange), e.checkMargin},
		{ActionEndOfDay, scheduler.TradingDaysAt(e.Exchange, e.Exchange.CloseTime), e.endOfDay},
		{ActionAccountSummary, scheduler.TradingDaysAt(e.Exchange, e.Exchange.OpenTime), func() error { return e.logSummary(ctx) }},
	}

	if len(e.Config.Account.Rates) > 0 {
		rates, err := scheduler.Every(conversionRatesInterval, anchor)
		if err != nil {
			return fmt.Errorf("Engine.RegisterActions: %w", err)
		}

		actions = append(actions, registration{ActionConversionRates, rates, func() error { return e.refreshRates(ctx) }})

		if err := e.refreshRates(ctx); err != nil {
			e.logger.Warnf("initial conversion rate refresh: %v", err)
		}
	}

	for _, a := range actions {
		if _, err := e.Scheduler.Add(a.name, a.rule, a.callback); err != nil {
			return fmt.Errorf("Engine.RegisterActions: %w", err)
		}
	}

	return nil
}

func (e *Engine) scanCash() error {
	if e.Account.ScanForCashSettlement() > 0 {
		e.Broker.Invalidate()
	}
	return nil
}

func (e *Engine) checkMargin() error {
	orders, warning := e.Margin.CheckMarginCall(e.Funds, e.Account)
	if warning {
		e.logger.Warnf("margin level %s at or below call level %s", e.Account.MarginLevel().StringFixed(4), e.Account.MarginCallLevel())
	}

	if len(orders) > 0 {
		defer e.Broker.Invalidate()
	}

	for _, o := range orders {
		if err := e.applyLiquidation(o); err != nil {
			return fmt.Errorf("Engine.checkMargin: %w", err)
		}
	}

	return nil
}

// applyLiquidation reduces the position by the order and realizes the matching share of
// its net profit through the settlement model.
func (e *Engine) applyLiquidation(o margin.LiquidationOrder) error {
	p, ok := e.Account.Position(o.FundID, o.Symbol)
	if !ok {
		return fmt.Errorf("applyLiquidation: no position %s/%s", o.FundID, o.Symbol)
	}

	held := p.Quantity.Abs()
	closed := o.Quantity.Abs()
	realized := p.NetProfit.Mul(closed).Div(held)

	updated := *p
	updated.Quantity = p.Quantity.Add(o.Quantity)
	updated.MarginInUse = p.MarginInUse.Sub(o.FreedMargin)
	updated.NetProfit = p.NetProfit.Sub(realized)
	if updated.IsFlat() {
		updated.MarginInUse = decimal.Zero
		updated.NetProfit = decimal.Zero
	}

	if err := e.Account.SetPosition(o.FundID, updated); err != nil {
		return fmt.Errorf("applyLiquidation: %w", err)
	}

	if realized.IsZero() {
		return nil
	}

	fund := e.fund(o.FundID)
	if err := e.Settlement.SettleFunds(e.Account, p.Security, e.Clock.UtcNow(), realized, fund); err != nil {
		return fmt.Errorf("applyLiquidation: %w", err)
	}

	return nil
}

func (e *Engine) endOfDay() error {
	now := e.Clock.UtcNow()
	defer e.Broker.Invalidate()

	for _, fc := range e.Config.Account.Funds {
		if fc.Symbol == "" || fc.DailyProceeds == 0 {
			continue
		}

		err := e.Settlement.SettleFunds(e.Account, e.Securities[fc.Symbol], now, decimal.NewFromFloat(fc.DailyProceeds), e.fund(fc.ID))
		if err != nil {
			return fmt.Errorf("Engine.endOfDay: fund %s: %w", fc.ID, err)
		}
	}

	return nil
}

func (e *Engine) refreshRates(ctx context.Context) error {
	currencies := make([]string, 0, len(e.Config.Account.Rates))
	for currency := range e.Config.Account.Rates {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	defer e.Broker.Invalidate()
	return e.Broker.RefreshConversionRates(ctx, e.Account, currencies)
}

// logSummary reads the summary through the cached client; account writes made by the
// other actions invalidate it.
func (e *Engine) logSummary(ctx context.Context) error {
	summary, err := e.Broker.AccountSummary(ctx)
	if err != nil {
		return err
	}

	e.logger.WithFields(log.Fields{
		"equity":        summary.Equity.StringFixed(2),
		"free_margin":   summary.FreeMargin.StringFixed(2),
		"margin_in_use": summary.MarginInUse.StringFixed(2),
	}).Infof("account summary at %s", summary.AsOfUtc.Format(time.RFC3339))

	return nil
}

func (e *Engine) fund(id string) *account.Fund {
	for _, f := range e.Funds {
		if f.ID == id {
			return f
		}
	}
	return nil
}
