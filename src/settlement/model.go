package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
	"github.com/jiaming2012/tradecore/src/exchange"
)

type Kind string

const (
	KindImmediate Kind = "immediate"
	KindDelayed   Kind = "delayed"
)

// Ledger is the account mutation settlement posts into. *account.BrokerAccount implements it.
type Ledger interface {
	AddCash(currency string, amount decimal.Decimal, fund *account.Fund, settlementUtc time.Time) error
}

// FundsSettledEvent describes one posting made by SettleFunds. A zero SettlementUtc means
// the cash was usable immediately.
type FundsSettledEvent struct {
	Kind          Kind
	FundID        string
	Symbol        string
	Currency      string
	Amount        decimal.Decimal
	OccurredUtc   time.Time
	SettlementUtc time.Time
}

// Model decides when a cash movement becomes usable. It is one of two variants:
// Immediate, or Delayed by DaysDelayed trading days at TimeOfDay exchange-local time.
type Model struct {
	Kind        Kind
	DaysDelayed int
	TimeOfDay   time.Duration

	bus    *eventpubsub.Bus
	logger *log.Entry
}

func (m *Model) String() string {
	if m.Kind == KindDelayed {
		return fmt.Sprintf("delayed(T+%d at %s)", m.DaysDelayed, m.TimeOfDay)
	}
	return string(m.Kind)
}

// SettleFunds posts amount to ledger in the security's base currency. Debits always post
// immediately; credits under the delayed model post as unsettled cash.
func (m *Model) SettleFunds(ledger Ledger, security *exchange.Security, occurredUtc time.Time, amount decimal.Decimal, fund *account.Fund) error {
	ctx, span := otel.Tracer("settlement").Start(context.Background(), "Model.SettleFunds")
	defer span.End()

	span.SetAttributes(
		attribute.String("settlement.kind", string(m.Kind)),
		attribute.String("settlement.amount", amount.String()),
	)

	if security == nil {
		return fmt.Errorf("Model.SettleFunds: %w: security is required", ErrConfiguration)
	}

	if m.Kind == KindDelayed && amount.IsPositive() {
		return m.settleDelayed(ctx, ledger, security, occurredUtc, amount, fund)
	}

	return m.settleImmediate(ctx, ledger, security, occurredUtc, amount, fund)
}

func (m *Model) settleImmediate(ctx context.Context, ledger Ledger, security *exchange.Security, occurredUtc time.Time, amount decimal.Decimal, fund *account.Fund) error {
	if fund == nil {
		if amount.IsZero() {
			return nil
		}
		return fmt.Errorf("Model.SettleFunds: %s %s: %w", security.Symbol, amount, ErrMissingFundReference)
	}

	if err := ledger.AddCash(security.BaseCurrency, amount, fund, time.Time{}); err != nil {
		return fmt.Errorf("Model.SettleFunds: failed to post cash: %w", err)
	}

	m.published(ctx, security, fund, occurredUtc, amount, time.Time{})
	return nil
}

func (m *Model) settleDelayed(ctx context.Context, ledger Ledger, security *exchange.Security, occurredUtc time.Time, amount decimal.Decimal, fund *account.Fund) error {
	ex := security.Exchange
	if ex == nil {
		return fmt.Errorf("Model.SettleFunds: %w: security %s has no exchange", ErrConfiguration, security.Symbol)
	}

	settlementDate, err := ex.AddTradingDays(occurredUtc, m.DaysDelayed)
	if err != nil {
		return fmt.Errorf("Model.SettleFunds: %w", err)
	}

	settlementUtc := exchange.AtTimeOfDay(settlementDate, m.TimeOfDay, ex.TimeZone).UTC()

	if err := ledger.AddCash(security.BaseCurrency, amount, fund, settlementUtc); err != nil {
		return fmt.Errorf("Model.SettleFunds: failed to post unsettled cash: %w", err)
	}

	m.published(ctx, security, fund, occurredUtc, amount, settlementUtc)
	return nil
}

func (m *Model) published(ctx context.Context, security *exchange.Security, fund *account.Fund, occurredUtc time.Time, amount decimal.Decimal, settlementUtc time.Time) {
	ev := FundsSettledEvent{
		Kind:          m.Kind,
		Symbol:        security.Symbol,
		Currency:      security.BaseCurrency,
		Amount:        amount,
		OccurredUtc:   occurredUtc,
		SettlementUtc: settlementUtc,
	}
	if fund != nil {
		ev.FundID = fund.ID
	}

	m.logger.WithContext(ctx).WithFields(log.Fields{"fund": ev.FundID, "symbol": ev.Symbol, "settles": settlementUtc}).Infof("settled %s %s", amount, ev.Currency)
	m.bus.Publish(eventpubsub.TopicFundsSettled, ev)
}

func NewImmediate(bus *eventpubsub.Bus, logger *log.Entry) *Model {
	return &Model{
		Kind:   KindImmediate,
		bus:    bus,
		logger: componentLogger(logger),
	}
}

// NewDelayed builds a T+daysDelayed model; daysDelayed must be positive.
func NewDelayed(daysDelayed int, timeOfDay time.Duration, bus *eventpubsub.Bus, logger *log.Entry) (*Model, error) {
	if daysDelayed <= 0 {
		return nil, fmt.Errorf("NewDelayed: %w: days delayed must be positive, got %d", ErrConfiguration, daysDelayed)
	}

	if timeOfDay < 0 || timeOfDay >= 24*time.Hour {
		return nil, fmt.Errorf("NewDelayed: %w: time of day %s out of range", ErrConfiguration, timeOfDay)
	}

	return &Model{
		Kind:        KindDelayed,
		DaysDelayed: daysDelayed,
		TimeOfDay:   timeOfDay,
		bus:         bus,
		logger:      componentLogger(logger),
	}, nil
}

func componentLogger(logger *log.Entry) *log.Entry {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return logger.WithField("component", "settlement")
}
