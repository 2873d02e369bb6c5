package margin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
)

type Kind string

const (
	KindDefault  Kind = "default"
	KindDisabled Kind = "disabled"
)

const LiquidationTag = "Margin Call"

var DefaultFreeMarginRatio = decimal.RequireFromString("0.2")

// Account is the read side of a broker account that margin checks need.
type Account interface {
	Equity() decimal.Decimal
	FreeMargin() decimal.Decimal
	MarginInUse() decimal.Decimal
	MarginLevel() decimal.Decimal
	MarginCallLevel() decimal.Decimal
	Positions() []*account.Position
}

type LiquidationOrder struct {
	ID     string
	FundID string
	Symbol string

	// Quantity is signed opposite to the position being reduced.
	Quantity    decimal.Decimal
	FreedMargin decimal.Decimal
	Tag         string
	CreatedUtc  time.Time
}

type MarginCallEvent struct {
	Warning     bool
	MarginLevel decimal.Decimal
	Orders      []LiquidationOrder
	AtUtc       time.Time
}

// CallModel decides which positions to liquidate when free margin drops to the target.
type CallModel struct {
	Kind            Kind
	FreeMarginRatio decimal.Decimal

	clock  clock.WorldClock
	bus    *eventpubsub.Bus
	logger *log.Entry
}

// CheckMarginCall returns the liquidation orders that restore free margin to
// Equity × FreeMarginRatio, worst NetProfit first, and whether the account is at or below
// its margin call level. Positions whose fund is not in funds are skipped.
func (m *CallModel) CheckMarginCall(funds []*account.Fund, acct Account) ([]LiquidationOrder, bool) {
	if m.Kind == KindDisabled {
		return nil, false
	}

	ctx, span := otel.Tracer("margin").Start(context.Background(), "CallModel.CheckMarginCall")
	defer span.End()

	marginInUse := acct.MarginInUse()
	if marginInUse.IsZero() {
		return nil, false
	}

	marginLevel := acct.MarginLevel()
	warning := marginLevel.LessThanOrEqual(acct.MarginCallLevel())

	marginNeeded := acct.Equity().Mul(m.FreeMarginRatio)
	freeMargin := acct.FreeMargin()

	var orders []LiquidationOrder
	if freeMargin.LessThanOrEqual(marginNeeded) {
		orders = m.liquidate(ctx, funds, acct.Positions(), freeMargin.Sub(marginNeeded).Abs())
	}

	span.SetAttributes(
		attribute.Bool("margin.warning", warning),
		attribute.Int("margin.orders", len(orders)),
		attribute.String("margin.level", marginLevel.String()),
	)

	if warning || len(orders) > 0 {
		m.logger.WithContext(ctx).WithFields(log.Fields{
			"margin_level": marginLevel.String(),
			"free_margin":  freeMargin.String(),
			"orders":       len(orders),
		}).Warn("margin call")

		m.bus.Publish(eventpubsub.TopicMarginCall, MarginCallEvent{Warning: warning, MarginLevel: marginLevel, Orders: orders, AtUtc: m.now()})
		for _, o := range orders {
			m.bus.Publish(eventpubsub.TopicLiquidation, o)
		}
	}

	return orders, warning
}

func (m *CallModel) liquidate(ctx context.Context, funds []*account.Fund, positions []*account.Position, marginToFree decimal.Decimal) []LiquidationOrder {
	known := make(map[string]struct{}, len(funds))
	for _, f := range funds {
		known[f.ID] = struct{}{}
	}

	candidates := make([]*account.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsFlat() || !p.MarginInUse.IsPositive() {
			continue
		}

		if _, ok := known[p.FundID]; !ok {
			m.logger.WithContext(ctx).WithFields(log.Fields{"fund": p.FundID, "symbol": p.Symbol()}).Warn("position has no matching fund; skipped for liquidation")
			continue
		}

		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.NetProfit.Equal(b.NetProfit) {
			return a.NetProfit.LessThan(b.NetProfit)
		}
		if a.FundID != b.FundID {
			return a.FundID < b.FundID
		}
		return a.Symbol() < b.Symbol()
	})

	now := m.now()
	remaining := marginToFree

	var orders []LiquidationOrder
	for _, p := range candidates {
		if !remaining.IsPositive() {
			break
		}

		held := p.Quantity.Abs()
		qty := held

		covers := p.MarginInUse.GreaterThanOrEqual(remaining)
		if covers {
			qty = held.Mul(remaining).DivRound(p.MarginInUse, int32(decimal.DivisionPrecision)+1).RoundUp(int32(decimal.DivisionPrecision))
			qty = roundUpToLot(qty, p)
			if qty.GreaterThan(held) {
				qty = held
			}
		}

		freed := p.MarginInUse
		if qty.LessThan(held) {
			freed = p.MarginInUse.Mul(qty).Div(held)
		}
		// the order that covers the deficit frees at least the deficit
		if covers && freed.LessThan(remaining) {
			freed = remaining
		}

		orders = append(orders, LiquidationOrder{
			ID:          uuid.New().String(),
			FundID:      p.FundID,
			Symbol:      p.Symbol(),
			Quantity:    qty.Mul(decimal.NewFromInt(int64(-p.Quantity.Sign()))),
			FreedMargin: freed,
			Tag:         LiquidationTag,
			CreatedUtc:  now,
		})

		if covers {
			break
		}
		remaining = remaining.Sub(p.MarginInUse)
	}

	return orders
}

func (m *CallModel) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.UtcNow()
}

func roundUpToLot(qty decimal.Decimal, p *account.Position) decimal.Decimal {
	if p.Security == nil || !p.Security.LotSize.IsPositive() {
		return qty
	}

	lot := p.Security.LotSize
	return qty.Div(lot).Ceil().Mul(lot)
}

// NewDefault builds the liquidating model. freeMarginRatio must lie in [0, 1).
func NewDefault(freeMarginRatio decimal.Decimal, c clock.WorldClock, bus *eventpubsub.Bus, logger *log.Entry) (*CallModel, error) {
	if freeMarginRatio.IsNegative() || freeMarginRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("margin.NewDefault: %w: free margin ratio %s out of range", ErrConfiguration, freeMarginRatio)
	}

	return &CallModel{
		Kind:            KindDefault,
		FreeMarginRatio: freeMarginRatio,
		clock:           c,
		bus:             bus,
		logger:          componentLogger(logger),
	}, nil
}

// NewDisabled never warns and never liquidates.
func NewDisabled(logger *log.Entry) *CallModel {
	return &CallModel{
		Kind:   KindDisabled,
		logger: componentLogger(logger),
	}
}

func componentLogger(logger *log.Entry) *log.Entry {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return logger.WithField("component", "margin")
}
