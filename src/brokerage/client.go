package brokerage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/microcache"
	"github.com/jiaming2012/tradecore/src/ratelimit"
)

const accountSummaryKey = "account-summary"

type AccountSummary struct {
	Currency    string
	Equity      decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginInUse decimal.Decimal
	MarginLevel decimal.Decimal
	AsOfUtc     time.Time
}

// Upstream is the broker API the client throttles and memoizes.
type Upstream interface {
	FetchAccountSummary(ctx context.Context) (AccountSummary, error)
	FetchConversionRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

type RateSink interface {
	SetConversionRate(currency string, rate decimal.Decimal)
}

// Client sends every upstream request through one rate gate and caches the answers.
type Client struct {
	upstream Upstream
	gate     *ratelimit.Gate
	cache    *microcache.MicroCache
	logger   *log.Entry
}

func (c *Client) AccountSummary(ctx context.Context) (AccountSummary, error) {
	summary, err := microcache.GetValue(c.cache, accountSummaryKey, func() (AccountSummary, error) {
		return ratelimit.ExecuteCall(ctx, c.gate, func() (AccountSummary, error) {
			return c.upstream.FetchAccountSummary(ctx)
		})
	})
	if err != nil {
		return AccountSummary{}, fmt.Errorf("Client.AccountSummary: %w", err)
	}

	return summary, nil
}

func (c *Client) ConversionRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	rate, err := microcache.GetValue(c.cache, rateKey(currency), func() (decimal.Decimal, error) {
		return ratelimit.ExecuteCall(ctx, c.gate, func() (decimal.Decimal, error) {
			return c.upstream.FetchConversionRate(ctx, currency)
		})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("Client.ConversionRate: %s: %w", currency, err)
	}

	return rate, nil
}

// RefreshConversionRates fetches each currency's rate and pushes it into sink. A failed
// currency does not stop the others; all failures are returned joined.
func (c *Client) RefreshConversionRates(ctx context.Context, sink RateSink, currencies []string) error {
	var errs []error
	for _, currency := range currencies {
		rate, err := c.ConversionRate(ctx, currency)
		if err != nil {
			c.logger.WithField("currency", currency).Warnf("conversion rate refresh failed: %v", err)
			errs = append(errs, err)
			continue
		}

		if rate.IsZero() {
			continue
		}

		sink.SetConversionRate(currency, rate)
	}

	return errors.Join(errs...)
}

// Invalidate drops the cached account summary so the next read goes upstream.
func (c *Client) Invalidate() {
	c.cache.Delete(accountSummaryKey)
}

func rateKey(currency string) string {
	return "rate:" + currency
}

func NewClient(upstream Upstream, gate *ratelimit.Gate, cache *microcache.MicroCache, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Client{
		upstream: upstream,
		gate:     gate,
		cache:    cache,
		logger:   logger.WithField("component", "brokerage"),
	}
}
