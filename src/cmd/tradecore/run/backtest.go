package run

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/config"
)

type BacktestResult struct {
	Start  time.Time
	End    time.Time
	Steps  int
	Fired  int
	Engine *Engine
}

// RunBacktest replays the configured range: the clock advances one step at a time and
// every backlog of due actions is drained after each step.
func RunBacktest(ctx context.Context, cfg *config.Config, logger *log.Entry) (*BacktestResult, error) {
	ex, err := BuildExchange(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("RunBacktest: %w", err)
	}

	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return nil, fmt.Errorf("RunBacktest: %w", err)
	}

	clk := clock.NewBacktestClock(start, end, ex)

	e, err := NewEngine(cfg, clk, ex, logger)
	if err != nil {
		return nil, fmt.Errorf("RunBacktest: %w", err)
	}

	if err := e.RegisterActions(ctx, cfg.Backtest.Step); err != nil {
		return nil, fmt.Errorf("RunBacktest: %w", err)
	}

	e.Scheduler.Start()
	defer e.Scheduler.Stop()

	result := &BacktestResult{Start: clk.UtcNow(), End: end, Engine: e}
	result.Fired = e.Scheduler.PokePastActions(clk.UtcNow())

	for !clk.IsExpired() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("RunBacktest: %w", err)
		}

		clk.Add(cfg.Backtest.Step)
		result.Steps++
		result.Fired += e.Scheduler.PokePastActions(clk.UtcNow())
	}

	e.Account.ScanForCashSettlement()

	e.logger.Infof("backtest finished: %d steps, %d actions fired", result.Steps, result.Fired)
	return result, nil
}
