package run

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/config"
)

const liveScanInterval = time.Minute

// RunLive drives the engine from the wall clock until ctx is cancelled.
func RunLive(ctx context.Context, cfg *config.Config, logger *log.Entry) (*Engine, error) {
	ex, err := BuildExchange(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("RunLive: %w", err)
	}

	e, err := NewEngine(cfg, clock.NewLiveClock(), ex, logger)
	if err != nil {
		return nil, fmt.Errorf("RunLive: %w", err)
	}

	if err := e.RegisterActions(ctx, liveScanInterval); err != nil {
		return nil, fmt.Errorf("RunLive: %w", err)
	}

	e.Scheduler.Start()
	e.logger.Infof("live engine running with %d scheduled actions", e.Keeper.Len())

	<-ctx.Done()

	e.Scheduler.Stop()
	e.logger.Info("live engine stopped")

	return e, nil
}
