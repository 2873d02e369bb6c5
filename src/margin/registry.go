package margin

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
)

type Params struct {
	FreeMarginRatio decimal.Decimal
}

type factory func(p Params, c clock.WorldClock, bus *eventpubsub.Bus, logger *log.Entry) (*CallModel, error)

var models = map[Kind]factory{
	KindDefault: func(p Params, c clock.WorldClock, bus *eventpubsub.Bus, logger *log.Entry) (*CallModel, error) {
		return NewDefault(p.FreeMarginRatio, c, bus, logger)
	},
	KindDisabled: func(_ Params, _ clock.WorldClock, _ *eventpubsub.Bus, logger *log.Entry) (*CallModel, error) {
		return NewDisabled(logger), nil
	},
}

func FromName(name string, p Params, c clock.WorldClock, bus *eventpubsub.Bus, logger *log.Entry) (*CallModel, error) {
	build, ok := models[Kind(name)]
	if !ok {
		return nil, fmt.Errorf("margin.FromName: %w: unknown model %q (want one of %v)", ErrConfiguration, name, Names())
	}

	return build(p, c, bus, logger)
}

func Names() []string {
	names := make([]string, 0, len(models))
	for k := range models {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}
