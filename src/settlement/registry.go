package settlement

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/eventpubsub"
)

type Params struct {
	DaysDelayed int
	TimeOfDay   time.Duration
}

type factory func(p Params, bus *eventpubsub.Bus, logger *log.Entry) (*Model, error)

var models = map[Kind]factory{
	KindImmediate: func(_ Params, bus *eventpubsub.Bus, logger *log.Entry) (*Model, error) {
		return NewImmediate(bus, logger), nil
	},
	KindDelayed: func(p Params, bus *eventpubsub.Bus, logger *log.Entry) (*Model, error) {
		return NewDelayed(p.DaysDelayed, p.TimeOfDay, bus, logger)
	},
}

// FromName resolves a configured model name to a settlement model.
func FromName(name string, p Params, bus *eventpubsub.Bus, logger *log.Entry) (*Model, error) {
	build, ok := models[Kind(name)]
	if !ok {
		return nil, fmt.Errorf("settlement.FromName: %w: unknown model %q (want one of %v)", ErrConfiguration, name, Names())
	}

	return build(p, bus, logger)
}

func Names() []string {
	names := make([]string, 0, len(models))
	for k := range models {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}
