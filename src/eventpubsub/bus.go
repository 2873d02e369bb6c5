package eventpubsub

import (
	"github.com/asaskevich/EventBus"
	log "github.com/sirupsen/logrus"
)

// Bus is an explicit publish/subscribe handle passed to the components that emit events.
// A nil *Bus is valid and drops every publication.
type Bus struct {
	bus    EventBus.Bus
	logger *log.Entry
}

func (b *Bus) Publish(topic string, event interface{}) {
	if b == nil {
		return
	}

	b.bus.Publish(topic, event)
}

// Subscribe registers a synchronous handler; it runs on the publisher's goroutine.
func (b *Bus) Subscribe(topic string, callbackFn interface{}) error {
	if err := b.bus.Subscribe(topic, callbackFn); err != nil {
		return err
	}

	b.logger.Infof("Subscribed to topic %s", topic)
	return nil
}

// SubscribeAsync registers a handler run on its own goroutine, serialized per handler.
func (b *Bus) SubscribeAsync(topic string, callbackFn interface{}) error {
	if err := b.bus.SubscribeAsync(topic, callbackFn, true); err != nil {
		return err
	}

	b.logger.Infof("Subscribed async to topic %s", topic)
	return nil
}

func (b *Bus) Unsubscribe(topic string, callbackFn interface{}) error {
	return b.bus.Unsubscribe(topic, callbackFn)
}

// WaitAsync blocks until every async handler has finished.
func (b *Bus) WaitAsync() {
	if b == nil {
		return
	}

	b.bus.WaitAsync()
}

func New(logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Bus{
		bus:    EventBus.New(),
		logger: logger.WithField("component", "eventpubsub"),
	}
}
