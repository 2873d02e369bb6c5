package microcache

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

var ErrTypeMismatch = errors.New("cached value type mismatch")

// MicroCache memoizes short-lived values. Expiration is absolute from insertion; reads
// never extend it.
type MicroCache struct {
	cache      *cache.Cache
	defaultTTL time.Duration
	logger     *log.Entry
}

func (c *MicroCache) Delete(key string) {
	c.cache.Delete(key)
}

func (c *MicroCache) Flush() {
	c.cache.Flush()
}

func (c *MicroCache) ItemCount() int {
	return c.cache.ItemCount()
}

// GetValue returns the unexpired value cached under key, or calls supplier and caches its
// result for ttl (the cache default when omitted). Zero or empty results and supplier
// errors are not cached. Keys are global: reading a key as a different type than it was
// stored with returns ErrTypeMismatch.
func GetValue[T any](c *MicroCache, key string, supplier func() (T, error), ttl ...time.Duration) (T, error) {
	var zero T

	if cached, found := c.cache.Get(key); found {
		value, ok := cached.(T)
		if !ok {
			return zero, fmt.Errorf("microcache.GetValue: %w: key %q holds %T, requested %T", ErrTypeMismatch, key, cached, zero)
		}

		c.logger.WithField("key", key).Trace("cache hit")
		return value, nil
	}

	value, err := supplier()
	if err != nil {
		return zero, err
	}

	if isEmpty(value) {
		c.logger.WithField("key", key).Trace("supplier returned an empty value; not cached")
		return value, nil
	}

	expiration := c.defaultTTL
	if len(ttl) > 0 {
		expiration = ttl[0]
	}

	c.cache.Set(key, value, expiration)
	return value, nil
}

func isEmpty(value any) bool {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		return true
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		if v.Len() == 0 {
			return true
		}
	}

	return v.IsZero()
}

// New builds a cache whose entries live for defaultTTL unless GetValue overrides it.
func New(defaultTTL time.Duration, logger *log.Entry) *MicroCache {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	cleanup := 2 * defaultTTL
	if cleanup < time.Minute {
		cleanup = time.Minute
	}

	return &MicroCache{
		cache:      cache.New(defaultTTL, cleanup),
		defaultTTL: defaultTTL,
		logger:     logger.WithField("component", "microcache"),
	}
}
