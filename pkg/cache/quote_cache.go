package cache

import (
	"sync"
	"time"

	"github.com/omnivenue/routing/pkg/types"
)

type entry struct {
	quote      types.Quote
	expiration int64
}

// QuoteCache holds the latest quote per (venue, symbol) with a TTL so the
// router never ranks on dead data. Quotes are ephemeral: there is no
// persistence and expired entries are reaped in the background.
type QuoteCache struct {
	items  sync.Map // key: venue + "|" + symbol
	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
}

// NewQuoteCache creates a cache whose entries expire after ttl.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	c := &QuoteCache{
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

func key(venue, symbol string) string {
	return venue + "|" + symbol
}

// Put stores the latest quote for its (venue, symbol).
func (c *QuoteCache) Put(q types.Quote) {
	c.items.Store(key(q.Venue, q.Symbol), &entry{
		quote:      q,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	})
}

// Get returns the cached quote if present and not expired.
func (c *QuoteCache) Get(venue, symbol string) (types.Quote, bool) {
	v, ok := c.items.Load(key(venue, symbol))
	if !ok {
		return types.Quote{}, false
	}
	e := v.(*entry)
	if time.Now().UnixNano() > e.expiration {
		c.items.Delete(key(venue, symbol))
		return types.Quote{}, false
	}
	return e.quote, true
}

// BySymbol returns all live quotes for a symbol across venues.
func (c *QuoteCache) BySymbol(symbol string) []types.Quote {
	now := time.Now().UnixNano()
	var quotes []types.Quote
	c.items.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		if e.quote.Symbol == symbol && now <= e.expiration {
			quotes = append(quotes, e.quote)
		}
		return true
	})
	return quotes
}

// Clear drops every entry.
func (c *QuoteCache) Clear() {
	c.items.Range(func(k, v interface{}) bool {
		c.items.Delete(k)
		return true
	})
}

// Close stops the background reaper.
func (c *QuoteCache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *QuoteCache) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.items.Range(func(k, v interface{}) bool {
				if now > v.(*entry).expiration {
					c.items.Delete(k)
				}
				return true
			})
		}
	}
}
