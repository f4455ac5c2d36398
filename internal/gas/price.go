// Package gas caches the node's suggested gas price so a burst of
// settlements does not turn into a burst of eth_gasPrice calls.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Suggester is the slice of an Ethereum client the cache needs.
type Suggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// PriceCache returns the suggested gas price, refreshing it at most once
// per TTL. The price is scaled by a bump percentage so transactions are
// not priced out by a small rise between refresh and submission.
type PriceCache struct {
	source Suggester
	ttl    time.Duration
	bump   int64
	max    *big.Int
	now    func() time.Time

	mu         sync.RWMutex
	price      *big.Int
	lastUpdate time.Time
}

// Option configures a PriceCache.
type Option func(*PriceCache)

// WithBumpPercent adds pct percent to every suggested price.
func WithBumpPercent(pct int64) Option {
	return func(c *PriceCache) { c.bump = pct }
}

// WithMaxPrice caps the returned price in wei.
func WithMaxPrice(wei *big.Int) Option {
	return func(c *PriceCache) { c.max = wei }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

// NewPriceCache wraps source with a TTL cache.
func NewPriceCache(source Suggester, ttl time.Duration, opts ...Option) *PriceCache {
	c := &PriceCache{
		source: source,
		ttl:    ttl,
		bump:   10,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Price returns the cached price, fetching a fresh one when stale. If the
// fetch fails and a previous price exists, that price is returned and the
// next call retries.
func (c *PriceCache) Price(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	if c.price != nil && c.now().Sub(c.lastUpdate) < c.ttl {
		p := new(big.Int).Set(c.price)
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	suggested, err := c.source.SuggestGasPrice(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lastUpdate = time.Time{}
		if c.price != nil {
			return new(big.Int).Set(c.price), nil
		}
		return nil, fmt.Errorf("gas: suggest gas price: %w", err)
	}

	price := c.adjust(suggested)
	c.mu.Lock()
	c.price = price
	c.lastUpdate = c.now()
	c.mu.Unlock()
	return new(big.Int).Set(price), nil
}

// Invalidate forces the next Price call to refresh.
func (c *PriceCache) Invalidate() {
	c.mu.Lock()
	c.lastUpdate = time.Time{}
	c.mu.Unlock()
}

func (c *PriceCache) adjust(p *big.Int) *big.Int {
	out := new(big.Int).Mul(p, big.NewInt(100+c.bump))
	out.Div(out, big.NewInt(100))
	if c.max != nil && out.Cmp(c.max) > 0 {
		out.Set(c.max)
	}
	return out
}
