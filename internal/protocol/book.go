package protocol

import (
	"sync"
	"time"
)

// PriceBook keeps the last trade price seen on the feed per venue and token.
// Feed-backed adapters answer GetPrice from it.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]map[string]quote
	ttl    time.Duration
	now    func() time.Time
}

type quote struct {
	price float64
	at    time.Time
}

// NewPriceBook creates a book whose quotes expire after ttl (0 keeps them forever).
func NewPriceBook(ttl time.Duration) *PriceBook {
	return &PriceBook{
		prices: make(map[string]map[string]quote),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Observe records a trade price.
func (b *PriceBook) Observe(protocol, token string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byToken := b.prices[protocol]
	if byToken == nil {
		byToken = make(map[string]quote)
		b.prices[protocol] = byToken
	}
	byToken[token] = quote{price: price, at: b.now()}
}

// Migrate drops a token from its old venue after a migration event.
func (b *PriceBook) Migrate(token, from string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.prices[from], token)
}

// Price returns the last price, or ErrNotFound when unknown or stale.
func (b *PriceBook) Price(protocol, token string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.prices[protocol][token]
	if !ok {
		return 0, ErrNotFound
	}
	if b.ttl > 0 && b.now().Sub(q.at) > b.ttl {
		return 0, ErrNotFound
	}
	return q.price, nil
}
