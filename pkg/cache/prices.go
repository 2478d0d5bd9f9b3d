// Package cache holds the sharded last-price cache fed by broker position
// snapshots. Prices here are observations, not quotes: a ticker's entry is
// only as fresh as the last reconciliation pass that saw it.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Prices is a sharded ticker-to-price map. Sharding keeps reconciler writes
// from contending with the risk gates reading prices on every cycle.
type Prices struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	price  float64
	seenAt time.Time
}

func NewPrices() *Prices {
	p := &Prices{}
	for i := range p.shards {
		p.shards[i] = &shard{items: make(map[string]entry)}
	}
	return p
}

func (p *Prices) shardFor(ticker string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ticker))
	return p.shards[h.Sum32()%numShards]
}

// Set records the latest observed market price for a ticker.
func (p *Prices) Set(ticker string, price float64) {
	s := p.shardFor(ticker)
	s.mu.Lock()
	s.items[ticker] = entry{price: price, seenAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the last observed price, or zero when the ticker was never
// seen.
func (p *Prices) Get(ticker string) float64 {
	s := p.shardFor(ticker)
	s.mu.RLock()
	e := s.items[ticker]
	s.mu.RUnlock()
	return e.price
}

// Age returns how long ago the ticker's price was observed. ok is false for
// tickers with no observation.
func (p *Prices) Age(ticker string) (time.Duration, bool) {
	s := p.shardFor(ticker)
	s.mu.RLock()
	e, ok := s.items[ticker]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(e.seenAt), true
}

// Len returns the number of cached tickers.
func (p *Prices) Len() int {
	n := 0
	for _, s := range p.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Prune drops observations older than maxAge and returns how many were
// removed. A position closed days ago should not anchor risk decisions to a
// stale price.
func (p *Prices) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for ticker, e := range s.items {
			if e.seenAt.Before(cutoff) {
				delete(s.items, ticker)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
