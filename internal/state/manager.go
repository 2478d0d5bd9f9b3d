// Package state keeps an in-memory view of tracked trades while persisting to
// the DB for durability. The orchestrator's cycle is the single writer.
package state

import (
	"context"
	"sync"
	"time"

	"autotrader-core/pkg/db"
)

// Manager mirrors open trade records and pending-order bookkeeping in memory.
type Manager struct {
	mu      sync.RWMutex
	open    map[string]db.TradeRecord // ticker -> open/pending record
	pending map[string]time.Time      // ticker -> order submitted, fill unconfirmed
	db      *db.Database
}

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:      database,
		open:    make(map[string]db.TradeRecord),
		pending: make(map[string]time.Time),
	}
}

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	records, err := m.db.OpenTradeRecords(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.open[r.Ticker] = r
	}
	return nil
}

// Trade returns the tracked record for a ticker, if any.
func (m *Manager) Trade(ticker string) (db.TradeRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.open[ticker]
	return r, ok
}

// Trades returns a snapshot of all tracked non-terminal records.
func (m *Manager) Trades() []db.TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]db.TradeRecord, 0, len(m.open))
	for _, r := range m.open {
		out = append(out, r)
	}
	return out
}

// Track registers a new record (PENDING or OPEN) for its ticker.
func (m *Manager) Track(r db.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[r.Ticker] = r
}

// MarkOpen flips a tracked record to OPEN once a fill is detected.
func (m *Manager) MarkOpen(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.open[ticker]; ok {
		r.Status = db.StatusOpen
		m.open[ticker] = r
	}
}

// Untrack removes a closed record from the open view.
func (m *Manager) Untrack(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, ticker)
}

// MarkPending flags a ticker as having an order in flight. Dispatch skips
// pending tickers so one idea cannot double-submit.
func (m *Manager) MarkPending(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[ticker] = time.Now()
}

// IsPending reports whether a ticker has unconfirmed orders outstanding.
func (m *Manager) IsPending(ticker string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[ticker]
	return ok
}

// ClearPending wipes all pending markers. The reconciler calls this once
// broker state is confirmed fresh, so stale markers never block dispatch.
func (m *Manager) ClearPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]time.Time)
}
