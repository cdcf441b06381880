// Package market provides the local quote board and instrument discovery.
//
// Board mirrors the venue's level-1 market data for every subscribed symbol.
// It is updated from a single source, the streaming dispatcher, and read by
// the trading loop through consistent snapshot copies.
package market

import (
	"sync"

	"mep-arb/pkg/types"
)

// Board maintains the latest top-of-book per subscribed symbol.
// Writes come only from the feed dispatcher; a symbol transitions atomically
// from absent to a full TopOfBook row, never through partial states.
type Board struct {
	mu     sync.RWMutex
	quotes map[string]types.TopOfBook
}

// NewBoard creates an empty quote board.
func NewBoard() *Board {
	return &Board{quotes: make(map[string]types.TopOfBook)}
}

// Apply stores a quote row. Rows older than the one already held for the
// symbol are ignored so per-symbol timestamps stay monotonic across
// reconnect replays.
func (b *Board) Apply(q types.TopOfBook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.quotes[q.Symbol]; ok && q.TS.Before(prev.TS) {
		return
	}
	b.quotes[q.Symbol] = q
}

// Get returns the current row for a symbol.
func (b *Board) Get(symbol string) (types.TopOfBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

// Snapshot returns a copy of the whole board.
func (b *Board) Snapshot() map[string]types.TopOfBook {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]types.TopOfBook, len(b.quotes))
	for sym, q := range b.quotes {
		out[sym] = q
	}
	return out
}

// Retain evicts every symbol not present in keep. Called when the
// market-data subscription changes so published books never reference
// unsubscribed symbols.
func (b *Board) Retain(keep []string) {
	set := make(map[string]bool, len(keep))
	for _, s := range keep {
		set[s] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sym := range b.quotes {
		if !set[sym] {
			delete(b.quotes, sym)
		}
	}
}
