package view

import (
	"sync"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

// DefaultTapeSize is how many trades a TradeTape keeps.
const DefaultTapeSize = 1000

// TradeTape is a bounded, concurrency-safe ring of the most recent trades.
// When full, the oldest trade is overwritten.
type TradeTape struct {
	mu    sync.RWMutex
	buf   []adapter.TradeEvent
	start int
	n     int
}

// NewTradeTape creates a tape holding up to size trades (DefaultTapeSize
// when size <= 0).
func NewTradeTape(size int) *TradeTape {
	if size <= 0 {
		size = DefaultTapeSize
	}
	return &TradeTape{buf: make([]adapter.TradeEvent, size)}
}

// Add appends a trade, dropping the oldest when the tape is full.
func (t *TradeTape) Add(tr adapter.TradeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n < len(t.buf) {
		t.buf[(t.start+t.n)%len(t.buf)] = tr
		t.n++
		return
	}
	t.buf[t.start] = tr
	t.start = (t.start + 1) % len(t.buf)
}

// Len returns the number of trades held.
func (t *TradeTape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.n
}

// Trades returns the held trades, oldest first.
func (t *TradeTape) Trades() []adapter.TradeEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]adapter.TradeEvent, t.n)
	for i := 0; i < t.n; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}
