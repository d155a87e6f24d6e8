package market

import (
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

// CandleBuilder folds ticks into fixed-width OHLC candles and emits each
// candle when the next bucket starts.
type CandleBuilder struct {
	Symbol      string
	Granularity time.Duration
	OnClose     func(broker.Candle)

	mu      sync.Mutex
	current *broker.Candle
}

// Add folds a tick into the current candle.
func (b *CandleBuilder) Add(t broker.Tick) {
	bucket := t.Time.Truncate(b.Granularity)

	b.mu.Lock()
	var closed *broker.Candle
	switch {
	case b.current == nil:
		b.current = newCandle(b.Symbol, bucket, b.Granularity, t.Quote)
	case bucket.After(b.current.OpenTime):
		c := *b.current
		closed = &c
		b.current = newCandle(b.Symbol, bucket, b.Granularity, t.Quote)
	default:
		if t.Quote > b.current.High {
			b.current.High = t.Quote
		}
		if t.Quote < b.current.Low {
			b.current.Low = t.Quote
		}
		b.current.Close = t.Quote
	}
	b.mu.Unlock()

	if closed != nil && b.OnClose != nil {
		b.OnClose(*closed)
	}
}

func newCandle(symbol string, open time.Time, g time.Duration, price float64) *broker.Candle {
	return &broker.Candle{Symbol: symbol, Open: price, High: price, Low: price, Close: price, OpenTime: open, Granularity: g}
}
