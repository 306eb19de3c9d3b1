package testutils

import (
	"context"
	"sync"

	"okx-trend-bot/internal/model"
)

// MockFeed serves a scripted candle window and ticker snapshot.
type MockFeed struct {
	mu sync.Mutex

	Candles []model.KLine
	Ticker  model.Ticker

	CandlesErr error
	TickerErr  error

	// CandlesFn overrides the field-driven default; call counts from 1.
	CandlesFn func(call int) ([]model.KLine, error)

	CandleCalls int
	TickerCalls int
}

func (f *MockFeed) GetCandles(_ context.Context, _, _ string, _ int) ([]model.KLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CandleCalls++
	if f.CandlesFn != nil {
		return f.CandlesFn(f.CandleCalls)
	}
	if f.CandlesErr != nil {
		return nil, f.CandlesErr
	}
	out := make([]model.KLine, len(f.Candles))
	copy(out, f.Candles)
	return out, nil
}

func (f *MockFeed) GetTicker(_ context.Context, instID string) (model.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TickerCalls++
	if f.TickerErr != nil {
		return model.Ticker{}, f.TickerErr
	}
	t := f.Ticker
	t.InstID = instID
	return t, nil
}

// MockPrices is a price cache with a fixed snapshot.
type MockPrices struct {
	T  model.Ticker
	OK bool
}

func (p *MockPrices) LastTicker(string) (model.Ticker, bool) {
	return p.T, p.OK
}
