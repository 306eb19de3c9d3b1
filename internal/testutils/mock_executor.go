package testutils

import (
	"context"
	"sync"
	"time"

	"okx-trend-bot/internal/executor"
	"okx-trend-bot/internal/model"
)

// MockExecutor scripts venue responses for engine tests. The zero value is a
// flat venue with empty metadata; set the exported fields, or the hook funcs
// for per-call behaviour.
type MockExecutor struct {
	mu sync.Mutex

	Pos    *model.Position
	Equity model.Equity
	Inst   model.Instrument
	Mark   float64 // fill price for market orders (req.Price == 0)

	PosErr    error
	EquityErr error
	InstErr   error
	SubmitErr error

	// Hooks override the field-driven defaults when non-nil.
	SubmitFn func(req executor.OrderRequest) (*executor.Fill, error)
	PosFn    func(call int) (*model.Position, error)

	Orders   []executor.OrderRequest
	History  []*model.TradeRecord
	PosCalls int
}

func (m *MockExecutor) GetPosition(_ context.Context, _ string) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PosCalls++
	if m.PosFn != nil {
		return m.PosFn(m.PosCalls)
	}
	if m.PosErr != nil {
		return nil, m.PosErr
	}
	if m.Pos == nil {
		return nil, nil
	}
	cp := *m.Pos
	return &cp, nil
}

func (m *MockExecutor) GetEquity(_ context.Context) (model.Equity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EquityErr != nil {
		return model.Equity{}, m.EquityErr
	}
	return m.Equity, nil
}

func (m *MockExecutor) GetInstrument(_ context.Context, _ string) (model.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InstErr != nil {
		return model.Instrument{}, m.InstErr
	}
	return m.Inst, nil
}

func (m *MockExecutor) SubmitOrder(_ context.Context, req executor.OrderRequest) (*executor.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, req)
	if m.SubmitFn != nil {
		return m.SubmitFn(req)
	}
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	price := req.Price
	if price == 0 {
		price = m.Mark
	}
	return &executor.Fill{
		OrderID: "mock-order",
		ClOrdID: req.ClOrdID,
		InstID:  req.InstID,
		Side:    req.Side,
		Qty:     req.Qty,
		Price:   price,
		Time:    time.Now(),
	}, nil
}

func (m *MockExecutor) GetTradeHistory() []*model.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.TradeRecord, len(m.History))
	copy(out, m.History)
	return out
}

// LastOrder returns the most recently submitted request.
func (m *MockExecutor) LastOrder() (executor.OrderRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Orders) == 0 {
		return executor.OrderRequest{}, false
	}
	return m.Orders[len(m.Orders)-1], true
}
