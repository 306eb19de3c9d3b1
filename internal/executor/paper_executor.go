package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

// PaperExecutor fills orders against the live mark price with simulated
// balance, margin and fee accounting. Margin is a hold against free
// balance, never a transfer: equity = balance + unrealized PnL at all
// times. It implements Executor.
type PaperExecutor struct {
	cfg    *service.PaperConfig
	inst   model.Instrument
	logger *zap.Logger

	mu         sync.RWMutex
	balance    float64 // realized cash, fees already deducted
	equity     float64 // balance + unrealized PnL
	maxEquity  float64
	marginUsed float64
	lastPrice  float64
	lastTickMs int64
	position   *model.Position // nil when flat
	entryFees  float64         // fees paid opening the current position
	liqPrice   float64
	history    []*model.TradeRecord
}

func NewPaperExecutor(cfg *service.PaperConfig, inst model.Instrument, logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		cfg:       cfg,
		inst:      inst,
		logger:    logger,
		balance:   cfg.InitialBalance,
		equity:    cfg.InitialBalance,
		maxEquity: cfg.InitialBalance,
	}
}

// StartMonitor consumes the ticker stream, marking the open position to
// market and force-closing it when the simulated liquidation price is hit.
// Run it in its own goroutine.
func (e *PaperExecutor) StartMonitor(ctx context.Context, tickers <-chan model.Ticker) {
	e.logger.Info("paper executor mark-to-market monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			e.onTick(t)
		}
	}
}

func (e *PaperExecutor) onTick(t model.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice = t.Price
	e.lastTickMs = t.Timestamp
	e.markToMarket()

	if e.position != nil && e.liqBreached(t.Price) {
		// Closing at the liquidation price loses exactly the committed
		// margin under the simplified 1/leverage margin model.
		e.logger.Warn("paper position liquidated",
			zap.String("instId", e.position.InstID),
			zap.Float64("liqPrice", e.liqPrice),
			zap.Float64("markPrice", t.Price))
		e.closeLocked(e.position.Size, e.liqPrice, "LIQUIDATION")
	}
}

func (e *PaperExecutor) SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Qty <= 0 || req.Qty < e.inst.MinSize {
		return nil, fmt.Errorf("qty %v below min %v: %w", req.Qty, e.inst.MinSize, ErrBelowMinQty)
	}
	price := req.Price
	if price <= 0 {
		price = e.lastPrice
	}
	if price <= 0 {
		return nil, Transient(fmt.Errorf("no mark price received yet"))
	}

	if req.ReduceOnly {
		if e.position == nil {
			return nil, fmt.Errorf("reduce-only with no open position: %w", ErrRejected)
		}
		qty := req.Qty
		if qty > e.position.Size {
			qty = e.position.Size
		}
		tag := req.Tag
		if tag == "" {
			tag = "CLOSE"
		}
		fill := e.closeLocked(qty, price, tag)
		fill.ClOrdID = req.ClOrdID
		return fill, nil
	}
	return e.openLocked(req, price)
}

func (e *PaperExecutor) openLocked(req OrderRequest, price float64) (*Fill, error) {
	if e.position != nil && e.position.Direction != req.Side {
		return nil, fmt.Errorf("open %s against open %s position: %w", req.Side, e.position.Direction, ErrRejected)
	}

	notional := req.Qty * price * e.ctVal()
	margin := notional / e.leverage()
	fee := notional * e.cfg.FeeRate
	available := e.balance - e.marginUsed
	if available < margin+fee {
		return nil, fmt.Errorf("need %.2f, available %.2f: %w", margin+fee, available, ErrInsufficientMargin)
	}

	e.balance -= fee
	e.marginUsed += margin
	e.entryFees += fee

	if e.position == nil {
		e.position = &model.Position{
			InstID:          req.InstID,
			Direction:       req.Side,
			Size:            req.Qty,
			AvgPrice:        price,
			MarginCommitted: margin,
			EntryTime:       e.fillTime(),
		}
	} else {
		pos := e.position
		newSize := pos.Size + req.Qty
		pos.AvgPrice = (pos.AvgPrice*pos.Size + price*req.Qty) / newSize
		pos.Size = newSize
		pos.MarginCommitted += margin
	}
	e.liqPrice = e.liquidationPrice(e.position.AvgPrice, e.position.Direction)
	e.markToMarket()

	e.logger.Info("paper order filled",
		zap.String("instId", req.InstID),
		zap.String("side", req.Side.String()),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", price),
		zap.Float64("fee", fee),
		zap.Float64("liqPrice", e.liqPrice))

	return &Fill{
		OrderID: uuid.NewString(),
		ClOrdID: req.ClOrdID,
		InstID:  req.InstID,
		Side:    req.Side,
		Qty:     req.Qty,
		Price:   price,
		Fee:     fee,
		Time:    e.fillTime(),
	}, nil
}

// closeLocked reduces the open position by qty at the given fill price and
// books the realized trade. Caller holds the write lock and has verified a
// position exists.
func (e *PaperExecutor) closeLocked(qty, price float64, tag string) *Fill {
	pos := e.position
	pnl := (price - pos.AvgPrice) * qty * e.ctVal() * pos.Direction.Sign()
	closeFee := qty * price * e.ctVal() * e.cfg.FeeRate
	released := pos.MarginCommitted * qty / pos.Size
	feeShare := e.entryFees * qty / pos.Size

	e.balance += pnl - closeFee
	e.marginUsed -= released
	e.entryFees -= feeShare

	rec := &model.TradeRecord{
		EntryTime:     pos.EntryTime,
		ExitTime:      e.fillTime(),
		InstID:        pos.InstID,
		PosSide:       pos.Direction,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     price,
		Size:          qty,
		RealizedPnL:   pnl,
		Fee:           feeShare + closeFee,
		TriggerReason: tag,
	}
	e.history = append(e.history, rec)

	fill := &Fill{
		OrderID: uuid.NewString(),
		InstID:  pos.InstID,
		Side:    pos.Direction.Opposite(),
		Qty:     qty,
		Price:   price,
		Fee:     closeFee,
		Time:    e.fillTime(),
	}

	if qty >= pos.Size {
		e.position = nil
		e.liqPrice = 0
		e.entryFees = 0
	} else {
		pos.Size -= qty
		pos.MarginCommitted -= released
	}
	e.markToMarket()

	e.logger.Info("paper position reduced",
		zap.String("instId", rec.InstID),
		zap.String("side", rec.PosSide.String()),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.String("reason", tag),
		zap.Float64("balance", e.balance))

	return fill
}

func (e *PaperExecutor) markToMarket() {
	if e.position == nil {
		e.equity = e.balance
	} else {
		e.position.UPL = (e.lastPrice - e.position.AvgPrice) * e.position.Size * e.ctVal() * e.position.Direction.Sign()
		e.equity = e.balance + e.position.UPL
	}
	if e.equity > e.maxEquity {
		e.maxEquity = e.equity
	}
}

// liquidationPrice uses the simplified 1/leverage initial-margin model;
// maintenance margin and insurance funds are ignored. Zero disables the
// check.
func (e *PaperExecutor) liquidationPrice(avgPrice float64, side model.Direction) float64 {
	lev := e.leverage()
	if lev <= 0 || side == model.DirFlat {
		return 0
	}
	marginRatio := 1.0 / lev
	switch side {
	case model.DirLong:
		return avgPrice * (1.0 - marginRatio)
	case model.DirShort:
		return avgPrice * (1.0 + marginRatio)
	}
	return 0
}

func (e *PaperExecutor) liqBreached(price float64) bool {
	if e.liqPrice <= 0 {
		return false
	}
	if e.position.Direction == model.DirLong {
		return price <= e.liqPrice
	}
	return price >= e.liqPrice
}

func (e *PaperExecutor) GetPosition(ctx context.Context, instID string) (*model.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.position == nil || e.position.InstID != instID {
		return nil, nil
	}
	pos := *e.position
	return &pos, nil
}

func (e *PaperExecutor) GetEquity(ctx context.Context) (model.Equity, error) {
	if err := ctx.Err(); err != nil {
		return model.Equity{}, Transient(err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.Equity{Free: e.balance - e.marginUsed, Total: e.equity}, nil
}

func (e *PaperExecutor) GetInstrument(ctx context.Context, instID string) (model.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return model.Instrument{}, Transient(err)
	}
	return e.inst, nil
}

func (e *PaperExecutor) GetTradeHistory() []*model.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.TradeRecord, len(e.history))
	copy(out, e.history)
	return out
}

// MaxEquity returns the highest equity seen since start. Used for the
// shutdown summary in paper mode.
func (e *PaperExecutor) MaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}

func (e *PaperExecutor) ctVal() float64 {
	if e.inst.CtVal <= 0 {
		return 1
	}
	return e.inst.CtVal
}

func (e *PaperExecutor) leverage() float64 {
	if e.cfg.Leverage <= 0 {
		return 1
	}
	return e.cfg.Leverage
}

func (e *PaperExecutor) fillTime() time.Time {
	if e.lastTickMs > 0 {
		return time.UnixMilli(e.lastTickMs)
	}
	return time.Now()
}
