package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

func newPaper() *PaperExecutor {
	cfg := &service.PaperConfig{InitialBalance: 10000, FeeRate: 0.0005, Leverage: 10}
	inst := model.Instrument{InstID: "BTC-USDT-SWAP", TickSize: 0.1, LotSize: 0.01, MinSize: 0.01, CtVal: 1}
	return NewPaperExecutor(cfg, inst, zap.NewNop())
}

func mark(e *PaperExecutor, price float64) {
	e.onTick(model.Ticker{InstID: "BTC-USDT-SWAP", Timestamp: 1756100000000, Price: price})
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPaperOpenCloseAccounting(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	mark(e, 100)

	fill, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if fill.Price != 100 || fill.OrderID == "" {
		t.Fatalf("open fill = %+v", fill)
	}

	openFee := 1 * 100 * 0.0005
	eq, err := e.GetEquity(ctx)
	if err != nil {
		t.Fatalf("GetEquity: %v", err)
	}
	wantFree := 10000 - openFee - 10 // margin 100/10 held
	if !approx(eq.Free, wantFree) {
		t.Fatalf("Free after open = %v, want %v", eq.Free, wantFree)
	}

	pos, err := e.GetPosition(ctx, "BTC-USDT-SWAP")
	if err != nil || pos == nil {
		t.Fatalf("GetPosition = %v, %v", pos, err)
	}
	if pos.Direction != model.DirLong || pos.Size != 1 || pos.AvgPrice != 100 {
		t.Fatalf("position = %+v", pos)
	}

	_, err = e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirShort, Qty: 1, Price: 110, ReduceOnly: true, Tag: model.ExitReasonTarget})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	pos, _ = e.GetPosition(ctx, "BTC-USDT-SWAP")
	if pos != nil {
		t.Fatalf("position after close = %+v, want nil", pos)
	}

	closeFee := 1 * 110 * 0.0005
	wantBal := 10000 - openFee + 10 - closeFee
	eq, _ = e.GetEquity(ctx)
	if !approx(eq.Total, wantBal) || !approx(eq.Free, wantBal) {
		t.Fatalf("equity after close = %+v, want %v", eq, wantBal)
	}

	hist := e.GetTradeHistory()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	rec := hist[0]
	if rec.ExitPrice != 110 || !approx(rec.RealizedPnL, 10) || rec.TriggerReason != model.ExitReasonTarget {
		t.Fatalf("trade record = %+v", rec)
	}
}

func TestPaperStopFillAtRequestedPrice(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	mark(e, 100)

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Bar traded down to 85 but the stop was 90: the fill must be 90.
	mark(e, 85)
	fill, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirShort, Qty: 1, Price: 90, ReduceOnly: true, Tag: model.ExitReasonStop})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if fill.Price != 90 {
		t.Fatalf("stop fill price = %v, want 90", fill.Price)
	}
	if rec := e.GetTradeHistory()[0]; !approx(rec.RealizedPnL, -10) {
		t.Fatalf("stop pnl = %v, want -10", rec.RealizedPnL)
	}
}

func TestPaperTypedFailures(t *testing.T) {
	e := newPaper()
	ctx := context.Background()

	// No mark price yet: transient, not a rejection.
	_, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1})
	if !IsTransient(err) {
		t.Fatalf("order before first tick = %v, want transient", err)
	}

	mark(e, 100)
	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 0.001}); !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("below-min order = %v, want ErrBelowMinQty", err)
	}

	// 10k balance at 10x covers 100k notional; ask for more.
	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1001}); !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("oversized order = %v, want ErrInsufficientMargin", err)
	}

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirShort, Qty: 1, ReduceOnly: true}); !errors.Is(err, ErrRejected) {
		t.Fatalf("reduce-only while flat = %v, want ErrRejected", err)
	}

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirShort, Qty: 1}); !errors.Is(err, ErrRejected) {
		t.Fatalf("opposite-side open = %v, want ErrRejected", err)
	}
}

func TestPaperAddLegBlendsAvgPrice(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	mark(e, 100)

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1}); err != nil {
		t.Fatalf("leg 1: %v", err)
	}
	mark(e, 110)
	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1}); err != nil {
		t.Fatalf("leg 2: %v", err)
	}

	pos, _ := e.GetPosition(ctx, "BTC-USDT-SWAP")
	if pos == nil || pos.Size != 2 || !approx(pos.AvgPrice, 105) {
		t.Fatalf("blended position = %+v, want size 2 avg 105", pos)
	}
}

func TestPaperEquityTracksMark(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	mark(e, 100)

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 2}); err != nil {
		t.Fatalf("open: %v", err)
	}
	mark(e, 105)

	eq, _ := e.GetEquity(ctx)
	openFee := 2 * 100 * 0.0005
	want := 10000 - openFee + 2*5
	if !approx(eq.Total, want) {
		t.Fatalf("equity at mark 105 = %v, want %v", eq.Total, want)
	}
	if got := e.MaxEquity(); !approx(got, want) {
		t.Fatalf("MaxEquity = %v, want %v", got, want)
	}
}

func TestPaperLiquidationForcesClose(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	mark(e, 100)

	if _, err := e.SubmitOrder(ctx, OrderRequest{InstID: "BTC-USDT-SWAP", Side: model.DirLong, Qty: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	// 10x long from 100 liquidates at 90.
	mark(e, 89)

	pos, _ := e.GetPosition(ctx, "BTC-USDT-SWAP")
	if pos != nil {
		t.Fatalf("position survived liquidation: %+v", pos)
	}
	hist := e.GetTradeHistory()
	if len(hist) != 1 || hist[0].TriggerReason != "LIQUIDATION" {
		t.Fatalf("history after liquidation = %+v", hist)
	}
	if hist[0].ExitPrice != 90 {
		t.Fatalf("liquidation fill = %v, want 90", hist[0].ExitPrice)
	}
	// Losing exactly the 10-unit margin, plus fees.
	if !approx(hist[0].RealizedPnL, -10) {
		t.Fatalf("liquidation pnl = %v, want -10", hist[0].RealizedPnL)
	}
}

func TestTransientClassification(t *testing.T) {
	if !IsTransient(Transient(errors.New("dial tcp: timeout"))) {
		t.Fatal("wrapped error not classified transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline expiry not classified transient")
	}
	if IsTransient(ErrRejected) {
		t.Fatal("rejection classified transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil classified transient")
	}
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) != nil")
	}
}
