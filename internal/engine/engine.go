package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"okx-trend-bot/internal/executor"
	"okx-trend-bot/internal/metrics"
	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/notify"
	"okx-trend-bot/internal/risk"
	"okx-trend-bot/internal/service"
	"okx-trend-bot/internal/stats"
	"okx-trend-bot/internal/strategy"
	"okx-trend-bot/pkg/ta"
)

// Every call to an external collaborator is bounded; a cycle must never
// stall on the network.
const collaboratorTimeout = 10 * time.Second

// retryBackoff separates the single retry of a failed candle fetch.
const retryBackoff = 2 * time.Second

// closeConfirmRetries bounds the venue re-polls after a close request
// before the prior state is retained for the next tick.
const closeConfirmRetries = 10

// Feed serves candle history and price snapshots over REST.
type Feed interface {
	GetCandles(ctx context.Context, instID, interval string, limit int) ([]model.KLine, error)
	GetTicker(ctx context.Context, instID string) (model.Ticker, error)
}

// PriceSource serves the newest streamed price, when one has arrived.
type PriceSource interface {
	LastTicker(instID string) (model.Ticker, bool)
}

// Deps are the collaborators one engine instance drives. All of them are
// owned exclusively by this instance's cycle, so none need locking against
// the engine.
type Deps struct {
	Calc     *ta.Calculator
	Gen      *strategy.SignalGenerator
	SM       *strategy.StateMachine
	Sizer    risk.Sizer
	Feed     Feed
	Prices   PriceSource
	Exec     executor.Executor
	Tracker  *stats.Tracker
	Notifier notify.Notifier
	Clock    Clock
	Logger   *zap.Logger
}

// Engine runs the single-threaded decision loop for one instrument: fetch,
// indicators, signal, position management, accounting, then idle. One full
// cycle always runs to completion; shutdown is honored only at the cycle
// boundary.
type Engine struct {
	cfg      *service.InstanceConfig
	calc     *ta.Calculator
	gen      *strategy.SignalGenerator
	sm       *strategy.StateMachine
	sizer    risk.Sizer
	feed     Feed
	prices   PriceSource
	exec     executor.Executor
	tracker  *stats.Tracker
	notifier notify.Notifier
	clock    Clock
	logger   *zap.Logger

	inst       model.Instrument
	lastBarEnd time.Time
}

func New(cfg *service.InstanceConfig, deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &Engine{
		cfg:      cfg,
		calc:     deps.Calc,
		gen:      deps.Gen,
		sm:       deps.SM,
		sizer:    deps.Sizer,
		feed:     deps.Feed,
		prices:   deps.Prices,
		exec:     deps.Exec,
		tracker:  deps.Tracker,
		notifier: deps.Notifier,
		clock:    clock,
		logger:   deps.Logger,
	}
}

// Run bootstraps against the venue and then drives decision cycles until
// ctx is canceled. The returned error is always startup-fatal; once the
// loop is entered, no single bad tick terminates it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bootstrap(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started",
		zap.String("instId", e.cfg.InstID),
		zap.String("interval", e.cfg.Interval),
		zap.String("variant", e.gen.Variant().Name()),
		zap.Duration("pollInterval", e.cfg.PollInterval))
	e.notify(ctx, fmt.Sprintf("STARTED %s %s on %s bars",
		e.cfg.InstID, e.gen.Variant().Name(), e.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped", zap.String("instId", e.cfg.InstID))
			return nil
		case <-e.clock.After(e.cfg.PollInterval):
			e.cycle(ctx)
		}
	}
}

// bootstrap loads instrument metadata and reconciles local position state
// against the venue. Local in-memory state is never trusted across a
// restart; the venue's answer wins.
func (e *Engine) bootstrap(ctx context.Context) error {
	var inst model.Instrument
	err := e.retry(ctx, 3, func(octx context.Context) error {
		var err error
		inst, err = e.exec.GetInstrument(octx, e.cfg.InstID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load instrument metadata: %w", err)
	}
	if inst.LotSize <= 0 || inst.MinSize <= 0 {
		return fmt.Errorf("instrument %s: invalid metadata (lot %v, min %v)", e.cfg.InstID, inst.LotSize, inst.MinSize)
	}
	e.inst = inst

	var pos *model.Position
	err = e.retry(ctx, 3, func(octx context.Context) error {
		var err error
		pos, err = e.exec.GetPosition(octx, e.cfg.InstID)
		return err
	})
	if err != nil {
		return fmt.Errorf("startup position reconcile: %w", err)
	}
	var equity model.Equity
	err = e.retry(ctx, 3, func(octx context.Context) error {
		var err error
		equity, err = e.exec.GetEquity(octx)
		return err
	})
	if err != nil {
		return fmt.Errorf("startup equity query: %w", err)
	}
	if e.sm.SyncVenue(pos, equity) {
		e.notify(ctx, fmt.Sprintf("%s: state reconciled against venue on startup", e.cfg.InstID))
	}
	return nil
}

// retry runs fn with a bounded timeout, retrying up to attempts times with
// a fixed backoff. Used where abandoning is not an option (bootstrap,
// post-close equity); inside the loop a failed tick is simply abandoned.
func (e *Engine) retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		err := fn(octx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(retryBackoff):
		}
	}
	return lastErr
}

// cycle is one complete decision pass. It never returns an error: transient
// failures abandon the tick and the loop continues.
func (e *Engine) cycle(ctx context.Context) {
	instID := e.cfg.InstID
	metrics.TicksTotal.WithLabelValues(instID).Inc()

	// Day bookkeeping first, so a fresh day unblocks entries before any
	// signal is evaluated.
	if report, rolled := e.tracker.RollIfNewDay(); rolled && report != "" {
		e.notify(ctx, report)
	}
	if report, due := e.tracker.DueReport(); due {
		e.notify(ctx, report)
	}

	klines, err := e.fetchCandles(ctx)
	if err != nil {
		metrics.TransientErrors.WithLabelValues(instID, "candles").Inc()
		e.logger.Warn("candle fetch failed, tick abandoned", zap.Error(err))
		return
	}
	// The newest bar may still be forming; indicators only see closed bars.
	if n := len(klines); n > 0 && !klines[n-1].Confirmed {
		klines = klines[:n-1]
	}
	if len(klines) == 0 {
		return
	}

	frame, err := e.calc.Compute(klines)
	if err != nil {
		if errors.Is(err, ta.ErrInsufficientHistory) {
			e.logger.Debug("insufficient history, tick skipped",
				zap.Int("bars", len(klines)),
				zap.Int("need", e.calc.MinHistory()))
			return
		}
		e.logger.Warn("indicator computation failed, tick abandoned", zap.Error(err))
		return
	}

	price, ok := e.lastPrice(ctx)
	if !ok {
		metrics.TransientErrors.WithLabelValues(instID, "ticker").Inc()
		e.logger.Warn("no live price, tick abandoned")
		return
	}

	venuePos, equity, err := e.venueState(ctx)
	if err != nil {
		metrics.TransientErrors.WithLabelValues(instID, "venue").Inc()
		e.logger.Warn("venue query failed, tick abandoned", zap.Error(err))
		return
	}
	e.sm.SyncVenue(venuePos, equity)

	bar := klines[len(klines)-1]
	newBar := bar.EndTime.After(e.lastBarEnd)
	if newBar {
		e.lastBarEnd = bar.EndTime
	}

	now := e.clock.Now()
	in := strategy.TickInput{
		Now:            now,
		Frame:          frame,
		Bar:            bar,
		NewBar:         newBar,
		Price:          price,
		Trend:          e.gen.Trend(frame),
		Entry:          e.gen.Generate(frame, price, now),
		Equity:         equity,
		Halted:         e.tracker.Halted(),
		MaxLegs:        e.sizer.MaxLegs(equity.Total),
		EnvelopeTarget: e.gen.Variant().UsesEnvelopeTarget(),
	}

	wasLocked := e.sm.State() == strategy.PositionLocked
	intent := e.sm.Evaluate(in)
	if wasLocked && e.sm.State() != strategy.PositionLocked {
		e.notify(ctx, fmt.Sprintf("UNLOCKED %s, entries enabled", instID))
	}

	switch intent.Action {
	case model.ActionOpen:
		e.executeOpen(ctx, intent, equity)
	case model.ActionClose:
		e.executeClose(ctx, intent, equity)
	case model.ActionAddLeg:
		e.executeAddLeg(ctx, intent, equity)
	}

	e.updateGauges(equity)
}

// fetchCandles pulls history with a bounded timeout and one fixed-backoff
// retry; a second failure abandons the tick.
func (e *Engine) fetchCandles(ctx context.Context) ([]model.KLine, error) {
	fetch := func() ([]model.KLine, error) {
		octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		defer cancel()
		return e.feed.GetCandles(octx, e.cfg.InstID, e.cfg.Interval, e.cfg.HistoryLimit)
	}
	klines, err := fetch()
	if err == nil {
		return klines, nil
	}
	e.logger.Debug("candle fetch failed, retrying once", zap.Error(err))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.clock.After(retryBackoff):
	}
	return fetch()
}

// lastPrice prefers the streamed ticker cache and falls back to a REST
// snapshot when the stream has not delivered yet.
func (e *Engine) lastPrice(ctx context.Context) (float64, bool) {
	if t, ok := e.prices.LastTicker(e.cfg.InstID); ok && t.Price > 0 {
		return t.Price, true
	}
	octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	t, err := e.feed.GetTicker(octx, e.cfg.InstID)
	if err != nil || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

func (e *Engine) venueState(ctx context.Context) (*model.Position, model.Equity, error) {
	octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	pos, err := e.exec.GetPosition(octx, e.cfg.InstID)
	if err != nil {
		return nil, model.Equity{}, err
	}
	equity, err := e.exec.GetEquity(octx)
	if err != nil {
		return nil, model.Equity{}, err
	}
	return pos, equity, nil
}

// executeOpen sizes and submits the entry. Insufficient margin halves the
// quantity down to the venue minimum; transient failures abandon the tick
// without touching state.
func (e *Engine) executeOpen(ctx context.Context, intent model.Signal, equity model.Equity) {
	qty := e.sizer.EntryQty(equity.Total, intent.Price, intent.StopLossPrice, e.inst)
	if qty <= 0 {
		e.logger.Debug("entry sized to zero, not trading",
			zap.String("instId", e.cfg.InstID),
			zap.Float64("equity", equity.Total))
		return
	}

	for qty >= e.inst.MinSize {
		octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		fill, err := e.exec.SubmitOrder(octx, executor.OrderRequest{
			InstID:  e.cfg.InstID,
			Side:    intent.Direction,
			Qty:     qty,
			ClOrdID: uuid.NewString(),
			Tag:     "ENTRY",
		})
		cancel()

		switch {
		case err == nil:
			metrics.OrdersSubmitted.WithLabelValues(e.cfg.InstID, "open").Inc()
			e.sm.ConfirmEntry(model.Position{
				Direction:  intent.Direction,
				Size:       fill.Qty,
				AvgPrice:   fill.Price,
				EntryPrice: fill.Price,
				StopPrice:  intent.StopLossPrice,
				EntryTime:  fill.Time,
			}, equity.Total)
			e.tracker.RecordEntry(e.cfg.InstID)
			e.notify(ctx, fmt.Sprintf("OPEN %s %s %.4f @ %.2f, stop %.2f (%s: %s)",
				e.cfg.InstID, intent.Direction, fill.Qty, fill.Price, intent.StopLossPrice, intent.Variant, intent.Reason))
			return

		case errors.Is(err, executor.ErrInsufficientMargin):
			halved := risk.RoundToStep(qty/2, e.inst)
			e.logger.Warn("insufficient margin, halving entry",
				zap.Float64("qty", qty),
				zap.Float64("next", halved))
			if halved >= qty {
				return
			}
			qty = halved

		case executor.IsTransient(err):
			metrics.TransientErrors.WithLabelValues(e.cfg.InstID, "order").Inc()
			e.logger.Warn("entry order failed transiently, tick abandoned", zap.Error(err))
			return

		default:
			e.logger.Error("entry order rejected", zap.Error(err))
			return
		}
	}
	e.logger.Warn("entry unfillable above venue minimum, abandoned",
		zap.String("instId", e.cfg.InstID))
}

// executeClose flattens the position reduce-only at the intent's fill price
// and confirms against the venue before accepting FLAT. Until the venue
// reports flat, the prior state is retained and the exit will re-fire.
func (e *Engine) executeClose(ctx context.Context, intent model.Signal, equity model.Equity) {
	pos := e.sm.Position()
	if pos == nil {
		return
	}
	basket := e.sm.CurrentBasket()

	octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	fill, err := e.exec.SubmitOrder(octx, executor.OrderRequest{
		InstID:     e.cfg.InstID,
		Side:       pos.Direction.Opposite(),
		Qty:        pos.Size,
		Price:      intent.Price,
		ReduceOnly: true,
		ClOrdID:    uuid.NewString(),
		Tag:        intent.Reason,
	})
	cancel()
	if err != nil {
		if executor.IsTransient(err) {
			metrics.TransientErrors.WithLabelValues(e.cfg.InstID, "order").Inc()
		}
		e.logger.Warn("close order failed, state retained", zap.Error(err))
		return
	}
	metrics.OrdersSubmitted.WithLabelValues(e.cfg.InstID, "close").Inc()

	if !e.confirmFlat(ctx) {
		e.logger.Error("close not confirmed by venue, state retained",
			zap.String("instId", e.cfg.InstID))
		return
	}

	// Basket P&L is aggregate equity movement; single positions settle
	// against the venue's blended entry.
	var pnl float64
	if basket != nil {
		after := equity
		err := e.retry(ctx, 2, func(octx context.Context) error {
			var err error
			after, err = e.exec.GetEquity(octx)
			return err
		})
		if err != nil {
			e.logger.Warn("post-close equity query failed, using last seen", zap.Error(err))
			after = equity
		}
		pnl = after.Total - basket.EquityAtOpen
	} else {
		pnl = (fill.Price - pos.AvgPrice) * fill.Qty * pos.Direction.Sign()
	}

	wasHalted := e.tracker.Halted()
	e.tracker.RecordExit(model.TradeRecord{
		EntryTime:     pos.EntryTime,
		ExitTime:      fill.Time,
		InstID:        e.cfg.InstID,
		PosSide:       pos.Direction,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     fill.Price,
		Size:          fill.Qty,
		RealizedPnL:   pnl,
		Fee:           fill.Fee,
		TriggerReason: intent.Reason,
	})
	metrics.ExitsTotal.WithLabelValues(e.cfg.InstID, intent.Reason).Inc()
	e.sm.ConfirmExit(intent.Reason)
	e.notify(ctx, fmt.Sprintf("CLOSE %s %s %.4f @ %.2f, pnl %+.2f (%s)",
		e.cfg.InstID, pos.Direction, fill.Qty, fill.Price, pnl, intent.Reason))

	if !wasHalted && e.tracker.Halted() {
		e.notify(ctx, fmt.Sprintf("HALTED %s after %d consecutive losses, entries blocked until rollover",
			e.cfg.InstID, e.tracker.Snapshot().LossStreak))
	}
	if e.sm.State() == strategy.PositionLocked {
		e.notify(ctx, fmt.Sprintf("LOCKED %s until a bar closes back inside the envelope", e.cfg.InstID))
	}
}

// executeAddLeg appends one ladder leg at market size for the current tier.
func (e *Engine) executeAddLeg(ctx context.Context, intent model.Signal, equity model.Equity) {
	qty := e.sizer.LegQty(equity.Total, intent.Price, e.inst)
	if qty <= 0 {
		return
	}
	octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	fill, err := e.exec.SubmitOrder(octx, executor.OrderRequest{
		InstID:  e.cfg.InstID,
		Side:    intent.Direction,
		Qty:     qty,
		ClOrdID: uuid.NewString(),
		Tag:     "ADD_LEG",
	})
	cancel()
	if err != nil {
		if executor.IsTransient(err) {
			metrics.TransientErrors.WithLabelValues(e.cfg.InstID, "order").Inc()
		}
		e.logger.Warn("add-leg order failed", zap.Error(err))
		return
	}
	metrics.OrdersSubmitted.WithLabelValues(e.cfg.InstID, "add_leg").Inc()
	e.sm.ConfirmAddLeg(fill.Price, fill.Qty)
	e.tracker.RecordEntry(e.cfg.InstID)
	e.notify(ctx, fmt.Sprintf("ADD LEG %s %s %.4f @ %.2f",
		e.cfg.InstID, intent.Direction, fill.Qty, fill.Price))
}

// confirmFlat re-polls the venue after a close request. Paper fills settle
// on the first poll; a live venue may lag.
func (e *Engine) confirmFlat(ctx context.Context) bool {
	for i := 0; i < closeConfirmRetries; i++ {
		octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		pos, err := e.exec.GetPosition(octx, e.cfg.InstID)
		cancel()
		if err == nil && (pos == nil || pos.Size == 0) {
			return true
		}
		if err == nil {
			e.logger.Warn("venue still reports open position after close",
				zap.Int("attempt", i+1),
				zap.Float64("size", pos.Size))
		}
		select {
		case <-ctx.Done():
			return false
		case <-e.clock.After(time.Second):
		}
	}
	return false
}

func (e *Engine) updateGauges(equity model.Equity) {
	instID := e.cfg.InstID
	metrics.EquityGauge.WithLabelValues(instID).Set(equity.Total)
	size := 0.0
	if pos := e.sm.Position(); pos != nil {
		size = pos.Size * pos.Direction.Sign()
	}
	metrics.PositionSize.WithLabelValues(instID).Set(size)
	snap := e.tracker.Snapshot()
	metrics.LossStreak.WithLabelValues(instID).Set(float64(snap.LossStreak))
	if snap.Halted {
		metrics.HaltedGauge.WithLabelValues(instID).Set(1)
	} else {
		metrics.HaltedGauge.WithLabelValues(instID).Set(0)
	}
}

func (e *Engine) notify(ctx context.Context, text string) {
	octx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	if err := e.notifier.Notify(octx, text); err != nil {
		e.logger.Warn("notification failed", zap.Error(err))
	}
}
