package strategy

import (
	"math"
	"time"

	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
	"okx-trend-bot/pkg/ta"
)

// Position lifecycle states.
type PositionState string

const (
	PositionFlat   PositionState = "FLAT"
	PositionOpen   PositionState = "OPEN"
	PositionLocked PositionState = "LOCKED" // post-stop-loss cooldown, waits for a close back inside the envelope
)

// TickInput is everything one evaluation pass needs. The engine assembles it
// once per tick; the machine never fetches anything itself.
type TickInput struct {
	Now    time.Time
	Frame  *ta.Frame
	Bar    model.KLine // newest closed bar in the frame
	NewBar bool        // true when Bar closed since the previous tick
	Price  float64     // live price
	Trend  model.Direction
	Entry  model.Signal // generator output, consulted only when flat
	Equity model.Equity
	Halted bool

	// MaxLegs is the leg cap for the current equity tier under ladder
	// sizing; 0 disables add-legs.
	MaxLegs int

	// EnvelopeTarget enables taking profit at the opposite envelope band.
	EnvelopeTarget bool
}

// StateMachine owns the lifecycle of at most one open position per
// instrument: entries, trailing-stop steps, every exit condition, the
// post-stop lock and ladder add-legs. It is driven by exactly one engine
// cycle at a time, so it holds no lock. Transitions that require venue
// confirmation happen in the Confirm* callbacks, never inside Evaluate.
type StateMachine struct {
	instID string
	sizing *service.SizingConfig
	strat  *service.StrategyConfig
	logger *zap.Logger

	state         PositionState
	pos           *model.Position
	basket        *model.Basket
	barsSinceExit int
	lastBarEnd    time.Time
	lockBarEnd    time.Time // end of the bar during which the lock engaged
}

func NewStateMachine(instID string, sizing *service.SizingConfig, strat *service.StrategyConfig, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		instID: instID,
		sizing: sizing,
		strat:  strat,
		logger: logger,
		state:  PositionFlat,
		// no exit has happened yet, so the cooldown starts satisfied
		barsSinceExit: math.MaxInt32 / 2,
	}
}

// State returns the current lifecycle state.
func (sm *StateMachine) State() PositionState {
	return sm.state
}

// Position returns the tracked open position, or nil when flat/locked.
func (sm *StateMachine) Position() *model.Position {
	return sm.pos
}

// CurrentBasket returns the open ladder basket, or nil.
func (sm *StateMachine) CurrentBasket() *model.Basket {
	return sm.basket
}

// Evaluate runs one decision pass and returns at most one intent for the
// engine to execute: an open, a close, an add-leg, or nothing. State only
// changes here for venue-independent facts (step advances, lock release);
// anything requiring a fill waits for its Confirm callback.
func (sm *StateMachine) Evaluate(in TickInput) model.Signal {
	if in.NewBar {
		sm.barsSinceExit++
		sm.lastBarEnd = in.Bar.EndTime
	}

	switch sm.state {
	case PositionLocked:
		sm.checkUnlock(in)
		// the release tick is consumed; entries resume next tick
		return sm.none(in)

	case PositionOpen:
		if intent, ok := sm.checkExits(in); ok {
			return intent
		}
		if intent, ok := sm.checkAddLeg(in); ok {
			return intent
		}
		return sm.none(in)

	default:
		return sm.checkEntry(in)
	}
}

func (sm *StateMachine) none(in TickInput) model.Signal {
	return model.Signal{InstID: sm.instID, Timestamp: in.Now, Action: model.ActionNone, Direction: model.DirFlat}
}

// checkUnlock releases the post-stop lock once a bar that closed after the
// lock engaged finishes inside the envelope. Intrabar touches never unlock.
func (sm *StateMachine) checkUnlock(in TickInput) {
	if !in.Frame.Env.Valid {
		return
	}
	if !in.Bar.EndTime.After(sm.lockBarEnd) {
		return
	}
	close := in.Bar.Close
	if close < in.Frame.Env.Lower || close > in.Frame.Env.Upper {
		return
	}

	sm.state = PositionFlat
	sm.logger.Info("!!! LOCK RELEASED !!! close back inside envelope",
		zap.String("InstID", sm.instID),
		zap.Float64("Close", close),
		zap.Float64("EnvLower", in.Frame.Env.Lower),
		zap.Float64("EnvUpper", in.Frame.Env.Upper))
}

// checkExits evaluates, in priority order: bar-driven stepping with the
// same-bar breach re-check, live step advances, live stop breach, basket
// equity stop/target, envelope target, trend flip. At most one close intent
// fires per tick.
func (sm *StateMachine) checkExits(in TickInput) (model.Signal, bool) {
	pos := sm.pos
	sign := pos.Direction.Sign()

	if in.NewBar {
		if intent, ok := sm.scanBar(in); ok {
			return intent, true
		}
	}

	sm.advanceSteps((in.Price - pos.EntryPrice) * sign)

	// Stop breaches always fill at the stop price, not at the observed
	// extreme.
	if sign > 0 && in.Price <= pos.StopPrice {
		return sm.closeIntent(in, pos.StopPrice, model.ExitReasonStop), true
	}
	if sign < 0 && in.Price >= pos.StopPrice {
		return sm.closeIntent(in, pos.StopPrice, model.ExitReasonStop), true
	}

	if sm.basket != nil {
		if in.Equity.Total <= sm.basket.StopEquity() {
			return sm.closeIntent(in, in.Price, model.ExitReasonBasketSL), true
		}
		if in.Equity.Total >= sm.basket.TargetEquity() {
			return sm.closeIntent(in, in.Price, model.ExitReasonBasketTP), true
		}
	} else if in.EnvelopeTarget && in.Frame.Env.Valid {
		if sign > 0 && in.Price >= in.Frame.Env.Upper {
			return sm.closeIntent(in, in.Price, model.ExitReasonTarget), true
		}
		if sign < 0 && in.Price <= in.Frame.Env.Lower {
			return sm.closeIntent(in, in.Price, model.ExitReasonTarget), true
		}
	}

	if in.Trend != model.DirFlat && in.Trend != pos.Direction {
		return sm.closeIntent(in, in.Price, model.ExitReasonTrendFlip), true
	}

	return model.Signal{}, false
}

// scanBar replays the newest closed bar against the trailing-step table:
// every step whose trigger the bar's favorable extreme crossed is applied in
// order, and after each reassignment the bar's adverse extreme is re-checked
// against the newly set stop. A breach exits once, at the stop in force.
func (sm *StateMachine) scanBar(in TickInput) (model.Signal, bool) {
	pos := sm.pos
	sign := pos.Direction.Sign()

	var favorable, adverse float64
	if sign > 0 {
		favorable = in.Bar.High - pos.EntryPrice
		adverse = in.Bar.Low
	} else {
		favorable = pos.EntryPrice - in.Bar.Low
		adverse = in.Bar.High
	}

	breached := func(stop float64) bool {
		if sign > 0 {
			return adverse <= stop
		}
		return adverse >= stop
	}

	steps := sm.sizing.TrailingSteps
	for pos.TrailingStep < len(steps) && favorable >= steps[pos.TrailingStep].TriggerPoints {
		rule := steps[pos.TrailingStep]
		pos.TrailingStep++
		pos.StopPrice = pos.EntryPrice + sign*rule.StopOffsetPoints
		sm.logger.Info("trailing stop stepped",
			zap.String("InstID", sm.instID),
			zap.Int("Step", pos.TrailingStep),
			zap.Float64("Trigger", rule.TriggerPoints),
			zap.Float64("NewStop", pos.StopPrice))

		if breached(pos.StopPrice) {
			return sm.closeIntent(in, pos.StopPrice, model.ExitReasonStop), true
		}
	}

	if breached(pos.StopPrice) {
		return sm.closeIntent(in, pos.StopPrice, model.ExitReasonStop), true
	}
	return model.Signal{}, false
}

// advanceSteps applies step triggers crossed by the live price. Validation
// guarantees every offset sits below its trigger, so a live advance can
// never place the stop beyond the price that triggered it.
func (sm *StateMachine) advanceSteps(favorable float64) {
	pos := sm.pos
	sign := pos.Direction.Sign()
	steps := sm.sizing.TrailingSteps

	for pos.TrailingStep < len(steps) && favorable >= steps[pos.TrailingStep].TriggerPoints {
		rule := steps[pos.TrailingStep]
		pos.TrailingStep++
		pos.StopPrice = pos.EntryPrice + sign*rule.StopOffsetPoints
		sm.logger.Info("trailing stop stepped",
			zap.String("InstID", sm.instID),
			zap.Int("Step", pos.TrailingStep),
			zap.Float64("Trigger", rule.TriggerPoints),
			zap.Float64("NewStop", pos.StopPrice))
	}
}

func (sm *StateMachine) closeIntent(in TickInput, fill float64, reason string) model.Signal {
	return model.Signal{
		InstID:       sm.instID,
		Timestamp:    in.Now,
		Action:       model.ActionClose,
		Direction:    sm.pos.Direction,
		Price:        fill,
		PositionSize: sm.pos.Size,
		SourceState:  in.Entry.SourceState,
		Reason:       reason,
	}
}

// checkAddLeg fires the ladder add-leg confirmation: on a freshly closed
// bar, price has pulled back through the fast EMA in the position's
// direction while the fast EMA is still on the trend side of the slow one,
// and the current tier still has leg room.
func (sm *StateMachine) checkAddLeg(in TickInput) (model.Signal, bool) {
	if sm.basket == nil || !in.NewBar {
		return model.Signal{}, false
	}
	if in.MaxLegs <= 0 || sm.pos.LegCount >= in.MaxLegs {
		return model.Signal{}, false
	}

	fastCur, ok := in.Frame.EmaFast.Last()
	if !ok {
		return model.Signal{}, false
	}
	fastPrev, ok := in.Frame.EmaFast.Prev()
	if !ok {
		return model.Signal{}, false
	}
	slowCur, ok := in.Frame.EmaSlow.Last()
	if !ok {
		return model.Signal{}, false
	}
	prevClose, ok := in.Frame.PrevClose()
	if !ok {
		return model.Signal{}, false
	}
	curClose := in.Frame.LastClose()

	confirmed := false
	switch sm.pos.Direction {
	case model.DirLong:
		confirmed = fastCur > slowCur && prevClose <= fastPrev && curClose > fastCur
	case model.DirShort:
		confirmed = fastCur < slowCur && prevClose >= fastPrev && curClose < fastCur
	}
	if !confirmed {
		return model.Signal{}, false
	}

	return model.Signal{
		InstID:      sm.instID,
		Timestamp:   in.Now,
		Action:      model.ActionAddLeg,
		Direction:   sm.pos.Direction,
		Price:       in.Price,
		SourceState: in.Entry.SourceState,
		Reason:      "pullback through fast EMA with trend intact",
	}, true
}

// checkEntry gates the generator's entry signal with the halt flag and the
// post-exit cooldown, then attaches the fixed-distance initial stop.
func (sm *StateMachine) checkEntry(in TickInput) model.Signal {
	if in.Entry.Action != model.ActionOpen || in.Entry.Direction == model.DirFlat {
		return sm.none(in)
	}
	if in.Halted {
		sm.logger.Debug("entry suppressed: daily halt active", zap.String("InstID", sm.instID))
		return sm.none(in)
	}
	if sm.barsSinceExit < sm.strat.CooldownBars {
		sm.logger.Debug("entry suppressed: cooldown",
			zap.String("InstID", sm.instID),
			zap.Int("BarsSinceExit", sm.barsSinceExit),
			zap.Int("CooldownBars", sm.strat.CooldownBars))
		return sm.none(in)
	}

	intent := in.Entry
	intent.InstID = sm.instID
	intent.StopLossPrice = intent.Price - intent.Direction.Sign()*sm.sizing.StopPoints
	return intent
}

// ConfirmEntry records a filled entry. equityAtOpen seeds the basket
// baseline under ladder sizing.
func (sm *StateMachine) ConfirmEntry(pos model.Position, equityAtOpen float64) {
	pos.InstID = sm.instID
	pos.TrailingStep = 0
	if pos.LegCount == 0 {
		pos.LegCount = 1
	}
	if pos.EntryPrice == 0 {
		pos.EntryPrice = pos.AvgPrice
	}
	sm.pos = &pos
	sm.state = PositionOpen

	if sm.sizing.Policy == service.SizingLadder {
		sm.basket = &model.Basket{
			EquityAtOpen:   equityAtOpen,
			TargetFraction: sm.sizing.Basket.TargetFraction,
			StopFraction:   sm.sizing.Basket.StopFraction,
			Legs:           []model.BasketLeg{{Price: pos.EntryPrice, Size: pos.Size}},
		}
	}

	sm.logger.Info("!!! POSITION OPENED !!!",
		zap.String("InstID", sm.instID),
		zap.String("Direction", pos.Direction.String()),
		zap.Float64("Entry", pos.EntryPrice),
		zap.Float64("Size", pos.Size),
		zap.Float64("Stop", pos.StopPrice))
}

// ConfirmAddLeg records a filled ladder leg. The position record keeps its
// original entry price; the venue's blended average arrives via SyncVenue.
func (sm *StateMachine) ConfirmAddLeg(price, size float64) {
	if sm.pos == nil {
		return
	}
	sm.pos.LegCount++
	sm.pos.Size += size
	if sm.basket != nil {
		sm.basket.Legs = append(sm.basket.Legs, model.BasketLeg{Price: price, Size: size})
	}
	sm.logger.Info("ladder leg added",
		zap.String("InstID", sm.instID),
		zap.Int("LegCount", sm.pos.LegCount),
		zap.Float64("Price", price),
		zap.Float64("Size", size))
}

// ConfirmExit records a venue-confirmed flatten. Stop-classified exits
// engage the lock when the variant uses one.
func (sm *StateMachine) ConfirmExit(reason string) {
	sm.pos = nil
	sm.basket = nil
	sm.barsSinceExit = 0

	stopLoss := reason == model.ExitReasonStop || reason == model.ExitReasonBasketSL
	if stopLoss && sm.strat.PostStopLock {
		sm.state = PositionLocked
		sm.lockBarEnd = sm.lastBarEnd
		sm.logger.Info("!!! TRADING LOCKED !!! waiting for a close inside the envelope",
			zap.String("InstID", sm.instID))
		return
	}
	sm.state = PositionFlat
}

// SyncVenue reconciles local state with the venue-reported position; the
// venue always wins. Returns true when local state had to be corrected.
func (sm *StateMachine) SyncVenue(venue *model.Position, equity model.Equity) bool {
	venueFlat := venue == nil || venue.Size == 0

	if venueFlat {
		if sm.state != PositionOpen {
			return false
		}
		// Local claims open, venue says none: trust the venue.
		sm.pos = nil
		sm.basket = nil
		sm.state = PositionFlat
		sm.barsSinceExit = 0
		sm.logger.Warn("position desync: venue reports flat, local state corrected",
			zap.String("InstID", sm.instID))
		return true
	}

	if sm.state == PositionOpen {
		sm.pos.Size = venue.Size
		sm.pos.AvgPrice = venue.AvgPrice
		sm.pos.UPL = venue.UPL
		return false
	}

	// Venue holds a position this process doesn't know about (typically a
	// restart). Adopt it and re-derive the stop from the venue entry.
	adopted := *venue
	adopted.InstID = sm.instID
	adopted.EntryPrice = venue.AvgPrice
	adopted.StopPrice = venue.AvgPrice - venue.Direction.Sign()*sm.sizing.StopPoints
	adopted.TrailingStep = 0
	adopted.LegCount = 1
	sm.pos = &adopted
	sm.basket = nil
	if sm.sizing.Policy == service.SizingLadder {
		sm.basket = &model.Basket{
			EquityAtOpen:   equity.Total,
			TargetFraction: sm.sizing.Basket.TargetFraction,
			StopFraction:   sm.sizing.Basket.StopFraction,
			Legs:           []model.BasketLeg{{Price: adopted.EntryPrice, Size: adopted.Size}},
		}
	}
	sm.state = PositionOpen
	sm.logger.Warn("position desync: adopted venue position",
		zap.String("InstID", sm.instID),
		zap.String("Direction", adopted.Direction.String()),
		zap.Float64("Entry", adopted.EntryPrice),
		zap.Float64("Size", adopted.Size),
		zap.Float64("Stop", adopted.StopPrice))
	return true
}
