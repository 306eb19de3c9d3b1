package strategy

import (
	"math"
	"time"

	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
	"okx-trend-bot/pkg/ta"
)

// SignalGenerator turns an indicator frame and the live price into at most
// one entry Signal per tick. Exit decisions belong to the StateMachine; the
// generator also exposes the trend label the StateMachine uses for forced
// closes.
type SignalGenerator struct {
	cfg     *service.StrategyConfig
	variant Variant
	filter  *RangeFilter
	logger  *zap.Logger
}

func NewSignalGenerator(cfg *service.StrategyConfig, variant Variant, logger *zap.Logger) *SignalGenerator {
	var filter *RangeFilter
	if cfg.Sideways.Enabled {
		filter = NewRangeFilter(cfg.Sideways)
	}
	return &SignalGenerator{
		cfg:     cfg,
		variant: variant,
		filter:  filter,
		logger:  logger,
	}
}

// Variant returns the configured entry strategy.
func (sg *SignalGenerator) Variant() Variant {
	return sg.variant
}

// Trend classifies the market from the fast/slow EMA pair. With a configured
// margin the fast EMA must clear the slow one by that many points before a
// side is called; inside the margin the trend is flat.
func (sg *SignalGenerator) Trend(frame *ta.Frame) model.Direction {
	fast, ok := frame.EmaFast.Last()
	if !ok {
		return model.DirFlat
	}
	slow, ok := frame.EmaSlow.Last()
	if !ok {
		return model.DirFlat
	}

	margin := sg.cfg.TrendMarginPoints
	switch {
	case fast > slow+margin:
		return model.DirLong
	case fast < slow-margin:
		return model.DirShort
	default:
		return model.DirFlat
	}
}

// MarketState labels the regime for logging and stats.
func (sg *SignalGenerator) MarketState(frame *ta.Frame, price float64) model.MarketState {
	switch sg.Trend(frame) {
	case model.DirLong:
		return model.StateTrendUp
	case model.DirShort:
		return model.StateTrendDown
	}
	if sg.filter != nil && sg.filter.Sideways(frame, price) {
		return model.StateSideways
	}
	return model.StateChoppy
}

// Generate evaluates the configured variant for an entry. Ambiguity or a
// rejected regime resolves to ActionNone; the engine fills in sizing and the
// stop before execution.
func (sg *SignalGenerator) Generate(frame *ta.Frame, price float64, now time.Time) model.Signal {
	none := model.Signal{InstID: frame.InstID, Timestamp: now, Action: model.ActionNone, Direction: model.DirFlat}
	if price <= 0 || math.IsNaN(price) {
		return none
	}

	trend := sg.Trend(frame)
	dir, reason := sg.variant.Evaluate(frame, price, trend)
	if dir == model.DirFlat {
		return none
	}

	if sg.variant.MeanReverting() && sg.filter != nil && !sg.filter.Sideways(frame, price) {
		sg.logger.Debug("entry rejected by range filter",
			zap.String("InstID", frame.InstID),
			zap.String("Variant", sg.variant.Name()),
			zap.String("Direction", dir.String()))
		return none
	}

	return model.Signal{
		InstID:      frame.InstID,
		Timestamp:   now,
		Action:      model.ActionOpen,
		Direction:   dir,
		Variant:     sg.variant.Name(),
		Price:       price,
		SourceState: sg.MarketState(frame, price),
		Reason:      reason,
	}
}
