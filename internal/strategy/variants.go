package strategy

import (
	"fmt"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
	"okx-trend-bot/pkg/ta"
)

// Variant is one entry-detection strategy. Evaluate sees the latest closed
// frame, the live price and the current trend label, and returns the entry
// direction (DirFlat for none) with a human-readable reason.
type Variant interface {
	Name() string

	// MeanReverting marks variants whose entries pass the sideways regime
	// filter when it is enabled.
	MeanReverting() bool

	// UsesEnvelopeTarget marks variants whose open positions take profit at
	// the opposite envelope band.
	UsesEnvelopeTarget() bool

	Evaluate(frame *ta.Frame, price float64, trend model.Direction) (model.Direction, string)
}

// NewVariant builds the configured strategy variant.
func NewVariant(cfg *service.StrategyConfig) (Variant, error) {
	switch cfg.Variant {
	case service.VariantCrossover:
		return &Crossover{
			ThresholdPoints:   cfg.CrossThresholdPoints,
			RequireTrendAgree: cfg.RequireTrendAgree,
		}, nil
	case service.VariantEnvelopeTouch:
		return &EnvelopeTouch{}, nil
	case service.VariantExtensionReversion:
		return &ExtensionReversion{Factor: cfg.ExtensionFactor}, nil
	default:
		return nil, fmt.Errorf("unknown strategy variant %q", cfg.Variant)
	}
}

// Crossover enters in the direction of a confirmed fast/slow EMA cross. The
// cross is confirmed only when the previous bar had fast on-or-before the
// opposite side of slow and the current bar has fast beyond slow by the
// threshold, so a sustained near-touch cannot re-trigger.
type Crossover struct {
	ThresholdPoints   float64
	RequireTrendAgree bool
}

func (c *Crossover) Name() string             { return service.VariantCrossover }
func (c *Crossover) MeanReverting() bool      { return false }
func (c *Crossover) UsesEnvelopeTarget() bool { return false }

func (c *Crossover) Evaluate(frame *ta.Frame, price float64, trend model.Direction) (model.Direction, string) {
	fastCur, ok := frame.EmaFast.Last()
	if !ok {
		return model.DirFlat, ""
	}
	slowCur, ok := frame.EmaSlow.Last()
	if !ok {
		return model.DirFlat, ""
	}
	fastPrev, ok := frame.EmaFast.Prev()
	if !ok {
		return model.DirFlat, ""
	}
	slowPrev, ok := frame.EmaSlow.Prev()
	if !ok {
		return model.DirFlat, ""
	}

	crossedUp := fastPrev <= slowPrev && fastCur > slowCur+c.ThresholdPoints
	crossedDown := fastPrev >= slowPrev && fastCur < slowCur-c.ThresholdPoints
	if crossedUp == crossedDown {
		return model.DirFlat, ""
	}

	dir := model.DirLong
	if crossedDown {
		dir = model.DirShort
	}

	if c.RequireTrendAgree {
		trendEMA, ok := frame.EmaTrend.Last()
		if !ok {
			return model.DirFlat, ""
		}
		close := frame.LastClose()
		if dir == model.DirLong && close <= trendEMA {
			return model.DirFlat, ""
		}
		if dir == model.DirShort && close >= trendEMA {
			return model.DirFlat, ""
		}
	}

	return dir, fmt.Sprintf("EMA cross %s confirmed (fast %.2f vs slow %.2f, threshold %.1f)",
		dir, fastCur, slowCur, c.ThresholdPoints)
}

// EnvelopeTouch enters with the trend when price tags the envelope band on
// the pullback side: long on the lower band in an uptrend, short on the
// upper band in a downtrend.
type EnvelopeTouch struct{}

func (e *EnvelopeTouch) Name() string             { return service.VariantEnvelopeTouch }
func (e *EnvelopeTouch) MeanReverting() bool      { return true }
func (e *EnvelopeTouch) UsesEnvelopeTarget() bool { return true }

func (e *EnvelopeTouch) Evaluate(frame *ta.Frame, price float64, trend model.Direction) (model.Direction, string) {
	if !frame.Env.Valid {
		return model.DirFlat, ""
	}

	if trend == model.DirLong && price <= frame.Env.Lower {
		return model.DirLong, fmt.Sprintf("uptrend pullback to lower band (price %.2f <= %.2f)", price, frame.Env.Lower)
	}
	if trend == model.DirShort && price >= frame.Env.Upper {
		return model.DirShort, fmt.Sprintf("downtrend rally to upper band (price %.2f >= %.2f)", price, frame.Env.Upper)
	}
	return model.DirFlat, ""
}

// ExtensionReversion enters when the previous close stretched away from the
// fast EMA by more than Factor × ATR and the current close has snapped back
// through it.
type ExtensionReversion struct {
	Factor float64
}

func (x *ExtensionReversion) Name() string             { return service.VariantExtensionReversion }
func (x *ExtensionReversion) MeanReverting() bool      { return true }
func (x *ExtensionReversion) UsesEnvelopeTarget() bool { return true }

func (x *ExtensionReversion) Evaluate(frame *ta.Frame, price float64, trend model.Direction) (model.Direction, string) {
	fastCur, ok := frame.EmaFast.Last()
	if !ok {
		return model.DirFlat, ""
	}
	fastPrev, ok := frame.EmaFast.Prev()
	if !ok {
		return model.DirFlat, ""
	}
	atrPrev, ok := frame.ATR.Prev()
	if !ok {
		return model.DirFlat, ""
	}
	prevClose, ok := frame.PrevClose()
	if !ok {
		return model.DirFlat, ""
	}
	curClose := frame.LastClose()

	stretch := x.Factor * atrPrev
	if prevClose < fastPrev-stretch && curClose > fastCur {
		return model.DirLong, fmt.Sprintf("reversion after %.2f-point downside extension", fastPrev-prevClose)
	}
	if prevClose > fastPrev+stretch && curClose < fastCur {
		return model.DirShort, fmt.Sprintf("reversion after %.2f-point upside extension", prevClose-fastPrev)
	}
	return model.DirFlat, ""
}
