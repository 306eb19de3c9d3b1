package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

// Sizer converts equity and price levels into an order quantity under the
// configured sizing policy. A returned quantity of zero means "do not trade
// this tick"; it is never an error.
type Sizer interface {
	// EntryQty sizes the opening order for a position entered at entry with
	// a protective stop at stop.
	EntryQty(equity, entry, stop float64, inst model.Instrument) float64
	// LegQty sizes one additional basket leg at the current price. Policies
	// that do not pyramid return zero.
	LegQty(equity, price float64, inst model.Instrument) float64
	// MaxLegs reports how many legs the current equity tier permits.
	MaxLegs(equity float64) int
}

// NewSizer builds the sizer selected by cfg.Policy.
func NewSizer(cfg *service.SizingConfig, logger *zap.Logger) (Sizer, error) {
	switch cfg.Policy {
	case service.SizingFraction:
		return &FractionSizer{riskFraction: cfg.RiskFraction, logger: logger}, nil
	case service.SizingLadder:
		return &LadderSizer{tiers: cfg.Ladder, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown sizing policy: %q", cfg.Policy)
	}
}

// FractionSizer risks a fixed fraction of equity per trade: the wider the
// stop, the smaller the position.
type FractionSizer struct {
	riskFraction float64
	logger       *zap.Logger
}

func (s *FractionSizer) EntryQty(equity, entry, stop float64, inst model.Instrument) float64 {
	if equity <= 0 || entry <= 0 {
		return 0
	}
	stopDistFrac := math.Abs(entry-stop) / entry
	if stopDistFrac <= 0 {
		return 0
	}
	notional := equity * s.riskFraction / stopDistFrac
	qty := RoundToStep(notional/(entry*contractValue(inst)), inst)
	s.logger.Debug("fraction sizing",
		zap.Float64("equity", equity),
		zap.Float64("entry", entry),
		zap.Float64("stop", stop),
		zap.Float64("notional", notional),
		zap.Float64("qty", qty))
	return qty
}

// LegQty always returns zero: the fraction policy holds a single leg.
func (s *FractionSizer) LegQty(equity, price float64, inst model.Instrument) float64 {
	return 0
}

func (s *FractionSizer) MaxLegs(equity float64) int { return 1 }

// LadderSizer maps current equity onto a capital tier; each tier fixes the
// notional per leg and how many legs a basket may hold. Tiers are kept in
// ascending min-equity order (enforced at config load).
type LadderSizer struct {
	tiers  []service.LadderTier
	logger *zap.Logger
}

// tier returns the highest tier whose minimum equity is satisfied.
func (s *LadderSizer) tier(equity float64) (service.LadderTier, bool) {
	var best service.LadderTier
	found := false
	for _, t := range s.tiers {
		if equity >= t.MinEquity {
			best = t
			found = true
		}
	}
	return best, found
}

func (s *LadderSizer) EntryQty(equity, entry, stop float64, inst model.Instrument) float64 {
	return s.LegQty(equity, entry, inst)
}

func (s *LadderSizer) LegQty(equity, price float64, inst model.Instrument) float64 {
	if price <= 0 {
		return 0
	}
	t, ok := s.tier(equity)
	if !ok {
		s.logger.Debug("equity below lowest ladder tier", zap.Float64("equity", equity))
		return 0
	}
	qty := RoundToStep(t.LegNotional/(price*contractValue(inst)), inst)
	s.logger.Debug("ladder sizing",
		zap.Float64("equity", equity),
		zap.Float64("tierMinEquity", t.MinEquity),
		zap.Float64("legNotional", t.LegNotional),
		zap.Float64("qty", qty))
	return qty
}

func (s *LadderSizer) MaxLegs(equity float64) int {
	t, ok := s.tier(equity)
	if !ok {
		return 0
	}
	return t.MaxLegs
}

// RoundToStep floors qty to the instrument's lot step and rejects anything
// under the minimum order size. Decimal arithmetic avoids float artifacts
// like floor(0.3/0.1) = 2.
func RoundToStep(qty float64, inst model.Instrument) float64 {
	if qty <= 0 {
		return 0
	}
	out := qty
	if inst.LotSize > 0 {
		d := decimal.NewFromFloat(qty)
		step := decimal.NewFromFloat(inst.LotSize)
		out, _ = d.Div(step).Floor().Mul(step).Float64()
	}
	if out < inst.MinSize || out <= 0 {
		return 0
	}
	return out
}

// contractValue is the base-currency value of one contract; spot and
// linear instruments that do not report it trade at 1.
func contractValue(inst model.Instrument) float64 {
	if inst.CtVal <= 0 {
		return 1
	}
	return inst.CtVal
}
