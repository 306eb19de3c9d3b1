package strategy

import (
	"math"

	"okx-trend-bot/internal/service"
	"okx-trend-bot/pkg/ta"
)

// RangeFilter decides whether the market is quiet enough for mean-reversion
// entries. All three conditions must hold on the same tick: the fast/slow EMA
// gap, the ATR share of price, and the trend-EMA slope each stay under their
// caps.
type RangeFilter struct {
	GapCap    float64
	ATRMinPct float64
	ATRMaxPct float64
	SlopeCap  float64
}

func NewRangeFilter(cfg service.SidewaysConfig) *RangeFilter {
	return &RangeFilter{
		GapCap:    cfg.GapCap,
		ATRMinPct: cfg.ATRMinPct,
		ATRMaxPct: cfg.ATRMaxPct,
		SlopeCap:  cfg.SlopeCap,
	}
}

// Sideways reports whether the latest frame qualifies as range-bound at the
// given price. Undefined indicator values disqualify the tick outright.
func (rf *RangeFilter) Sideways(frame *ta.Frame, price float64) bool {
	if price <= 0 {
		return false
	}

	fast, ok := frame.EmaFast.Last()
	if !ok {
		return false
	}
	slow, ok := frame.EmaSlow.Last()
	if !ok {
		return false
	}
	atr, ok := frame.ATR.Last()
	if !ok {
		return false
	}
	trendCur, ok := frame.EmaTrend.Last()
	if !ok {
		return false
	}
	trendPrev, ok := frame.EmaTrend.Prev()
	if !ok {
		return false
	}

	if math.Abs(fast-slow)/price > rf.GapCap {
		return false
	}
	atrPct := atr / price
	if atrPct < rf.ATRMinPct || atrPct > rf.ATRMaxPct {
		return false
	}
	if math.Abs(trendCur-trendPrev)/price > rf.SlopeCap {
		return false
	}
	return true
}
