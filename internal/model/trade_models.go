package model

import (
	"fmt"
	"time"
)

// ActionType is the kind of instruction a Signal carries.
type ActionType string

const (
	ActionNone   ActionType = "NONE"
	ActionOpen   ActionType = "OPEN"
	ActionClose  ActionType = "CLOSE"
	ActionAddLeg ActionType = "ADD_LEG" // append a same-side leg to an open basket
)

type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
	DirFlat  Direction = "flat"
)

func (d Direction) String() string {
	return string(d)
}

// Sign returns +1 for long, -1 for short, 0 for flat. Favorable excursion and
// realized P&L are (price − entry) × Sign.
func (d Direction) Sign() float64 {
	switch d {
	case DirLong:
		return 1
	case DirShort:
		return -1
	default:
		return 0
	}
}

// Opposite returns the reverse trading direction; flat stays flat.
func (d Direction) Opposite() Direction {
	switch d {
	case DirLong:
		return DirShort
	case DirShort:
		return DirLong
	default:
		return DirFlat
	}
}

// Exit reasons recorded on trade records and used for win/loss bookkeeping.
// Classification into win/loss always follows the realized P&L sign, never
// the reason label.
const (
	ExitReasonStop      = "SL"
	ExitReasonTarget    = "TP"
	ExitReasonTrendFlip = "TREND_FLIP"
	ExitReasonBasketTP  = "BASKET_TP"
	ExitReasonBasketSL  = "BASKET_SL"
)

// Signal is the instruction the strategy layer hands to the execution layer.
type Signal struct {
	InstID          string
	Timestamp       time.Time
	Action          ActionType
	Direction       Direction
	Variant         string  // entry strategy that produced it; empty on engine-made exits
	Price           float64 // reference price at decision time
	RiskedUSD       float64 // max quote-currency loss accepted for this trade
	PositionSize    float64 // order quantity in venue units
	StopLossPrice   float64
	TakeProfitPrice float64
	SourceState     MarketState
	Reason          string
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s] @ %.2f | Size: %.4f | SL: %.2f | TP: %.2f | State: %s | %s",
		s.Action, s.Direction, s.Price, s.PositionSize, s.StopLossPrice, s.TakeProfitPrice, s.SourceState, s.Reason)
}

// Position is the live open position as the decision engine tracks it. The
// venue remains authoritative for Size and AvgPrice; StopPrice, TrailingStep
// and LegCount are engine-side lifecycle state the venue never sees.
type Position struct {
	InstID          string
	Direction       Direction
	Size            float64 // venue units; 0 means flat
	AvgPrice        float64 // blended entry, venue-authoritative
	EntryPrice      float64 // first-leg entry used for stop offsets
	UPL             float64 // unrealized P&L
	StopPrice       float64
	TrailingStep    int // monotonically non-decreasing
	LegCount        int
	MarginCommitted float64
	EntryTime       time.Time
}

// BasketLeg is one fill inside a ladder basket.
type BasketLeg struct {
	Price float64
	Size  float64
}

// Basket groups same-side legs managed and closed as one unit. Realized P&L
// for a basket is equity_now − EquityAtOpen, not a per-leg sum, because the
// venue tracks the blended average entry.
type Basket struct {
	EquityAtOpen   float64
	TargetFraction float64
	StopFraction   float64
	Legs           []BasketLeg
}

// TargetEquity is the account equity at which the basket takes profit.
func (b *Basket) TargetEquity() float64 {
	return b.EquityAtOpen * (1 + b.TargetFraction)
}

// StopEquity is the account equity at which the basket is cut.
func (b *Basket) StopEquity() float64 {
	return b.EquityAtOpen * (1 - b.StopFraction)
}

// TradeRecord is one completed round trip (entry to exit).
type TradeRecord struct {
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	InstID        string    `json:"inst_id"`
	PosSide       Direction `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Size          float64   `json:"size"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Fee           float64   `json:"fee"`
	TriggerReason string    `json:"reason"`
}

// MarketState is the regime label attached to signals for logging and stats.
type MarketState string

const (
	StateTrendUp   MarketState = "TREND_UP"
	StateTrendDown MarketState = "TREND_DOWN"
	StateSideways  MarketState = "SIDEWAYS" // range filter satisfied
	StateChoppy    MarketState = "CHOPPY"   // no trend, range filter rejected
	StateInitial   MarketState = "INITIALIZING"
)
