package model

import "time"

// Ticker is the smallest unit of market data: a trade print or a price
// snapshot pushed by the venue.
type Ticker struct {
	InstID    string // instrument id, e.g. "BTC-USDT-SWAP"
	Timestamp int64  // milliseconds
	Price     float64
	Volume    float64 // 0 for pure price snapshots
}

// KLine is one candle of a fixed interval. Confirmed reports whether the
// venue has closed the bar; an unconfirmed (still forming) bar must never
// feed indicator computation.
type KLine struct {
	InstID    string
	Interval  string // e.g. "1m", "15m", "1H"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
	Confirmed bool
}

// Instrument carries the venue metadata needed to turn a desired notional
// into a submittable order size.
type Instrument struct {
	InstID   string
	TickSize float64 // price increment
	LotSize  float64 // quantity step
	MinSize  float64 // minimum order quantity
	CtVal    float64 // contract value multiplier; 1 for spot-like instruments
}

// Equity is the account balance snapshot in the quote currency.
type Equity struct {
	Free  float64
	Total float64
}
