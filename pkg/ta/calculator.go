package ta

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
)

// ErrInsufficientHistory marks a computation attempted on fewer closed bars
// than the longest lookback requires. Callers skip the tick on it.
var ErrInsufficientHistory = errors.New("insufficient history")

// Params are the indicator settings for one calculator.
type Params struct {
	FastEMA   int
	SlowEMA   int
	TrendEMA  int
	ATRPeriod int
	Envelope  EnvelopeParams
}

type EnvelopeParams struct {
	Bandwidth  float64
	Multiplier float64
	Window     int
}

// Series is an indicator aligned index-for-index with the input candles.
// Entries before FirstValid are undefined and must not be read as numbers.
type Series struct {
	Values     []float64
	FirstValid int
}

// At returns the value at index i and whether it is defined.
func (s Series) At(i int) (float64, bool) {
	if i < s.FirstValid || i >= len(s.Values) {
		return 0, false
	}
	return s.Values[i], true
}

// Last returns the value at the newest bar.
func (s Series) Last() (float64, bool) {
	return s.At(len(s.Values) - 1)
}

// Prev returns the value one bar before the newest.
func (s Series) Prev() (float64, bool) {
	return s.At(len(s.Values) - 2)
}

// Frame holds every derived series for one tick, computed from closed bars
// only. Env is anchored at the newest bar in the frame.
type Frame struct {
	InstID   string
	Closes   []float64
	EmaFast  Series
	EmaSlow  Series
	EmaTrend Series
	ATR      Series
	Env      Envelope
}

// LastClose returns the newest closed price in the frame.
func (f *Frame) LastClose() float64 {
	return f.Closes[len(f.Closes)-1]
}

// PrevClose returns the close one bar before the newest, and whether the
// frame is long enough to have one.
func (f *Frame) PrevClose() (float64, bool) {
	if len(f.Closes) < 2 {
		return 0, false
	}
	return f.Closes[len(f.Closes)-2], true
}

// Calculator computes indicator frames from closed candle history. It keeps
// no state between calls; the engine owns the history and recomputes each
// tick.
type Calculator struct {
	params Params
	logger *zap.Logger
}

func NewCalculator(params Params, logger *zap.Logger) *Calculator {
	return &Calculator{params: params, logger: logger}
}

// MinHistory is the smallest number of closed bars from which every series
// in the frame has at least two defined values (crossovers and the regime
// slope need the previous bar too).
func (c *Calculator) MinHistory() int {
	need := c.params.SlowEMA + 1
	if n := c.params.TrendEMA + 1; n > need {
		need = n
	}
	if n := c.params.ATRPeriod + 2; n > need {
		need = n
	}
	if n := c.params.Envelope.Window + 1; n > need {
		need = n
	}
	return need
}

// Compute builds the indicator frame for the given closed bars, oldest
// first. Every bar must be confirmed; the in-progress bar is the caller's to
// exclude.
func (c *Calculator) Compute(klines []model.KLine) (*Frame, error) {
	if len(klines) < c.MinHistory() {
		return nil, fmt.Errorf("%w: have %d closed bars, need %d", ErrInsufficientHistory, len(klines), c.MinHistory())
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		if !k.Confirmed {
			return nil, fmt.Errorf("unconfirmed bar at index %d (start %s)", i, k.StartTime)
		}
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	p := c.params
	frame := &Frame{
		InstID: klines[0].InstID,
		Closes: closes,
		// talib.Ema seeds with the simple mean of the first period closes
		// and recurses with k = 2/(period+1); defined from index period-1.
		EmaFast:  Series{Values: talib.Ema(closes, p.FastEMA), FirstValid: p.FastEMA - 1},
		EmaSlow:  Series{Values: talib.Ema(closes, p.SlowEMA), FirstValid: p.SlowEMA - 1},
		EmaTrend: Series{Values: talib.Ema(closes, p.TrendEMA), FirstValid: p.TrendEMA - 1},
		// talib.Atr seeds with the mean of the first period true ranges and
		// applies Wilder smoothing; defined from index period.
		ATR: Series{Values: talib.Atr(highs, lows, closes, p.ATRPeriod), FirstValid: p.ATRPeriod},
		Env: ComputeEnvelope(closes, p.Envelope.Bandwidth, p.Envelope.Multiplier, p.Envelope.Window),
	}

	if c.logger != nil {
		if fast, ok := frame.EmaFast.Last(); ok {
			slow, _ := frame.EmaSlow.Last()
			c.logger.Debug("indicator frame ready",
				zap.String("InstID", frame.InstID),
				zap.Int("Bars", len(closes)),
				zap.Float64("EmaFast", fast),
				zap.Float64("EmaSlow", slow),
				zap.Bool("EnvelopeValid", frame.Env.Valid))
		}
	}
	return frame, nil
}
