package testutils

import (
	"math"
	"time"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

// KlineSeries builds confirmed bars at a fixed interval whose closes follow
// the supplied values. Opens chain from the previous close; highs and lows
// pad one point beyond the body.
func KlineSeries(instID string, interval time.Duration, start time.Time, closes []float64) []model.KLine {
	out := make([]model.KLine, 0, len(closes))
	if len(closes) == 0 {
		return out
	}
	prev := closes[0]
	for i, c := range closes {
		st := start.Add(time.Duration(i) * interval)
		out = append(out, model.KLine{
			InstID:    instID,
			Interval:  service.FormatInterval(interval),
			Open:      prev,
			High:      math.Max(prev, c) + 1,
			Low:       math.Min(prev, c) - 1,
			Close:     c,
			Volume:    100,
			StartTime: st,
			EndTime:   st.Add(interval),
			Confirmed: true,
		})
		prev = c
	}
	return out
}

// Ramp produces n values stepping linearly from start.
func Ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Flat produces n copies of v.
func Flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
