package ta

import "math"

// Envelope is a Nadaraya-Watson regression band anchored at the newest
// closed bar. Valid is false until window+1 bars exist.
type Envelope struct {
	Upper float64
	Mid   float64
	Lower float64
	Valid bool
}

// Contains reports whether price lies inside [Lower, Upper].
func (e Envelope) Contains(price float64) bool {
	return e.Valid && price >= e.Lower && price <= e.Upper
}

func gauss(x, bandwidth float64) float64 {
	return math.Exp(-(x * x) / (2 * bandwidth * bandwidth))
}

// ComputeEnvelope runs the non-repainting formulation: the kernel weight of
// each bar depends only on its distance from the newest bar, so a bar's
// contribution never changes after it closes.
//
// mid is the Gaussian-weighted mean of the last window closes; the band is
// mid ± multiplier × mean absolute deviation over the window bars preceding
// the anchor.
func ComputeEnvelope(closes []float64, bandwidth, multiplier float64, window int) Envelope {
	n := len(closes)
	if window <= 0 || n < window+1 {
		return Envelope{}
	}

	var num, den float64
	for i := 0; i < window; i++ {
		w := gauss(float64(i), bandwidth)
		num += closes[n-1-i] * w
		den += w
	}
	if den == 0 {
		return Envelope{}
	}
	mid := num / den

	var sae float64
	for i := 1; i <= window; i++ {
		sae += math.Abs(closes[n-1-i] - mid)
	}
	mae := sae / float64(window) * multiplier

	return Envelope{
		Upper: mid + mae,
		Mid:   mid,
		Lower: mid - mae,
		Valid: true,
	}
}
