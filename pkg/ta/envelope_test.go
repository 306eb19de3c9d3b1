package ta

import (
	"math"
	"testing"
)

func TestEnvelopeConstantSeries(t *testing.T) {
	env := ComputeEnvelope(constCloses(30, 150), 8, 3, 20)
	if !env.Valid {
		t.Fatal("envelope invalid with window+1 bars available")
	}
	if !almostEqual(env.Mid, 150, 1e-9) {
		t.Fatalf("Mid = %v, want 150", env.Mid)
	}
	if !almostEqual(env.Upper, env.Mid, 1e-9) || !almostEqual(env.Lower, env.Mid, 1e-9) {
		t.Fatalf("constant series must collapse the band, got [%v, %v]", env.Lower, env.Upper)
	}
}

func TestEnvelopeRequiresWindowPlusOneBars(t *testing.T) {
	if env := ComputeEnvelope(constCloses(20, 100), 8, 3, 20); env.Valid {
		t.Fatal("envelope valid with only window bars")
	}
	if env := ComputeEnvelope(constCloses(21, 100), 8, 3, 20); !env.Valid {
		t.Fatal("envelope invalid with window+1 bars")
	}
}

func TestEnvelopeExactSmallWindow(t *testing.T) {
	// With a huge bandwidth every weight is ~1, so mid is the plain mean of
	// the last 4 closes (10, 12, 8, 12 counting back from the anchor) = 10.5
	// and the deviation runs over the 4 bars before the anchor:
	// (1.5 + 2.5 + 1.5 + 0.5)/4 × 2 = 3.
	closes := []float64{10, 12, 8, 12, 10}
	env := ComputeEnvelope(closes, 1e9, 2, 4)
	if !env.Valid {
		t.Fatal("envelope invalid")
	}
	if !almostEqual(env.Mid, 10.5, 1e-6) {
		t.Fatalf("Mid = %v, want 10.5", env.Mid)
	}
	if !almostEqual(env.Upper, 13.5, 1e-6) {
		t.Fatalf("Upper = %v, want 13.5", env.Upper)
	}
	if !almostEqual(env.Lower, 7.5, 1e-6) {
		t.Fatalf("Lower = %v, want 7.5", env.Lower)
	}
}

func TestEnvelopeWeightsFavorRecentBars(t *testing.T) {
	// 500 bars at 100 with the anchor at 200: a narrow bandwidth must pull
	// mid well above the unweighted window mean (~100.2).
	closes := append(constCloses(500, 100), 200)
	env := ComputeEnvelope(closes, 1, 3, 500)
	if !env.Valid {
		t.Fatal("envelope invalid")
	}
	if env.Mid <= 120 || env.Mid >= 200 {
		t.Fatalf("Mid = %v, want recency-weighted value between 120 and 200", env.Mid)
	}
}

func TestEnvelopeBandSymmetry(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i)/3)
	}
	env := ComputeEnvelope(closes, 8, 3, 30)
	if !env.Valid {
		t.Fatal("envelope invalid")
	}
	if !almostEqual(env.Upper-env.Mid, env.Mid-env.Lower, 1e-9) {
		t.Fatalf("band not symmetric: upper-mid %v, mid-lower %v", env.Upper-env.Mid, env.Mid-env.Lower)
	}
	if env.Upper <= env.Mid {
		t.Fatal("varying series must produce a positive band width")
	}
	if !env.Contains(env.Mid) || env.Contains(env.Upper+1) {
		t.Fatal("Contains misclassified a price")
	}
}
