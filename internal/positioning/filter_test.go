package positioning

import (
	"math"
	"testing"
)

func TestFilterConvergesToConstantSignal(t *testing.T) {
	f := NewRSSIFilter()

	const target = -62.0
	for i := 0; i < 30; i++ {
		f.Update(target, 1)
	}

	if diff := math.Abs(f.Estimate() - target); diff > 0.01 {
		t.Fatalf("filter did not converge: estimate=%.4f want %.4f", f.Estimate(), target)
	}
}

func TestFilterFirstUpdateSeedsEstimate(t *testing.T) {
	f := NewDistanceFilter()
	got := f.Update(7.5, 1)
	if got != 7.5 {
		t.Fatalf("first update should seed the estimate, got %.4f", got)
	}
}

func TestFilterConfidenceMonotonicOnConstantInput(t *testing.T) {
	f := NewRSSIFilter()

	prevConf := -1.0
	prevCov := math.Inf(1)
	for i := 0; i < 20; i++ {
		f.Update(-70, 1)
		conf := f.Confidence()
		if conf < prevConf {
			t.Fatalf("confidence decreased at update %d: %.5f -> %.5f", i+1, prevConf, conf)
		}
		if f.Covariance() > prevCov+1e-12 {
			t.Fatalf("covariance increased at update %d: %.5f -> %.5f", i+1, prevCov, f.Covariance())
		}
		prevConf = conf
		prevCov = f.Covariance()
	}

	if prevConf <= 0 || prevConf > 1 {
		t.Fatalf("confidence out of range: %.5f", prevConf)
	}
}

func TestFilterObservationCountReducesNoise(t *testing.T) {
	// With more observations per report the gain is higher, so a step input
	// is tracked faster.
	single := NewRSSIFilter()
	multi := NewRSSIFilter()
	for i := 0; i < 5; i++ {
		single.Update(-80, 1)
		multi.Update(-80, 1)
	}
	single.Update(-60, 1)
	multi.Update(-60, 10)

	if math.Abs(multi.Estimate()-(-60)) >= math.Abs(single.Estimate()-(-60)) {
		t.Fatalf("high observation count should track steps faster: single=%.3f multi=%.3f",
			single.Estimate(), multi.Estimate())
	}
}

func TestFilterProcessNoiseAdaptsAndClamps(t *testing.T) {
	// Wildly alternating input should push Q to its upper clamp.
	f := NewRSSIFilter()
	for i := 0; i < 12; i++ {
		v := -90.0
		if i%2 == 0 {
			v = -40.0
		}
		f.Update(v, 1)
	}
	if f.q != filterQMax {
		t.Fatalf("expected Q clamped to %.2f on noisy input, got %.4f", filterQMax, f.q)
	}

	// A steady input should pull Q back down to its lower clamp.
	for i := 0; i < 20; i++ {
		f.Update(-65, 1)
	}
	if f.q != filterQMin {
		t.Fatalf("expected Q clamped to %.2f on steady input, got %.4f", filterQMin, f.q)
	}
}

func TestFilterDeterministic(t *testing.T) {
	input := []float64{-70, -68, -72, -69, -71, -70.5}
	a := NewRSSIFilter()
	b := NewRSSIFilter()
	for _, v := range input {
		ea := a.Update(v, 2)
		eb := b.Update(v, 2)
		if ea != eb {
			t.Fatalf("filters diverged on identical input: %.6f vs %.6f", ea, eb)
		}
	}
}
