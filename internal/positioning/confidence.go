package positioning

import "gonum.org/v1/gonum/stat"

// ScorePosition rates a solved position in [0.1, 1.0] from the anchor count
// and the per-anchor measurement confidences. A count-based prior is averaged
// with the mean measurement confidence, then bonus factors reward strong
// measurements and healthy geometry (the bonuses compound).
func ScorePosition(anchorCount int, measurementConfidences []float64) float64 {
	var base float64
	switch {
	case anchorCount >= 4:
		base = 0.8
	case anchorCount == 3:
		base = 0.7
	case anchorCount == 2:
		base = 0.5
	default:
		base = 0.2
	}

	var avg float64
	if len(measurementConfidences) > 0 {
		for _, c := range measurementConfidences {
			avg += c
		}
		avg /= float64(len(measurementConfidences))
	}

	conf := (base + avg) / 2
	if avg > 0.7 {
		conf *= 1.1
	}
	if anchorCount >= 3 {
		conf *= 1.1
	}
	return clamp(conf, 0.1, 1.0)
}

// ScoreFromDistances is the simpler variant used when only averaged raw
// distances are available: spread-out distances mean inconsistent geometry
// and low trust. The engine applies the two-anchor penalty on top.
func ScoreFromDistances(distances []float64) float64 {
	if len(distances) == 0 {
		return 0.1
	}
	variance := stat.PopVariance(distances, nil)
	conf := clamp(1-variance/10, 0.1, 1.0)

	count := float64(len(distances)) / 4
	if count > 1 {
		count = 1
	}
	return clamp(conf*count, 0.1, 1.0)
}

// Two-anchor solves are minimal geometry and mirror-ambiguous: confidence is
// scaled down and never exceeds twoAnchorCeiling, no matter how strong the
// individual measurements are.
const (
	twoAnchorPenalty = 0.8
	twoAnchorCeiling = 0.5
)
