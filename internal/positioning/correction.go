package positioning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PathLossModel converts filtered signal strength to an estimated distance
// using the log-distance path-loss formula
//
//	rssi = P0 - 10*n*log10(d)
//
// where P0 is the measured power at one metre and n the attenuation
// exponent. Defaults suit a 2.4GHz indoor environment; Calibrate refits both
// parameters from labelled data.
type PathLossModel struct {
	MeasuredPower float64 // P0, dBm at 1m
	Exponent      float64 // n
}

// DefaultPathLossModel returns the uncalibrated indoor model.
func DefaultPathLossModel() PathLossModel {
	return PathLossModel{MeasuredPower: -60, Exponent: 3.0}
}

// Distance returns the estimated distance in metres for a (filtered) RSSI.
// Signals at or above P0 collapse to the 1m minimum.
func (m PathLossModel) Distance(rssi float64) float64 {
	if rssi >= m.MeasuredPower {
		return 1.0
	}
	return math.Pow(10, (m.MeasuredPower-rssi)/(10*m.Exponent))
}

// Calibrate fits P0 and n from labelled (distance, rssi) pairs. The model is
// linear in both parameters, so an ordinary least-squares solve suffices:
// each sample contributes the row [1, -10*log10(d)] against the observed
// RSSI. At least two samples at distinct positive distances are required.
func (m *PathLossModel) Calibrate(distances, rssi []float64) error {
	if len(distances) != len(rssi) {
		return fmt.Errorf("calibrate: %d distances vs %d rssi samples", len(distances), len(rssi))
	}

	rows := 0
	aData := make([]float64, 0, 2*len(distances))
	bData := make([]float64, 0, len(distances))
	for i, d := range distances {
		if d <= 0 || !isFinite(d) || !isFinite(rssi[i]) {
			continue
		}
		aData = append(aData, 1, -10*math.Log10(d))
		bData = append(bData, rssi[i])
		rows++
	}
	if rows < 2 {
		return fmt.Errorf("calibrate: need at least 2 usable samples, got %d", rows)
	}

	a := mat.NewDense(rows, 2, aData)
	b := mat.NewVecDense(rows, bData)

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return fmt.Errorf("calibrate: least-squares solve: %w", err)
	}

	p0, n := x.AtVec(0), x.AtVec(1)
	if !isFinite(p0) || !isFinite(n) || n <= 0 {
		return fmt.Errorf("calibrate: degenerate fit (P0=%.2f, n=%.2f)", p0, n)
	}
	m.MeasuredPower, m.Exponent = p0, n
	return nil
}

// Correction bounds for the final corrected distance, metres.
const (
	minCorrectedDistance = 0.1
	maxCorrectedDistance = 50.0
)

// FrequencyCorrection returns the distance scale factor for a WiFi channel.
// 5GHz attenuates faster than the model assumes, so its estimates are pulled
// in; unknown channels pass through.
func FrequencyCorrection(channel int) float64 {
	switch {
	case channel >= 1 && channel <= 14:
		return 1.0 // 2.4GHz band
	case channel >= 36 && channel <= 165:
		return 0.85 // 5GHz band
	default:
		return 1.0
	}
}

// SignalQualityCorrection returns the distance scale factor for a filtered
// signal strength. Weak signals attenuate more than the model predicts, so
// their distance estimates are inflated.
func SignalQualityCorrection(filteredSignal float64) float64 {
	switch {
	case filteredSignal > -50:
		return 0.9 // excellent
	case filteredSignal > -70:
		return 1.0 // good
	default:
		return 1.1 // weak
	}
}

// ApplyCorrection applies frequency and signal-quality corrections to a
// distance estimate and clamps the result to the plausible indoor range.
func ApplyCorrection(distance float64, channel int, filteredSignal float64) float64 {
	corrected := distance * FrequencyCorrection(channel) * SignalQualityCorrection(filteredSignal)
	return clamp(corrected, minCorrectedDistance, maxCorrectedDistance)
}

// signalConfidence maps filtered signal strength to a confidence bucket.
func signalConfidence(filteredSignal float64) float64 {
	switch {
	case filteredSignal > -45:
		return 0.95
	case filteredSignal > -55:
		return 0.85
	case filteredSignal > -65:
		return 0.70
	case filteredSignal > -75:
		return 0.55
	case filteredSignal > -85:
		return 0.40
	default:
		return 0.30
	}
}

// DistanceConfidence scores a single corrected distance in [0.1, 1.0] from
// signal strength, packet count and channel consistency. Strong signals
// backed by several packets are floored at 0.6 regardless of the weighted
// sum.
func DistanceConfidence(filteredSignal float64, packetCount int, channelConsistency float64) float64 {
	packetConf := clamp(0.3+float64(packetCount)/10*0.7, 0, 1)

	conf := 0.6*signalConfidence(filteredSignal) + 0.3*packetConf + 0.1*channelConsistency
	if filteredSignal > -65 && packetCount >= 3 && conf < 0.6 {
		conf = 0.6
	}
	return clamp(conf, 0.1, 1.0)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
