package positioning

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Filter tuning defaults. Process noise is re-estimated from the rolling
// measurement window once enough samples exist, clamped to [QMin, QMax].
const (
	filterInitialCovariance = 1.0
	filterInitialQ          = 0.1
	filterBaseNoiseRSSI     = 4.0
	filterBaseNoiseDistance = 1.0

	filterWindowSize   = 10
	filterMinAdaptive  = 5 // samples before Q adapts
	filterQMin         = 0.01
	filterQMax         = 0.5
	filterQScale       = 0.1
	filterMaxObsWeight = 5 // observation count cap for measurement-noise scaling
)

// SignalFilter is an adaptive scalar Kalman filter used to smooth one noisy
// quantity per device (RSSI or estimated distance). Process noise adapts to
// the variance of the recent raw measurement window; effective measurement
// noise shrinks with the number of observations backing a report, so
// aggregated readings are trusted more than single packets.
//
// The filter has no error conditions: callers must reject non-finite input
// before it reaches Update.
type SignalFilter struct {
	estimate   float64
	covariance float64
	q          float64 // process noise, adaptive
	rBase      float64 // base measurement noise

	window  [filterWindowSize]float64
	wLen    int
	wNext   int
	updates int
}

// NewSignalFilter returns a filter with the given base measurement noise.
// The first Update seeds the estimate directly from the measurement.
func NewSignalFilter(baseNoise float64) *SignalFilter {
	return &SignalFilter{
		covariance: filterInitialCovariance,
		q:          filterInitialQ,
		rBase:      baseNoise,
	}
}

// NewRSSIFilter returns a filter tuned for dBm signal strength input.
func NewRSSIFilter() *SignalFilter { return NewSignalFilter(filterBaseNoiseRSSI) }

// NewDistanceFilter returns a filter tuned for metre distance input.
func NewDistanceFilter() *SignalFilter { return NewSignalFilter(filterBaseNoiseDistance) }

// Update runs one predict/correct cycle and returns the smoothed value.
// observationCount is the number of raw observations behind the measurement
// (e.g. packets in the reporting interval); higher counts reduce the
// effective measurement noise, capped at filterMaxObsWeight.
func (f *SignalFilter) Update(measurement float64, observationCount int) float64 {
	if observationCount < 1 {
		observationCount = 1
	}
	obs := observationCount
	if obs > filterMaxObsWeight {
		obs = filterMaxObsWeight
	}
	rEff := f.rBase / float64(obs)

	if f.updates == 0 {
		f.estimate = measurement
	}
	f.updates++

	// Predict.
	f.covariance += f.q

	// Correct.
	gain := f.covariance / (f.covariance + rEff)
	f.estimate += gain * (measurement - f.estimate)
	f.covariance = (1 - gain) * f.covariance

	f.push(measurement)
	f.adaptProcessNoise()

	return f.estimate
}

// Estimate returns the current smoothed value.
func (f *SignalFilter) Estimate() float64 { return f.estimate }

// Covariance returns the current error covariance.
func (f *SignalFilter) Covariance() float64 { return f.covariance }

// Updates returns the number of measurements consumed.
func (f *SignalFilter) Updates() int { return f.updates }

// Confidence reports how settled the filter is in [0, 1]: it grows with the
// number of updates (saturating at the window size) and shrinks with the
// error covariance.
func (f *SignalFilter) Confidence() float64 {
	n := float64(f.updates) / float64(filterWindowSize)
	if n > 1 {
		n = 1
	}
	c := n * (1 / (1 + f.covariance))
	return clamp(c, 0, 1)
}

func (f *SignalFilter) push(measurement float64) {
	f.window[f.wNext] = measurement
	f.wNext = (f.wNext + 1) % filterWindowSize
	if f.wLen < filterWindowSize {
		f.wLen++
	}
}

// adaptProcessNoise re-estimates Q from the raw measurement window. A noisy
// window means the underlying quantity is moving, so the filter should trust
// its model less and follow measurements more readily.
func (f *SignalFilter) adaptProcessNoise() {
	if f.wLen < filterMinAdaptive {
		return
	}
	f.q = clamp(stat.Variance(f.window[:f.wLen], nil)*filterQScale, filterQMin, filterQMax)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
