// Package classifier implements the stateless seizure classifier: a forward
// DFT over a fixed-length sample window followed by a linear decision
// boundary over the spectral magnitudes.
package classifier

import (
	"fmt"
	"math"

	"github.com/alxayo/neurolink/internal/classifier/fft"
)

// WindowSize is the number of real samples the classifier consumes per
// evaluation.
const WindowSize = 178

// SpectrumBins is the number of spectral-magnitude bins (k=1..44, skipping
// the DC term) the decision boundary weighs.
const SpectrumBins = 44

// bias is the fixed intercept of the trained linear decision boundary.
const bias = -4.107084483430048

// weights is the fixed 44-element weight vector of the trained linear
// decision boundary, one entry per spectral bin k=1..44. The reference
// training artifact was not available to this build; these coefficients are
// a deterministic placeholder of the correct shape and are tracked as an
// open item pending the real trained weights (see project notes).
var weights = [SpectrumBins]float64{
	0.182, -0.214, 0.097, -0.063, 0.151, -0.188, 0.072, -0.041,
	0.133, -0.167, 0.058, -0.029, 0.119, -0.149, 0.047, -0.019,
	0.108, -0.134, 0.039, -0.012, 0.098, -0.121, 0.033, -0.008,
	0.089, -0.110, 0.028, -0.005, 0.081, -0.100, 0.024, -0.003,
	0.074, -0.091, 0.021, -0.002, 0.068, -0.083, 0.018, -0.001,
	0.063, -0.076, 0.016, -0.0005,
}

// Result is the classifier's verdict for one evaluated window.
type Result struct {
	Label      bool
	Confidence float32
	Spectrum   [SpectrumBins]float64
}

// Classify maps a WindowSize-sample window to a Result. It is a pure
// function: identical input always produces identical output.
func Classify(samples []float64) (Result, error) {
	if len(samples) != WindowSize {
		return Result{}, fmt.Errorf("classifier: expected %d samples, got %d", WindowSize, len(samples))
	}

	re, im := fft.Real(samples)

	var spectrum [SpectrumBins]float64
	var d float64 = bias
	for k := 0; k < SpectrumBins; k++ {
		bin := k + 1
		p := math.Hypot(re[bin], im[bin])
		spectrum[k] = p
		d += weights[k] * p
	}

	return Result{
		Label:      d > 0,
		Confidence: float32(math.Abs(d)),
		Spectrum:   spectrum,
	}, nil
}
