// Package fft computes the forward, unscaled real-to-complex discrete
// Fourier transform the classifier needs. No library in the surrounding
// dependency set exposes this exact contract — a fixed-length, no-1/N-scaling
// real DFT whose coefficients must reproduce a fixed reference bit-for-bit —
// so this is a direct O(n^2) implementation rather than an FFT proper; at
// n=178, invoked once per 44 samples, the performance gap to a radix
// algorithm is immaterial.
package fft

import "math"

// Real computes the forward discrete Fourier transform of samples (no 1/N
// scaling), returning the real and imaginary parts, each of length
// len(samples).
func Real(samples []float64) (re, im []float64) {
	n := len(samples)
	re = make([]float64, n)
	im = make([]float64, n)
	if n == 0 {
		return re, im
	}
	angleStep := -2 * math.Pi / float64(n)
	for k := 0; k < n; k++ {
		var sumRe, sumIm float64
		for t := 0; t < n; t++ {
			angle := angleStep * float64(k) * float64(t)
			s, c := math.Sincos(angle)
			sumRe += samples[t] * c
			sumIm += samples[t] * s
		}
		re[k] = sumRe
		im[k] = sumIm
	}
	return re, im
}
