// internal/dsp/autotone.go
package dsp

import "math"

// AutoToneMinHz and AutoToneMaxHz bound the search band for the
// auto-tone retune FFT scan (spec: [300, 1200] Hz).
const (
	AutoToneMinHz = 300.0
	AutoToneMaxHz = 1200.0
)

// DetectTone runs a real-valued DFT over samples (nominally a 40ms
// window) and returns the frequency, within [AutoToneMinHz,
// AutoToneMaxHz], whose bin has maximum magnitude. Returns 0 if
// samples is too short to resolve any bin in that band.
func DetectTone(samples []float32, sampleRate float64) float64 {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0
	}

	windowed := make([]float64, n)
	for i, s := range samples {
		// Hann window to reduce spectral leakage at the tone edges.
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		windowed[i] = float64(s) * w
	}

	binHz := sampleRate / float64(n)
	loBin := int(math.Ceil(AutoToneMinHz / binHz))
	hiBin := int(math.Floor(AutoToneMaxHz / binHz))
	if loBin < 1 {
		loBin = 1
	}
	maxBin := n / 2
	if hiBin > maxBin {
		hiBin = maxBin
	}
	if loBin > hiBin {
		return 0
	}

	bestBin := -1
	bestMag := -1.0
	for k := loBin; k <= hiBin; k++ {
		mag := goertzelBinMagnitude(windowed, k, n)
		if mag > bestMag {
			bestMag = mag
			bestBin = k
		}
	}
	if bestBin < 0 {
		return 0
	}
	return float64(bestBin) * binHz
}

// goertzelBinMagnitude computes the magnitude of DFT bin k (0..n-1)
// using the Goertzel recurrence, avoiding a full FFT implementation
// for what is a narrow, occasional scan (every T_retune ms).
func goertzelBinMagnitude(samples []float64, k, n int) float64 {
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	real := s1 - s2*math.Cos(omega)
	imag := s2 * math.Sin(omega)
	return math.Hypot(real, imag)
}
