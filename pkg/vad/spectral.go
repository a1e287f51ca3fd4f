package vad

import "math"

// Spectral features for the enhanced detector's second layer. Full FFTs are
// overkill at frame sizes of 128–1024 samples, so band energies come from a
// handful of Goertzel bins: a 300–1000 Hz trio for the low-band ratio and a
// coarse bank across the spectrum for the rolloff estimate.

// lowBandFreqs are the probe frequencies covering the 300–1000 Hz band
// where voiced speech concentrates its energy.
var lowBandFreqs = [...]float64{400, 600, 800}

// rolloffBandStep spaces the rolloff bank bins; the bank spans from one
// step up to the Nyquist frequency.
const rolloffBandStep = 500.0

// goertzelPower returns the squared amplitude of the frequency component
// nearest freq. A pure sine of amplitude A at exactly freq yields ~A².
func goertzelPower(samples []int16, sampleRate int, freq float64) float64 {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0
	}
	k := math.Round(float64(n) * freq / float64(sampleRate))
	w := 2 * math.Pi * k / float64(n)
	coeff := 2 * math.Cos(w)

	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	mag2 := s1*s1 + s2*s2 - coeff*s1*s2
	return mag2 * 4 / (float64(n) * float64(n))
}

// zeroCrossings counts sign changes between consecutive samples, including
// the boundary between prev (the last sample of the preceding frame) and
// the first sample of this one.
func zeroCrossings(samples []int16, prev int16) int {
	count := 0
	last := prev
	for _, s := range samples {
		if (last >= 0 && s < 0) || (last < 0 && s >= 0) {
			count++
		}
		last = s
	}
	return count
}

// lowBandRatio estimates the share of frame energy in the 300–1000 Hz band.
// Each Goertzel bin contributes A²·N/2 of in-band energy; the result is
// clamped to [0,1] since bin leakage can overshoot on narrowband input.
func lowBandRatio(samples []int16, sampleRate int) float64 {
	var total float64
	for _, s := range samples {
		f := float64(s)
		total += f * f
	}
	if total == 0 {
		return 0
	}

	var band float64
	for _, freq := range lowBandFreqs {
		band += goertzelPower(samples, sampleRate, freq) * float64(len(samples)) / 2
	}

	ratio := band / total
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// spectralRolloff returns the frequency in Hz below which fraction of the
// bank's energy lies. Returns 0 for an all-zero frame.
func spectralRolloff(samples []int16, sampleRate int, fraction float64) float64 {
	nyquist := float64(sampleRate) / 2

	var powers []float64
	var total float64
	for freq := rolloffBandStep; freq < nyquist; freq += rolloffBandStep {
		p := goertzelPower(samples, sampleRate, freq)
		powers = append(powers, p)
		total += p
	}
	if total == 0 {
		return 0
	}

	target := fraction * total
	var cum float64
	for i, p := range powers {
		cum += p
		if cum >= target {
			return rolloffBandStep * float64(i+1)
		}
	}
	return nyquist
}
