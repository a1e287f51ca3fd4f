package audio

import "math"

// RMS returns the root-mean-square amplitude of the samples in raw int16
// units (0 for an empty slice). The accumulation is float64 so a full
// 1024-sample frame of ±32768 cannot overflow.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the maximum absolute sample value in raw int16 units.
// int16(-32768) maps to 32768.
func Peak(samples []int16) int {
	peak := 0
	for _, s := range samples {
		a := int(s)
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	return peak
}

// NormLevel converts a raw int16 amplitude to the [0,1] range used by
// quality metrics.
func NormLevel(raw float64) float64 {
	l := raw / 32768.0
	if l > 1 {
		l = 1
	}
	return l
}

// ClampGain limits a microphone gain to the supported [0.5, 2.0] range.
func ClampGain(gain float64) float64 {
	return clampF(gain, 0.5, 2.0)
}

// ClampVolume limits a playback volume to [0, 1].
func ClampVolume(volume float64) float64 {
	return clampF(volume, 0, 1)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyGain scales samples in place by gain with saturating int16 clipping.
// Gain is applied as given; callers clamp via ClampGain at the config
// boundary.
func ApplyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = saturate16(float64(s) * gain)
	}
}

// ApplyVolume scales s16le PCM bytes in place by volume ∈ [0,1] with
// saturating clipping. Odd trailing bytes are left untouched.
func ApplyVolume(pcm []byte, volume float64) {
	if volume == 1.0 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		scaled := saturate16(float64(s) * volume)
		pcm[i] = byte(scaled)
		pcm[i+1] = byte(scaled >> 8)
	}
}

func saturate16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// SamplesToBytes encodes int16 samples as little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToSamples decodes little-endian PCM bytes into int16 samples. An odd
// trailing byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// RMSBytes returns the RMS amplitude of s16le PCM bytes in raw int16 units.
func RMSBytes(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Zero clears samples in place. Used by the coordinator's residual echo
// suppressor to mute a captured frame without changing its length.
func Zero(samples []int16) {
	for i := range samples {
		samples[i] = 0
	}
}
