package vad

import (
	"math"
	"testing"
)

func sineFrame(freq, amp float64, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return s
}

func TestGoertzelPower_PureTone(t *testing.T) {
	t.Parallel()

	// A sine at exactly a probed frequency yields ~A² at that bin and next
	// to nothing elsewhere.
	frame := sineFrame(1000, 10000, 512)

	at := goertzelPower(frame, 16000, 1000)
	if math.Abs(at-1e8) > 0.05e8 {
		t.Errorf("power at tone frequency = %v, want ~1e8", at)
	}
	away := goertzelPower(frame, 16000, 4000)
	if away > at/100 {
		t.Errorf("power far from tone = %v, want well below %v", away, at)
	}
}

func TestZeroCrossings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		prev    int16
		want    int
	}{
		{"silence", []int16{0, 0, 0, 0}, 0, 0},
		{"alternating", []int16{100, -100, 100, -100}, 0, 3},
		{"boundary crossing", []int16{100, 100}, -100, 1},
		{"no boundary crossing", []int16{100, 100}, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := zeroCrossings(tt.samples, tt.prev); got != tt.want {
				t.Errorf("zeroCrossings = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLowBandRatio(t *testing.T) {
	t.Parallel()

	if got := lowBandRatio(sineFrame(600, 8000, 512), 16000); got < 0.7 {
		t.Errorf("low-band ratio of 600 Hz tone = %v, want near 1", got)
	}
	if got := lowBandRatio(sineFrame(3000, 8000, 512), 16000); got > 0.2 {
		t.Errorf("low-band ratio of 3 kHz tone = %v, want near 0", got)
	}
	if got := lowBandRatio(make([]int16, 512), 16000); got != 0 {
		t.Errorf("low-band ratio of silence = %v, want 0", got)
	}
}

func TestSpectralRolloff_Monotonic(t *testing.T) {
	t.Parallel()

	low := spectralRolloff(sineFrame(500, 8000, 512), 16000, 0.85)
	high := spectralRolloff(sineFrame(6000, 8000, 512), 16000, 0.85)

	if low >= high {
		t.Errorf("rolloff of low tone (%v Hz) not below rolloff of high tone (%v Hz)", low, high)
	}
	if low > 1000 {
		t.Errorf("rolloff of 500 Hz tone = %v Hz, want at most 1000", low)
	}
	if high < 5500 {
		t.Errorf("rolloff of 6 kHz tone = %v Hz, want at least 5500", high)
	}
}

func TestSpectralRolloff_Silence(t *testing.T) {
	t.Parallel()

	if got := spectralRolloff(make([]int16, 512), 16000, 0.85); got != 0 {
		t.Errorf("rolloff of silence = %v, want 0", got)
	}
}
