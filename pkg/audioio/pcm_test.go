package audioio

import (
	"math"
	"testing"
	"time"
)

func TestResampleLengths(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		from, to int
		want     int
	}{
		{"same rate", 5, 24000, 24000, 5},
		{"down 2:1", 960, 48000, 24000, 480},
		{"up 2:3", 320, 16000, 24000, 480},
		{"up 1:2", 480, 24000, 48000, 960},
		{"empty", 0, 24000, 48000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]int16, tt.n)
			for i := range in {
				in[i] = int16(i)
			}
			if got := len(Resample(in, tt.from, tt.to)); got != tt.want {
				t.Errorf("len(Resample) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResampleInterpolates(t *testing.T) {
	out := Resample([]int16{0, 100, 200, 300}, 1, 2)
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestSampleBytesRoundTrip(t *testing.T) {
	data := []byte{0x02, 0x01, 0x04, 0x83, 0xff}
	samples := BytesToSamples(data)
	if len(samples) != 2 {
		t.Fatalf("len = %d, want 2", len(samples))
	}
	if samples[0] != 0x0102 {
		t.Errorf("samples[0] = %#04x, want 0x0102", samples[0])
	}
	if samples[1] != int16(-0x7cfc) {
		t.Errorf("samples[1] = %d, want %d", samples[1], int16(-0x7cfc))
	}
	back := SamplesToBytes(samples)
	for i := range back {
		if back[i] != data[i] {
			t.Errorf("byte %d = %#x, want %#x", i, back[i], data[i])
		}
	}
}

func TestApplyGain(t *testing.T) {
	s := []int16{1000, -1000, 30000, -30000}
	ApplyGain(s, 2)
	want := []int16{2000, -2000, math.MaxInt16, math.MinInt16}
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("s[%d] = %d, want %d", i, s[i], want[i])
		}
	}
	ApplyGain(s, 0)
	for i := range s {
		if s[i] != 0 {
			t.Errorf("muted s[%d] = %d", i, s[i])
		}
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("RMS(nil) != 0")
	}
	full := []int16{math.MaxInt16, -math.MaxInt16}
	if got := RMS(full); math.Abs(got-1) > 1e-9 {
		t.Errorf("RMS(full) = %v, want 1", got)
	}
}

func TestChunkDuration(t *testing.T) {
	c := Chunk{Samples: make([]int16, 640), SampleRate: 16000, Channels: 1}
	if got := c.Duration(); got != 40*time.Millisecond {
		t.Errorf("Duration() = %v, want 40ms", got)
	}
	if (Chunk{}).Duration() != 0 {
		t.Error("empty chunk duration != 0")
	}
}

func TestConfigBuffer(t *testing.T) {
	c := CaptureConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.BufferSize() != 640 || c.BufferBytes() != 1280 {
		t.Errorf("BufferSize = %d, BufferBytes = %d", c.BufferSize(), c.BufferBytes())
	}
	bad := c
	bad.SampleRate = 0
	if bad.Validate() == nil {
		t.Error("Validate() accepted zero rate")
	}
}
