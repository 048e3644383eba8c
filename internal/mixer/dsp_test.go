package mixer

import (
	"math"
	"testing"

	"github.com/friendsincode/grimnir_playout/internal/audio"
)

func TestMatchChannelsTruncateAndPad(t *testing.T) {
	// stereo to mono keeps the first channel
	stereo := []float32{0.1, 0.9, 0.2, 0.8}
	mono := matchChannels(stereo, 2, 2, 1)
	if len(mono) != 2 || mono[0] != 0.1 || mono[1] != 0.2 {
		t.Fatalf("stereo->mono = %v", mono)
	}
	// mono to stereo duplicates
	up := matchChannels([]float32{0.5, -0.5}, 2, 1, 2)
	want := []float32{0.5, 0.5, -0.5, -0.5}
	for i := range want {
		if up[i] != want[i] {
			t.Fatalf("mono->stereo = %v, want %v", up, want)
		}
	}
}

func TestResampleLinearPreservesEndpoints(t *testing.T) {
	in := []float32{0, 1, 2, 3}
	out := resampleLinear(in, 4, 1, 7)
	if len(out) != 7 {
		t.Fatalf("len = %d, want 7", len(out))
	}
	if out[0] != 0 || out[6] != 3 {
		t.Fatalf("endpoints = %v, %v", out[0], out[6])
	}
	for i := 1; i < 7; i++ {
		if out[i] < out[i-1] {
			t.Fatalf("resampled ramp not monotonic at %d: %v", i, out)
		}
	}
}

func TestGainFromDBClamps(t *testing.T) {
	if g := gainFromDB(0); math.Abs(g-1) > 1e-9 {
		t.Fatalf("0 dB = %v, want 1", g)
	}
	low := gainFromDB(-200)
	if want := math.Pow(10, -60.0/20); math.Abs(low-want) > 1e-9 {
		t.Fatalf("clamped low gain = %v, want %v", low, want)
	}
	high := gainFromDB(100)
	if want := math.Pow(10, 18.0/20); math.Abs(high-want) > 1e-9 {
		t.Fatalf("clamped high gain = %v, want %v", high, want)
	}
}

func TestSnapToZeroCrossingStaysInWindow(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("tone", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 48000, Freq: 440,
	})
	handle, err := backend.Open("tone")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer handle.Close()

	target := 12007
	window := 240 // 5 ms at 48 kHz
	snapped := snapToZeroCrossing(handle, target, window)
	if snapped < target-window || snapped > target+window {
		t.Fatalf("snapped %d outside [%d, %d]", snapped, target-window, target+window)
	}
	// the sample at the snapped frame should be near zero
	if err := handle.Seek(snapped); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]float32, 2)
	if _, err := handle.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	// one 440 Hz sample step at 0.8 amplitude moves about 0.046
	if math.Abs(float64(buf[0])) > 0.05 {
		t.Fatalf("sample at snapped frame = %v, not near zero", buf[0])
	}
}
