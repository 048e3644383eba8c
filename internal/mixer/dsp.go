package mixer

import (
	"math"

	"github.com/friendsincode/grimnir_playout/internal/audio"
)

// matchChannels maps an interleaved block from srcCh to dstCh channels.
// Extra channels are truncated, missing ones filled by repeating the last.
func matchChannels(data []float32, frames, srcCh, dstCh int) []float32 {
	if srcCh == dstCh || frames == 0 {
		return data[:frames*srcCh]
	}
	out := make([]float32, frames*dstCh)
	for i := 0; i < frames; i++ {
		for c := 0; c < dstCh; c++ {
			sc := c
			if sc >= srcCh {
				sc = srcCh - 1
			}
			out[i*dstCh+c] = data[i*srcCh+sc]
		}
	}
	return out
}

// resampleLinear converts an interleaved block from frames to target frames
// using per-channel linear interpolation. Endpoints are preserved.
func resampleLinear(data []float32, frames, ch, target int) []float32 {
	if frames == 0 || target <= 0 {
		return nil
	}
	if frames == target {
		return data[:frames*ch]
	}
	out := make([]float32, target*ch)
	if frames == 1 || target == 1 {
		for i := 0; i < target; i++ {
			copy(out[i*ch:(i+1)*ch], data[:ch])
		}
		return out
	}
	step := float64(frames-1) / float64(target-1)
	for i := 0; i < target; i++ {
		pos := float64(i) * step
		i0 := int(pos)
		if i0 >= frames-1 {
			i0 = frames - 2
		}
		frac := float32(pos - float64(i0))
		for c := 0; c < ch; c++ {
			a := data[i0*ch+c]
			b := data[(i0+1)*ch+c]
			out[i*ch+c] = a + (b-a)*frac
		}
	}
	return out
}

// snapToZeroCrossing searches +-windowFrames around targetFrame for the
// nearest zero crossing on the first channel and returns the snapped frame.
// On any read problem the original target is returned unchanged.
func snapToZeroCrossing(handle audio.Source, targetFrame, windowFrames int) int {
	if targetFrame < 0 {
		targetFrame = 0
	}
	if windowFrames <= 0 || targetFrame == 0 {
		return targetFrame
	}
	start := targetFrame - windowFrames
	if start < 0 {
		start = 0
	}
	if err := handle.Seek(start); err != nil {
		return targetFrame
	}
	ch := handle.Channels()
	if ch <= 0 {
		return targetFrame
	}
	want := targetFrame + windowFrames - start
	buf := make([]float32, want*ch)
	total := 0
	for total < want {
		n, err := handle.Read(buf[total*ch:])
		total += n
		if err != nil || n == 0 {
			break
		}
	}
	if total < 2 {
		return targetFrame
	}
	desired := targetFrame - start
	best := -1
	bestDist := 0
	for i := 1; i < total; i++ {
		a := buf[(i-1)*ch]
		b := buf[i*ch]
		if a == 0 || a*b <= 0 {
			d := i - desired
			if d < 0 {
				d = -d
			}
			if best < 0 || d < bestDist {
				best = i
				bestDist = d
			}
		}
	}
	if best < 0 {
		return targetFrame
	}
	return start + best
}

// gainFromDB converts decibels to a linear factor, clamped to [-60, +18] dB.
func gainFromDB(db float64) float64 {
	if db < -60 {
		db = -60
	}
	if db > 18 {
		db = 18
	}
	return math.Pow(10, db/20)
}
