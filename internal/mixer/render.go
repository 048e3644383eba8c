package mixer

import (
	"errors"
	"io"
)

// renderResult is what one source contributed to a mix block.
type renderResult struct {
	frames   int
	finished bool
	readErr  error
}

// renderSource fills dst (blockFrames*outCh, pre-zeroed region used additively
// by the caller) with up to blockFrames frames from s at the output format,
// applies gain and envelopes, and advances the source position. The caller
// holds the manager lock.
func renderSource(s *source, dst []float32, blockFrames, outCh int) renderResult {
	if s.paused || s.state == StateFinished {
		return renderResult{}
	}

	target := blockFrames
	if s.fadeOutRemaining > 0 && s.fadeOutRemaining < target {
		target = s.fadeOutRemaining
	}

	produced := 0
	for produced < target {
		need := target - produced

		// Resampled frames left over from the previous block go out first.
		if carry := len(s.buf) / outCh; carry > 0 {
			n := carry
			if n > need {
				n = need
			}
			copy(dst[produced*outCh:], s.buf[:n*outCh])
			rest := copy(s.buf, s.buf[n*outCh:])
			s.buf = s.buf[:rest]
			produced += n
			continue
		}

		srcFrames := need
		if s.resampleRatio != 1 {
			srcFrames = int(float64(need)/s.resampleRatio) + 2
		}
		if s.loopRange != nil {
			if left := s.loopRange[1] - s.positionFrames; left > 0 && left < srcFrames {
				srcFrames = left
			}
		}
		if cap(s.readBuf) < srcFrames*s.channels {
			s.readBuf = make([]float32, srcFrames*s.channels)
		}
		n, err := s.handle.Read(s.readBuf[:srcFrames*s.channels])
		if n > 0 {
			s.positionFrames += n
			chunk := matchChannels(s.readBuf, n, s.channels, outCh)
			if s.resampleRatio != 1 {
				// The full read is converted at the true ratio; whatever does
				// not fit in this block is carried so the time base stays
				// exact across blocks. The fractional remainder rolls into
				// the next read instead of being rounded away.
				exact := float64(n)*s.resampleRatio + s.resampleFrac
				out := int(exact)
				if out < 1 {
					out = 1
				}
				s.resampleFrac = exact - float64(out)
				chunk = resampleLinear(chunk, n, outCh, out)
				n = out
			}
			take := n
			if take > need {
				take = need
			}
			copy(dst[produced*outCh:], chunk[:take*outCh])
			produced += take
			if n > take {
				s.buf = append(s.buf[:0], chunk[take*outCh:n*outCh]...)
			}
		}

		if s.loopRange != nil && s.positionFrames >= s.loopRange[1] {
			if seekErr := s.handle.Seek(s.loopRange[0]); seekErr != nil {
				return renderResult{frames: produced, finished: true, readErr: seekErr}
			}
			s.positionFrames = s.loopRange[0]
			micro := s.pendingFadeInTotal
			if micro <= 0 {
				micro = s.fadeInTotal
			}
			s.pendingFadeInTotal = micro
			s.pendingFadeIn = micro
			s.pendingFadeInOffset = produced + len(s.buf)/outCh
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Treat the source as done; the rest of the block stays silent
			// so other sources are unaffected.
			return renderResult{frames: produced, finished: true, readErr: err}
		}
		if n == 0 {
			break
		}
	}

	applyEnvelope(s, dst, produced, outCh)

	if s.gain != 1 {
		g := float32(s.gain)
		for i := 0; i < produced*outCh; i++ {
			dst[i] *= g
		}
	}

	finished := false
	switch {
	case s.fadeOutTotal > 0 && s.fadeOutRemaining == 0:
		finished = true
	case produced < target:
		// End of file. A loop range does not save the source here: a short
		// pass means the file ran out before the loop end was ever reached.
		finished = true
	}
	return renderResult{frames: produced, finished: finished}
}

// applyEnvelope runs the fade state machine over the freshly rendered frames.
func applyEnvelope(s *source, block []float32, frames, ch int) {
	if frames == 0 {
		return
	}
	if s.pendingFadeIn > 0 && s.pendingFadeInTotal > 0 {
		if off := s.pendingFadeInOffset; off >= frames {
			// Seam lands in a later block; count this one off.
			s.pendingFadeInOffset = off - frames
		} else {
			n := frames - off
			if s.pendingFadeIn < n {
				n = s.pendingFadeIn
			}
			done := s.pendingFadeInTotal - s.pendingFadeIn
			for i := 0; i < n; i++ {
				g := float32(done+i) / float32(s.pendingFadeInTotal)
				for c := 0; c < ch; c++ {
					block[(off+i)*ch+c] *= g
				}
			}
			s.pendingFadeIn -= n
			s.pendingFadeInOffset = 0
		}
	}
	if s.fadeInRemaining > 0 && s.fadeInTotal > 0 {
		n := frames
		if s.fadeInRemaining < n {
			n = s.fadeInRemaining
		}
		done := s.fadeInTotal - s.fadeInRemaining
		for i := 0; i < n; i++ {
			g := float32(done+i) / float32(s.fadeInTotal)
			for c := 0; c < ch; c++ {
				block[i*ch+c] *= g
			}
		}
		s.fadeInRemaining -= n
		if s.fadeInRemaining == 0 && s.state == StateFadingIn {
			s.state = StateSteady
		}
	}
	if s.fadeOutRemaining > 0 && s.fadeOutTotal > 0 {
		n := frames
		if s.fadeOutRemaining < n {
			n = s.fadeOutRemaining
		}
		done := s.fadeOutTotal - s.fadeOutRemaining
		for i := 0; i < n; i++ {
			g := 1 - float32(done+i+1)/float32(s.fadeOutTotal)
			if g < 0 {
				g = 0
			}
			for c := 0; c < ch; c++ {
				block[i*ch+c] *= g
			}
		}
		s.fadeOutRemaining -= n
		if n < frames {
			for i := n * ch; i < frames*ch; i++ {
				block[i] = 0
			}
		}
	}
}
