package mixer

import (
	"time"

	"github.com/friendsincode/grimnir_playout/internal/audio"
)

// Defaults for click masking around starts, stops and loop seams.
const (
	// MicroFadeSeconds masks offset/loop clicks.
	MicroFadeSeconds = 0.004
	// ZeroCrossWindowSeconds is the search radius for a nearby zero crossing
	// when picking the exact frame a fade begins at.
	ZeroCrossWindowSeconds = 0.005
)

// EnvelopeState tracks a source's gain envelope lifecycle.
type EnvelopeState int8

const (
	StateIdle EnvelopeState = iota
	StateFadingIn
	StateSteady
	StateFadingOut
	StateFinished
)

func (s EnvelopeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFadingIn:
		return "fading_in"
	case StateSteady:
		return "steady"
	case StateFadingOut:
		return "fading_out"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// TriggerFunc receives a mix-point signal from the render loop. It runs in
// the render context and must only enqueue: capture the values and hand off.
type TriggerFunc func(firedAt time.Time, positionSeconds float64, via string)

// armedTrigger is a mix-point sync armed on a source. atSeconds is absolute
// track seconds (cue-in included).
type armedTrigger struct {
	atSeconds float64
	fn        TriggerFunc
	fired     bool
}

// source is one active input owned exclusively by a DeviceMixer.
type source struct {
	id     string
	itemID string
	path   string

	handle     audio.Source
	sampleRate int // source file rate
	channels   int // source channel count

	resampleRatio float64   // output rate / source rate
	resampleFrac  float64   // fractional output frame owed from earlier reads
	buf           []float32 // resampled output frames carried into the next block
	readBuf       []float32
	gain          float64

	state EnvelopeState

	fadeInTotal     int
	fadeInRemaining int

	fadeOutTotal     int
	fadeOutRemaining int

	// pendingFadeIn masks the discontinuity after a loop seek; the offset
	// is where in the current block the seam landed.
	pendingFadeIn       int
	pendingFadeInTotal  int
	pendingFadeInOffset int

	paused         bool
	stopRequested  bool
	positionFrames int // absolute source frames
	loopRange      *[2]int

	trigger *armedTrigger

	onProgress func(itemID string, seconds float64)
	onFinished func(itemID string)
	done       chan struct{}
}

// positionSeconds is the absolute track position, start offset included.
func (s *source) positionSeconds() float64 {
	if s.sampleRate <= 0 {
		return 0
	}
	return float64(s.positionFrames) / float64(s.sampleRate)
}
