// Package mixplan computes when the next track must start relative to the
// current one. It is free of I/O and goroutines so mix timing can be unit
// tested in isolation and safely recomputed when metadata changes.
package mixplan

import "math"

// Guard windows shared by the planner and the progress-based fallback trigger.
// All values are seconds.
const (
	// NativeEarlyGuard is how early a native trigger may fire before the
	// fallback rejects it and reschedules onto progress polling.
	NativeEarlyGuard = 0.25
	// NativeLateGuard is how long past the planned point the fallback waits
	// for a native trigger before firing itself.
	NativeLateGuard = 0.35
	// ExplicitProgressGuard is the remaining-time threshold at which the
	// progress fallback fires when no native trigger is armed.
	ExplicitProgressGuard = 0.05

	// endGap keeps a trigger strictly before the effective end of audio.
	endGap = 0.01
)

// TrackTiming is the immutable per-track input. At most one of Segue, Overlap
// or the global Fade is meaningful; Resolve evaluates them in strict priority
// order. Nil pointer fields mean "not set", which is a valid, handled case.
type TrackTiming struct {
	DurationSeconds float64
	CueInSeconds    float64

	// SegueSeconds is an absolute offset from cue-in at which the next track
	// starts, independent of duration.
	SegueSeconds *float64
	// SegueFadeSeconds optionally overrides the fade length for a segue.
	SegueFadeSeconds *float64
	// OverlapSeconds is a trailing window before effective end during which
	// the next track starts while this one continues.
	OverlapSeconds *float64
	// FadeSeconds is the station-wide default trailing fade, used when no
	// per-track segue or overlap is set.
	FadeSeconds float64

	BreakAfter bool
	LoopActive bool
}

// MixPlan is derived once per now-playing track. Offsets are relative to
// cue-in; callers arming backend triggers add the cue back.
type MixPlan struct {
	EffectiveDurationSeconds float64
	TriggerSeconds           float64
	AirDurationSeconds       float64
	FadeSeconds              float64
	HasMix                   bool
}

// Resolve computes the mix plan for a track. It is deterministic and
// side-effect free: identical input yields an identical plan.
//
// Priority: segue, then overlap, then the global fade. A track flagged
// break-after or loop-active never auto-mixes regardless of those fields.
func Resolve(t TrackTiming) MixPlan {
	cue := math.Max(0, t.CueInSeconds)
	effective := math.Max(0, t.DurationSeconds-cue)
	fade := math.Max(0, t.FadeSeconds)

	plan := MixPlan{
		EffectiveDurationSeconds: effective,
		TriggerSeconds:           effective,
		AirDurationSeconds:       effective,
		FadeSeconds:              fade,
	}

	if t.BreakAfter || t.LoopActive {
		return plan
	}

	var trigger float64
	switch {
	case t.SegueSeconds != nil:
		trigger = math.Max(0, *t.SegueSeconds)
		if t.SegueFadeSeconds != nil {
			fade = math.Max(0, *t.SegueFadeSeconds)
		}
	case t.OverlapSeconds != nil:
		overlap := math.Max(0, *t.OverlapSeconds)
		trigger = math.Max(0, effective-overlap)
		fade = overlap
	case fade > 0:
		trigger = math.Max(0, effective-fade)
	default:
		return plan
	}

	// A trigger at or past the effective end would start the next track
	// after this one has already run out of audio.
	if cap := math.Max(0, effective-endGap); trigger > cap {
		trigger = cap
	}
	fade = math.Min(fade, math.Max(0, effective-trigger))

	plan.TriggerSeconds = trigger
	plan.AirDurationSeconds = trigger
	plan.FadeSeconds = fade
	plan.HasMix = true
	return plan
}
