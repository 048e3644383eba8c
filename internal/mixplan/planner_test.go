package mixplan

import "testing"

func f(v float64) *float64 { return &v }

func TestResolve_SegueWinsOverOverlapAndFade(t *testing.T) {
	plan := Resolve(TrackTiming{
		DurationSeconds: 200,
		SegueSeconds:    f(190),
		OverlapSeconds:  f(12),
		FadeSeconds:     4,
	})
	if !plan.HasMix {
		t.Fatalf("expected mix, got %+v", plan)
	}
	if plan.TriggerSeconds != 190 {
		t.Fatalf("expected trigger at segue 190, got %f", plan.TriggerSeconds)
	}
	if plan.AirDurationSeconds != 190 {
		t.Fatalf("air duration should end at the mix point, got %f", plan.AirDurationSeconds)
	}
}

func TestResolve_OverlapRelativeToEffectiveDuration(t *testing.T) {
	plan := Resolve(TrackTiming{
		DurationSeconds: 180,
		CueInSeconds:    5,
		OverlapSeconds:  f(10),
	})
	if plan.EffectiveDurationSeconds != 175 {
		t.Fatalf("effective duration: want 175, got %f", plan.EffectiveDurationSeconds)
	}
	if plan.TriggerSeconds != 165 {
		t.Fatalf("trigger: want 165, got %f", plan.TriggerSeconds)
	}
	if !plan.HasMix {
		t.Fatalf("expected mix")
	}
	if plan.FadeSeconds != 10 {
		t.Fatalf("overlap should drive the fade window, got %f", plan.FadeSeconds)
	}
}

func TestResolve_GlobalFadeFallback(t *testing.T) {
	plan := Resolve(TrackTiming{DurationSeconds: 60, FadeSeconds: 4})
	if !plan.HasMix || plan.TriggerSeconds != 56 {
		t.Fatalf("expected trigger 56, got %+v", plan)
	}
}

func TestResolve_NoMixAtNaturalEnd(t *testing.T) {
	plan := Resolve(TrackTiming{DurationSeconds: 60, CueInSeconds: 2})
	if plan.HasMix {
		t.Fatalf("expected no mix, got %+v", plan)
	}
	if plan.TriggerSeconds != 58 || plan.AirDurationSeconds != 58 {
		t.Fatalf("no-mix trigger and air duration should equal effective duration, got %+v", plan)
	}
}

func TestResolve_BreakAndLoopForceNaturalEnd(t *testing.T) {
	cases := []TrackTiming{
		{DurationSeconds: 60, LoopActive: true, OverlapSeconds: f(5)},
		{DurationSeconds: 60, BreakAfter: true, SegueSeconds: f(10), FadeSeconds: 3},
	}
	for i, timing := range cases {
		plan := Resolve(timing)
		if plan.HasMix {
			t.Fatalf("case %d: expected no mix, got %+v", i, plan)
		}
		if plan.AirDurationSeconds != plan.EffectiveDurationSeconds {
			t.Fatalf("case %d: air duration must equal effective duration, got %+v", i, plan)
		}
		if plan.AirDurationSeconds != 60 {
			t.Fatalf("case %d: want 60s on air, got %f", i, plan.AirDurationSeconds)
		}
	}
}

func TestResolve_TriggerClampedBeforeEffectiveEnd(t *testing.T) {
	plan := Resolve(TrackTiming{DurationSeconds: 100, SegueSeconds: f(500)})
	if plan.TriggerSeconds >= plan.EffectiveDurationSeconds {
		t.Fatalf("trigger must land before effective end, got %+v", plan)
	}
}

func TestResolve_FadeClampedToRemaining(t *testing.T) {
	plan := Resolve(TrackTiming{DurationSeconds: 100, SegueSeconds: f(98), FadeSeconds: 10})
	if plan.FadeSeconds > plan.EffectiveDurationSeconds-plan.TriggerSeconds {
		t.Fatalf("fade %f exceeds audio remaining after trigger %f", plan.FadeSeconds, plan.TriggerSeconds)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	timing := TrackTiming{
		DurationSeconds: 245.5,
		CueInSeconds:    1.25,
		OverlapSeconds:  f(7.5),
		FadeSeconds:     3,
	}
	first := Resolve(timing)
	second := Resolve(timing)
	if first != second {
		t.Fatalf("plans differ for identical input: %+v vs %+v", first, second)
	}
}
