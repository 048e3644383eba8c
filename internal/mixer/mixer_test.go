package mixer

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/events"
)

func newTestMixer(t *testing.T, backend audio.Backend, bus *events.Bus) *DeviceMixer {
	t.Helper()
	dm := NewDeviceMixer(backend, audio.Device{ID: "dev0", Name: "test"}, bus, zerolog.Nop(), Options{})
	t.Cleanup(dm.Close)
	return dm
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestStartSourceRunsToCompletion(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("track.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 12000, Freq: 440,
	})
	dm := newTestMixer(t, backend, nil)

	finished := make(chan string, 1)
	_, done, err := dm.StartSource(StartParams{
		ItemID: "item-1",
		Path:   "track.wav",
		OnFinished: func(itemID string) {
			finished <- itemID
		},
	})
	if err != nil {
		t.Fatalf("StartSource: %v", err)
	}
	waitClosed(t, done, "source completion")
	select {
	case id := <-finished:
		if id != "item-1" {
			t.Fatalf("finished item = %q, want item-1", id)
		}
	default:
		t.Fatal("OnFinished not called before done closed")
	}
	if _, ok := dm.Position("item-1"); ok {
		t.Fatal("finished item still addressable")
	}
}

func TestStartSourceReplacesSameItem(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("track.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 480000, Freq: 440,
	})
	dm := newTestMixer(t, backend, nil)

	_, firstDone, err := dm.StartSource(StartParams{ItemID: "item-1", Path: "track.wav"})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, _, err = dm.StartSource(StartParams{ItemID: "item-1", Path: "track.wav"})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	waitClosed(t, firstDone, "replaced source disposal")
	if got := backend.OpenCount("track.wav"); got != 2 {
		t.Fatalf("open count = %d, want 2", got)
	}
	if err := dm.StopItem("item-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestArmedTriggerFiresNearPlannedPosition(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Pace = 0.1
	backend.Register("track.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 48000, Freq: 440,
	})
	dm := newTestMixer(t, backend, nil)

	type firing struct {
		pos float64
		via string
	}
	fireCh := make(chan firing, 1)

	_, done, err := dm.StartSource(StartParams{ItemID: "item-1", Path: "track.wav"})
	if err != nil {
		t.Fatalf("StartSource: %v", err)
	}
	err = dm.ArmMixTrigger("item-1", 0.4, func(firedAt time.Time, pos float64, via string) {
		select {
		case fireCh <- firing{pos: pos, via: via}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("ArmMixTrigger: %v", err)
	}

	waitClosed(t, done, "source completion")
	select {
	case f := <-fireCh:
		if f.via != "pos" {
			t.Fatalf("trigger via = %q, want pos", f.via)
		}
		// fire latency is bounded by one render block (20 ms), allow two
		if f.pos < 0.4 || f.pos > 0.44 {
			t.Fatalf("trigger fired at %v, want within [0.4, 0.44]", f.pos)
		}
	default:
		t.Fatal("armed trigger never fired")
	}
}

func TestTriggerFallsBackToEndOfSource(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Pace = 0.1
	backend.Register("short.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 9600, Freq: 440,
	})
	dm := newTestMixer(t, backend, nil)

	viaCh := make(chan string, 1)
	_, done, err := dm.StartSource(StartParams{ItemID: "item-1", Path: "short.wav"})
	if err != nil {
		t.Fatalf("StartSource: %v", err)
	}
	// armed past the end of the file
	err = dm.ArmMixTrigger("item-1", 5.0, func(_ time.Time, _ float64, via string) {
		select {
		case viaCh <- via:
		default:
		}
	})
	if err != nil {
		t.Fatalf("ArmMixTrigger: %v", err)
	}

	waitClosed(t, done, "source completion")
	select {
	case via := <-viaCh:
		if via != "end" {
			t.Fatalf("trigger via = %q, want end", via)
		}
	default:
		t.Fatal("trigger did not fall back to end-of-source")
	}
}

func TestApplyTransitionFadesOutgoing(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Pace = 0.1
	backend.Register("a.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 480000, Freq: 440,
	})
	backend.Register("b.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 480000, Freq: 880,
	})
	dm := newTestMixer(t, backend, nil)

	_, aDone, err := dm.StartSource(StartParams{ItemID: "a", Path: "a.wav"})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	_, _, err = dm.ApplyTransition(StartParams{ItemID: "b", Path: "b.wav"}, "a", 0.05)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	waitClosed(t, aDone, "outgoing fade-out")
	if _, ok := dm.Position("b"); !ok {
		t.Fatal("incoming item not active after transition")
	}
	if err := dm.StopItem("b"); err != nil {
		t.Fatalf("stop b: %v", err)
	}
}

// failingSource produces frames then fails, standing in for a decoder that
// dies mid-track.
type failingSource struct {
	rate, ch, after int
	pos             int
}

func (f *failingSource) SampleRate() int { return f.rate }
func (f *failingSource) Channels() int   { return f.ch }
func (f *failingSource) Len() int        { return -1 }
func (f *failingSource) Seek(frame int) error {
	f.pos = frame
	return nil
}
func (f *failingSource) Read(dst []float32) (int, error) {
	if f.pos >= f.after {
		return 0, errors.New("decode failure")
	}
	frames := len(dst) / f.ch
	if left := f.after - f.pos; frames > left {
		frames = left
	}
	for i := 0; i < frames*f.ch; i++ {
		dst[i] = 0.1
	}
	f.pos += frames
	return frames, nil
}
func (f *failingSource) Close() error { return nil }

func TestFailingSourceDoesNotDisturbOthers(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("good.wav", audio.SyntheticSpec{
		SampleRate: 48000, Channels: 2, Frames: 24000, Freq: 440,
	})
	dm := newTestMixer(t, backend, nil)

	var lastGood float64
	goodProgress := func(_ string, seconds float64) { lastGood = seconds }

	_, goodDone, err := dm.StartSource(StartParams{
		ItemID: "good", Path: "good.wav", OnProgress: goodProgress,
	})
	if err != nil {
		t.Fatalf("start good: %v", err)
	}
	_, badDone, err := dm.StartSource(StartParams{
		ItemID: "bad",
		Path:   "bad.wav",
		Handle: &failingSource{rate: 48000, ch: 2, after: 4800},
	})
	if err != nil {
		t.Fatalf("start bad: %v", err)
	}

	waitClosed(t, badDone, "failing source removal")
	waitClosed(t, goodDone, "good source completion")
	if lastGood < 0.45 {
		t.Fatalf("good source stopped early at %v s, want full 0.5 s", lastGood)
	}
}

func TestDegradedDeviceAdoptsSourceRate(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.FailDevice = true
	backend.Register("track.wav", audio.SyntheticSpec{
		SampleRate: 44100, Channels: 2, Frames: 4410, Freq: 440,
	})
	bus := events.NewBus()
	degraded := bus.Subscribe(events.EventMixDegraded)

	dm := newTestMixer(t, backend, bus)
	select {
	case payload := <-degraded:
		if payload["reason"] != "device_format_unavailable" {
			t.Fatalf("degraded reason = %v", payload["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("no degraded event for failed device query")
	}

	_, done, err := dm.StartSource(StartParams{ItemID: "item-1", Path: "track.wav"})
	if err != nil {
		t.Fatalf("StartSource: %v", err)
	}
	if got := dm.SampleRate(); got != 44100 {
		t.Fatalf("adopted rate = %d, want 44100", got)
	}
	waitClosed(t, done, "source completion")
}
