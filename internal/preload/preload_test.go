package preload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/config"
	"github.com/friendsincode/grimnir_playout/internal/events"
)

func testConfig() config.PreloadConfig {
	return config.PreloadConfig{
		Enabled:           true,
		WarmupBudgetBytes: 32 << 20,
		RefetchSeconds:    60,
		LeadSeconds:       5,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNativePreloadConsumesHandle(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("next.wav", audio.SyntheticSpec{Frames: 4800})
	m := NewManager(backend, nil, zerolog.Nop(), testConfig())
	defer m.Close()

	m.Schedule("item-2", "next.wav", 0)
	waitFor(t, func() bool { return backend.OpenCount("next.wav") == 1 }, "preload open")

	var handle audio.Source
	waitFor(t, func() bool {
		handle = m.Consume("item-2")
		return handle != nil
	}, "candidate ready")
	defer handle.Close()

	if handle.SampleRate() != 48000 {
		t.Fatalf("handle rate = %d, want 48000", handle.SampleRate())
	}
	if again := m.Consume("item-2"); again != nil {
		t.Fatal("candidate consumable twice")
	}
}

func TestRescheduleInvalidatesOldCandidate(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("a.wav", audio.SyntheticSpec{Frames: 4800})
	backend.Register("b.wav", audio.SyntheticSpec{Frames: 4800})
	bus := events.NewBus()
	discarded := bus.Subscribe(events.EventPreloadDiscarded)
	m := NewManager(backend, bus, zerolog.Nop(), testConfig())
	defer m.Close()

	m.Schedule("item-a", "a.wav", 0)
	waitFor(t, func() bool { return backend.OpenCount("a.wav") == 1 }, "first preload")
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.current != nil && m.current.ready
	}, "first candidate ready")

	m.Schedule("item-b", "b.wav", 0)
	select {
	case payload := <-discarded:
		if payload["item_id"] != "item-a" {
			t.Fatalf("discarded item = %v, want item-a", payload["item_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no discard event for replaced candidate")
	}

	if h := m.Consume("item-a"); h != nil {
		h.Close()
		t.Fatal("stale candidate still consumable")
	}
	waitFor(t, func() bool { return m.Consume("item-b") != nil }, "second candidate")
}

func TestConsumeWrongItemLeavesCandidate(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("next.wav", audio.SyntheticSpec{Frames: 4800})
	m := NewManager(backend, nil, zerolog.Nop(), testConfig())
	defer m.Close()

	m.Schedule("item-2", "next.wav", 0)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.current != nil && m.current.ready
	}, "candidate ready")

	if h := m.Consume("other-item"); h != nil {
		h.Close()
		t.Fatal("mismatched consume returned a handle")
	}
	if h := m.Consume("item-2"); h == nil {
		t.Fatal("matching consume failed after mismatched attempt")
	} else {
		h.Close()
	}
}

func TestWarmupThrottlesRepeatReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.wav")
	if err := os.WriteFile(path, make([]byte, 2<<20), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	backend := audio.NewMockBackend(48000, 2)
	backend.Caps.NativePreload = false
	m := NewManager(backend, nil, zerolog.Nop(), testConfig())
	defer m.Close()

	warmed, err := m.warmFile(path)
	if err != nil {
		t.Fatalf("first warm: %v", err)
	}
	if warmed != 2<<20 {
		t.Fatalf("warmed %d bytes, want the whole 2 MiB file", warmed)
	}
	first, ok := m.lastWarm[path]
	if !ok {
		t.Fatal("warm timestamp not recorded")
	}
	warmed, err = m.warmFile(path)
	if err != nil {
		t.Fatalf("second warm: %v", err)
	}
	if warmed != 0 {
		t.Fatalf("second warm read %d bytes inside the refetch interval", warmed)
	}
	if got := m.lastWarm[path]; !got.Equal(first) {
		t.Fatal("second warm refreshed the throttle timestamp")
	}
}

func TestWarmupStopsAtBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.wav")
	if err := os.WriteFile(path, make([]byte, 3<<20), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	backend := audio.NewMockBackend(48000, 2)
	backend.Caps.NativePreload = false
	cfg := testConfig()
	cfg.WarmupBudgetBytes = 1 << 20
	m := NewManager(backend, nil, zerolog.Nop(), cfg)
	defer m.Close()

	warmed, err := m.warmFile(path)
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if warmed != 1<<20 {
		t.Fatalf("warmed %d bytes, want exactly the 1 MiB budget", warmed)
	}
}

func TestDisabledManagerNeverOpens(t *testing.T) {
	backend := audio.NewMockBackend(48000, 2)
	backend.Register("next.wav", audio.SyntheticSpec{Frames: 4800})
	cfg := testConfig()
	cfg.Enabled = false
	m := NewManager(backend, nil, zerolog.Nop(), cfg)
	defer m.Close()

	m.Schedule("item-2", "next.wav", 0)
	time.Sleep(50 * time.Millisecond)
	if got := backend.OpenCount("next.wav"); got != 0 {
		t.Fatalf("disabled preload opened the file %d times", got)
	}
	if h := m.Consume("item-2"); h != nil {
		t.Fatal("disabled preload produced a handle")
	}
}
