package trigger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/config"
)

type recordingHandler struct {
	mu      sync.Mutex
	signals []Signal
	gotOne  chan struct{}
	block   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{gotOne: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleMixSignal(sig Signal) {
	if h.block != nil && sig.ItemID == "stuck" {
		<-h.block
	}
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.gotOne <- struct{}{}
}

func (h *recordingHandler) waitN(t *testing.T, n int) []Signal {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.gotOne:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for signal %d of %d", i+1, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal(nil), h.signals...)
}

func sig(device, item string) Signal {
	return Signal{DeviceID: device, ItemID: item, FiredAt: time.Now(), Via: "pos"}
}

func TestThreadExecutorKeepsPerDeviceOrder(t *testing.T) {
	h := newRecordingHandler()
	e := NewThreadExecutor(h, zerolog.Nop())
	defer e.Close()

	for i := 0; i < 5; i++ {
		e.Dispatch(Signal{DeviceID: "dev0", ItemID: string(rune('a' + i)), FiredAt: time.Now(), Via: "pos"})
	}
	got := h.waitN(t, 5)
	for i, s := range got {
		if want := string(rune('a' + i)); s.ItemID != want {
			t.Fatalf("signal %d = %q, want %q (order broken)", i, s.ItemID, want)
		}
	}
}

func TestThreadExecutorIsolatesDevices(t *testing.T) {
	h := newRecordingHandler()
	h.block = make(chan struct{})
	e := NewThreadExecutor(h, zerolog.Nop())
	defer e.Close()

	// dev0's worker parks in the handler; dev1 must still get through
	e.Dispatch(sig("dev0", "stuck"))
	e.Dispatch(sig("dev1", "flows"))

	got := h.waitN(t, 1)
	if got[0].ItemID != "flows" {
		t.Fatalf("first delivered signal = %q, want the unblocked device's", got[0].ItemID)
	}
	close(h.block)
	got = h.waitN(t, 1)
	if len(got) != 2 {
		t.Fatalf("delivered %d signals, want 2", len(got))
	}
	if e.Mode() != config.ExecutorThread {
		t.Fatalf("mode = %v", e.Mode())
	}
}

func TestThreadExecutorKeepsBacklogUnderPressure(t *testing.T) {
	h := newRecordingHandler()
	h.block = make(chan struct{})
	e := NewThreadExecutor(h, zerolog.Nop())
	defer e.Close()

	// park the worker, then pile up far more signals than any fixed
	// channel depth would hold
	e.Dispatch(sig("dev0", "stuck"))
	const backlog = 40
	for i := 0; i < backlog; i++ {
		e.Dispatch(sig("dev0", "queued"))
	}
	close(h.block)

	got := h.waitN(t, backlog+1)
	if len(got) != backlog+1 {
		t.Fatalf("delivered %d signals, want %d (signals were dropped)", len(got), backlog+1)
	}
}

func TestUIExecutorSharesControlQueue(t *testing.T) {
	h := newRecordingHandler()
	q := NewControlQueue(8)
	defer q.Close()
	e := NewUIExecutor(q, h, zerolog.Nop())
	defer e.Close()

	// occupy the queue worker with an unrelated control job first
	release := make(chan struct{})
	q.Do(func() { <-release })
	e.Dispatch(sig("dev0", "item"))

	select {
	case <-h.gotOne:
		t.Fatal("signal ran while the control queue was busy")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	got := h.waitN(t, 1)
	if got[0].ItemID != "item" {
		t.Fatalf("delivered %q", got[0].ItemID)
	}
}

func TestThreadDispatchUnaffectedByBusyControlQueue(t *testing.T) {
	q := NewControlQueue(4)
	defer q.Close()

	// park the queue worker and fill the backlog
	release := make(chan struct{})
	q.Do(func() { <-release })
	for i := 0; i < 4; i++ {
		q.Do(func() {})
	}

	hUI := newRecordingHandler()
	ui := NewUIExecutor(q, hUI, zerolog.Nop())
	hThread := newRecordingHandler()
	th := NewThreadExecutor(hThread, zerolog.Nop())
	defer th.Close()

	go ui.Dispatch(sig("dev0", "via-queue"))
	th.Dispatch(sig("dev0", "via-worker"))

	// the dedicated worker delivers while the control queue is still backed up
	select {
	case <-hThread.gotOne:
	case <-time.After(time.Second):
		t.Fatal("thread dispatch stalled")
	}
	select {
	case <-hUI.gotOne:
		t.Fatal("queued dispatch ran ahead of the parked control queue")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-hUI.gotOne:
	case <-time.After(time.Second):
		t.Fatal("queued dispatch never drained")
	}
}

func TestOffExecutorDropsSignals(t *testing.T) {
	h := newRecordingHandler()
	e := New(config.ExecutorOff, "", nil, h, zerolog.Nop())
	defer e.Close()
	e.Dispatch(sig("dev0", "item"))
	select {
	case <-h.gotOne:
		t.Fatal("off executor delivered a signal")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestNativeFallsBackToThread(t *testing.T) {
	h := newRecordingHandler()
	e := New(config.ExecutorNative, "/nonexistent/libmix.so", nil, h, zerolog.Nop())
	defer e.Close()
	if e.Mode() != config.ExecutorThread {
		t.Fatalf("fallback mode = %v, want thread", e.Mode())
	}
	e.Dispatch(sig("dev0", "item"))
	h.waitN(t, 1)
}

func TestFindPluginPathAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, nativePluginName)
	if err := os.WriteFile(lib, []byte("not a real library"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := findPluginPath(dir)
	if err != nil {
		t.Fatalf("directory override rejected: %v", err)
	}
	if got != lib {
		t.Fatalf("resolved %s, want %s", got, lib)
	}

	got, err = findPluginPath(lib)
	if err != nil {
		t.Fatalf("file override rejected: %v", err)
	}
	if got != lib {
		t.Fatalf("resolved %s, want %s", got, lib)
	}
}

func TestWatcherExplicitGuard(t *testing.T) {
	w := NewWatcher()
	w.Register("item", "dev0", "src", 120.0, false)

	if _, fire := w.Observe("item", 119.0); fire {
		t.Fatal("fired well before the guard window")
	}
	s, fire := w.Observe("item", 119.96)
	if !fire {
		t.Fatal("did not fire inside the guard window")
	}
	if s.Via != "poll" || s.Target != 120.0 {
		t.Fatalf("signal = %+v", s)
	}
	if _, fire := w.Observe("item", 120.5); fire {
		t.Fatal("fired twice")
	}
}

func TestWatcherArmedWaitsForLateGuard(t *testing.T) {
	w := NewWatcher()
	w.Register("item", "dev0", "src", 120.0, true)

	if _, fire := w.Observe("item", 120.1); fire {
		t.Fatal("armed entry fired before the late guard")
	}
	if _, fire := w.Observe("item", 120.4); !fire {
		t.Fatal("armed entry never fired past the late guard")
	}
}

func TestWatcherMarkTriggeredSilences(t *testing.T) {
	w := NewWatcher()
	w.Register("item", "dev0", "src", 120.0, true)
	w.MarkTriggered("item")
	if _, fire := w.Observe("item", 125.0); fire {
		t.Fatal("fired after the native trigger already handled the point")
	}
}
