/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package trigger

import (
	"sync"
	"time"

	"github.com/friendsincode/grimnir_playout/internal/mixplan"
)

// watchEntry is a planned mix point observed through progress reports.
type watchEntry struct {
	deviceID string
	sourceID string
	target   float64
	// armed marks entries whose native trigger is expected to fire; the
	// watcher then only acts past the late guard.
	armed bool
	fired bool
}

// Watcher is the progress-polling trigger path. In off mode it is the only
// trigger source; with native triggers armed it is the safety net that fires
// when the trigger is overdue by the late guard.
type Watcher struct {
	mu      sync.Mutex
	entries map[string]*watchEntry // item id -> entry
}

func NewWatcher() *Watcher {
	return &Watcher{entries: make(map[string]*watchEntry)}
}

// Register tracks a planned mix point for an item. armed says a native
// trigger is also watching this point.
func (w *Watcher) Register(itemID, deviceID, sourceID string, targetSeconds float64, armed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[itemID] = &watchEntry{
		deviceID: deviceID,
		sourceID: sourceID,
		target:   targetSeconds,
		armed:    armed,
	}
}

// MarkTriggered records that the item's mix point was handled elsewhere
// (usually by the native trigger), so the watcher stays quiet.
func (w *Watcher) MarkTriggered(itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[itemID]; ok {
		e.fired = true
	}
}

// Clear drops the item's entry.
func (w *Watcher) Clear(itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, itemID)
}

// Observe evaluates a progress report and returns a signal when the mix
// point is due. Unarmed entries fire once the remaining time drops under the
// explicit progress guard; armed entries only when the native trigger is
// overdue by the late guard.
func (w *Watcher) Observe(itemID string, position float64) (Signal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[itemID]
	if !ok || e.fired {
		return Signal{}, false
	}

	due := false
	if e.armed {
		due = position >= e.target+mixplan.NativeLateGuard
	} else {
		due = position >= e.target-mixplan.ExplicitProgressGuard
	}
	if !due {
		return Signal{}, false
	}
	e.fired = true
	return Signal{
		DeviceID: e.deviceID,
		ItemID:   itemID,
		SourceID: e.sourceID,
		FiredAt:  time.Now(),
		Position: position,
		Target:   e.target,
		Via:      "poll",
	}, true
}
