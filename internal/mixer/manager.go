package mixer

import (
	"fmt"
	"sync"
)

// sourceManager owns all active sources for one device. Every mutation and
// the render pass go through mu, which is what makes transitions atomic:
// a crossfade inserts the incoming source and starts the outgoing fade under
// one lock hold, so no render block sees a half-applied state.
type sourceManager struct {
	mu      sync.Mutex
	sources map[string]*source // source id -> source
	byItem  map[string]string  // item id -> source id
}

func newSourceManager() *sourceManager {
	return &sourceManager{
		sources: make(map[string]*source),
		byItem:  make(map[string]string),
	}
}

func (m *sourceManager) insertLocked(s *source) *source {
	var replaced *source
	if old, ok := m.byItem[s.itemID]; ok {
		replaced = m.sources[old]
		delete(m.sources, old)
	}
	m.sources[s.id] = s
	m.byItem[s.itemID] = s.id
	s.state = StateFadingIn
	if s.fadeInTotal <= 0 {
		s.state = StateSteady
	}
	return replaced
}

func (m *sourceManager) insert(s *source) *source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(s)
}

func (m *sourceManager) byItemID(itemID string) (*source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byItem[itemID]
	if !ok {
		return nil, false
	}
	s, ok := m.sources[id]
	return s, ok
}

// pop removes a source and returns it for finalization outside the lock.
func (m *sourceManager) pop(sourceID string) (*source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return nil, false
	}
	delete(m.sources, sourceID)
	if m.byItem[s.itemID] == sourceID {
		delete(m.byItem, s.itemID)
	}
	return s, true
}

func (m *sourceManager) empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources) == 0
}

func (m *sourceManager) fadeOut(itemID string, frames int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupLocked(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	startFadeOutLocked(s, frames)
	return nil
}

// applyTransition starts the incoming source and fades the outgoing one in a
// single lock hold. The incoming source must be fully prepared (opened and
// seeked) before the call.
func (m *sourceManager) applyTransition(incoming *source, fadeItemID string, fadeFrames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if incoming != nil {
		m.insertLocked(incoming)
	}
	if fadeItemID == "" {
		return
	}
	if s, ok := m.lookupLocked(fadeItemID); ok {
		startFadeOutLocked(s, fadeFrames)
	}
}

func (m *sourceManager) setGain(itemID string, gain float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupLocked(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	s.gain = gain
	return nil
}

func (m *sourceManager) setPaused(itemID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupLocked(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	s.paused = paused
	return nil
}

func (m *sourceManager) setLoop(itemID string, loop *[2]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupLocked(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	s.loopRange = loop
	return nil
}

func (m *sourceManager) armTrigger(itemID string, atSeconds float64, fn TriggerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupLocked(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	s.trigger = &armedTrigger{atSeconds: atSeconds, fn: fn}
	return nil
}

func (m *sourceManager) clearTrigger(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.lookupLocked(itemID); ok {
		s.trigger = nil
	}
}

func (m *sourceManager) lookupLocked(itemID string) (*source, bool) {
	id, ok := m.byItem[itemID]
	if !ok {
		return nil, false
	}
	s, ok := m.sources[id]
	return s, ok
}

func startFadeOutLocked(s *source, frames int) {
	if frames < 1 {
		frames = 1
	}
	s.fadeOutTotal = frames
	s.fadeOutRemaining = frames
	s.stopRequested = true
	s.state = StateFadingOut
}
