/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package preload readies the next track before its mix point. Backends that
// can hold silent decode handles get a real handle ahead of time; everything
// else gets a bounded warm-up read that pulls the file into the page cache.
package preload

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/config"
	"github.com/friendsincode/grimnir_playout/internal/events"
)

const warmChunkBytes = 1 << 20

// candidate is one scheduled preload. The generation pins it to the schedule
// that created it; any later Schedule or Discard makes it stale.
type candidate struct {
	itemID     string
	path       string
	generation uint64
	handle     audio.Source
	ready      bool
	timer      *time.Timer
}

// Manager prepares at most one upcoming track per instance.
type Manager struct {
	backend audio.Backend
	bus     *events.Bus
	log     zerolog.Logger
	cfg     config.PreloadConfig

	mu         sync.Mutex
	generation uint64
	current    *candidate
	lastWarm   map[string]time.Time
	closed     bool
}

func NewManager(backend audio.Backend, bus *events.Bus, logger zerolog.Logger, cfg config.PreloadConfig) *Manager {
	return &Manager{
		backend:  backend,
		bus:      bus,
		log:      logger.With().Str("component", "preload").Logger(),
		cfg:      cfg,
		lastWarm: make(map[string]time.Time),
	}
}

// Schedule arranges for itemID's file to be prepared after delay. Any
// previously scheduled candidate is discarded, ready or not.
func (m *Manager) Schedule(itemID, path string, delay time.Duration) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.discardLocked("rescheduled")

	m.generation++
	c := &candidate{itemID: itemID, path: path, generation: m.generation}
	m.current = c
	if delay < 0 {
		delay = 0
	}
	gen := c.generation
	c.timer = time.AfterFunc(delay, func() { m.prefetch(gen, itemID, path) })
	m.log.Debug().Str("item_id", itemID).Dur("delay", delay).Msg("preload scheduled")
}

// Consume hands the prepared handle to the caller. It returns nil when the
// candidate does not match itemID or has not finished preparing; starting
// from a cold open is always correct, just slower.
func (m *Manager) Consume(itemID string) audio.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.current
	if c == nil || c.itemID != itemID || !c.ready {
		return nil
	}
	handle := c.handle
	m.stopTimerLocked(c)
	m.current = nil
	return handle
}

// Discard invalidates the current candidate.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardLocked("discarded")
}

// Close discards any candidate and stops accepting schedules.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.discardLocked("closing")
}

func (m *Manager) discardLocked(reason string) {
	c := m.current
	if c == nil {
		return
	}
	m.generation++
	m.stopTimerLocked(c)
	if c.handle != nil {
		c.handle.Close()
	}
	m.current = nil
	if m.bus != nil {
		m.bus.Publish(events.EventPreloadDiscarded, events.Payload{
			"item_id": c.itemID,
			"reason":  reason,
		})
	}
}

func (m *Manager) stopTimerLocked(c *candidate) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// prefetch runs on the candidate's timer. The generation check makes late
// completions harmless: a handle opened for a stale schedule is closed and
// dropped instead of being attached.
func (m *Manager) prefetch(gen uint64, itemID, path string) {
	native := m.backend.Capabilities().NativePreload

	var handle audio.Source
	if native {
		var err error
		handle, err = m.backend.Open(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("preload open failed")
			return
		}
	} else if _, err := m.warmFile(path); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("warm-up read failed")
		return
	}

	m.mu.Lock()
	c := m.current
	if m.closed || c == nil || c.generation != gen {
		m.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
		return
	}
	c.handle = handle
	c.ready = true
	m.mu.Unlock()

	m.log.Debug().Str("item_id", itemID).Bool("native", native).Msg("preload ready")
	if m.bus != nil {
		m.bus.Publish(events.EventPreloadReady, events.Payload{
			"item_id": itemID,
			"native":  native,
		})
	}
}

// warmFile reads up to the configured budget so the first real decode hits
// warm cache, and reports how many bytes it pulled. Re-warming the same path
// within the refetch interval is skipped.
func (m *Manager) warmFile(path string) (int64, error) {
	m.mu.Lock()
	if last, ok := m.lastWarm[path]; ok && time.Since(last) < m.cfg.RefetchInterval() {
		m.mu.Unlock()
		return 0, nil
	}
	m.lastWarm[path] = time.Now()
	if len(m.lastWarm) > 128 {
		cutoff := time.Now().Add(-m.cfg.RefetchInterval())
		for p, at := range m.lastWarm {
			if at.Before(cutoff) {
				delete(m.lastWarm, p)
			}
		}
	}
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	budget := m.cfg.WarmupBudgetBytes
	if budget <= 0 {
		budget = 32 << 20
	}
	buf := make([]byte, warmChunkBytes)
	var total int64
	for total < budget {
		want := int64(len(buf))
		if left := budget - total; left < want {
			want = left
		}
		n, err := f.Read(buf[:want])
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
