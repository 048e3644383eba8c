/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixer implements the per-device software mixer: every output
// device gets one render loop that pulls frames from all active sources,
// sums them additively and writes the block to the device stream. All
// transport commands address sources by the caller's item id.
package mixer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/events"
)

// Options tunes a DeviceMixer. Zero values select the defaults.
type Options struct {
	BlockFrames            int
	MicroFadeSeconds       float64
	ZeroCrossWindowSeconds float64
	// FallbackSampleRate and FallbackChannels are used when the device
	// format cannot be queried and no source has been started yet.
	FallbackSampleRate int
	FallbackChannels   int
}

// StartParams describes one source start request.
type StartParams struct {
	ItemID string
	Path   string
	// Handle is an optional pre-opened decode handle (from the preloader).
	// When nil the mixer opens Path itself.
	Handle        audio.Source
	StartSeconds  float64
	FadeInSeconds float64
	GainDB        float64
	// Loop holds [start, end) in track seconds when the item loops.
	Loop       *[2]float64
	OnProgress func(itemID string, seconds float64)
	OnFinished func(itemID string)
}

// DeviceMixer mixes all active sources of one output device.
type DeviceMixer struct {
	backend audio.Backend
	device  audio.Device
	bus     *events.Bus
	log     zerolog.Logger

	blockFrames     int
	microFade       float64
	zeroCrossWindow float64

	mgr *sourceManager

	mu             sync.Mutex
	running        bool
	closed         bool
	sampleRate     int
	channels       int
	rateFromDevice bool
	stopCh         chan struct{}
	wakeCh         chan struct{}
	wg             sync.WaitGroup
}

// NewDeviceMixer prepares a mixer for device. The render loop starts lazily
// with the first source. When the device format cannot be queried the mixer
// degrades to the first source's file rate and says so once.
func NewDeviceMixer(backend audio.Backend, device audio.Device, bus *events.Bus, logger zerolog.Logger, opts Options) *DeviceMixer {
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = 960
	}
	if opts.MicroFadeSeconds <= 0 {
		opts.MicroFadeSeconds = MicroFadeSeconds
	}
	if opts.ZeroCrossWindowSeconds <= 0 {
		opts.ZeroCrossWindowSeconds = ZeroCrossWindowSeconds
	}

	dm := &DeviceMixer{
		backend:         backend,
		device:          device,
		bus:             bus,
		log:             logger.With().Str("component", "mixer").Str("device", device.ID).Logger(),
		blockFrames:     opts.BlockFrames,
		microFade:       opts.MicroFadeSeconds,
		zeroCrossWindow: opts.ZeroCrossWindowSeconds,
		mgr:             newSourceManager(),
		stopCh:          make(chan struct{}),
		wakeCh:          make(chan struct{}, 1),
	}

	rate, channels, err := backend.DeviceFormat(device)
	if err != nil || rate <= 0 || channels <= 0 {
		dm.log.Warn().Err(err).Msg("device format unavailable, will adopt source rate")
		dm.sampleRate = opts.FallbackSampleRate
		dm.channels = opts.FallbackChannels
		if bus != nil {
			bus.Publish(events.EventMixDegraded, events.Payload{
				"device": device.ID,
				"reason": "device_format_unavailable",
			})
		}
	} else {
		dm.sampleRate = rate
		dm.channels = channels
		dm.rateFromDevice = true
	}
	return dm
}

// SampleRate reports the output rate the mixer renders at. Zero until the
// format is resolved.
func (dm *DeviceMixer) SampleRate() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.sampleRate
}

// StartSource opens (or adopts) a decode handle, seeks it to the snapped
// start offset and inserts it into the mix. The returned channel closes when
// the source finishes. A running source with the same item id is replaced.
func (dm *DeviceMixer) StartSource(p StartParams) (string, <-chan struct{}, error) {
	s, err := dm.prepareSource(p)
	if err != nil {
		return "", nil, err
	}
	replaced := dm.mgr.insert(s)
	dm.discardReplaced(replaced)
	dm.afterInsert(s)
	return s.id, s.done, nil
}

// ApplyTransition inserts the incoming source and starts the outgoing item's
// fade-out atomically. The incoming handle is fully prepared before the
// manager lock is taken, so the swap itself is bounded by the render block.
func (dm *DeviceMixer) ApplyTransition(incoming StartParams, fadeItemID string, fadeSeconds float64) (string, <-chan struct{}, error) {
	s, err := dm.prepareSource(incoming)
	if err != nil {
		return "", nil, err
	}
	dm.mgr.applyTransition(s, fadeItemID, dm.secondsToFrames(fadeSeconds))
	dm.afterInsert(s)
	return s.id, s.done, nil
}

// ArmMixTrigger arms a position trigger on an item. fn runs in the render
// loop and must only enqueue.
func (dm *DeviceMixer) ArmMixTrigger(itemID string, atSeconds float64, fn TriggerFunc) error {
	return dm.mgr.armTrigger(itemID, atSeconds, fn)
}

// ClearMixTrigger disarms a previously armed trigger, if any.
func (dm *DeviceMixer) ClearMixTrigger(itemID string) {
	dm.mgr.clearTrigger(itemID)
}

// FadeOutItem starts a fade-out over the given duration. The source finishes
// and is removed when the fade completes.
func (dm *DeviceMixer) FadeOutItem(itemID string, seconds float64) error {
	return dm.mgr.fadeOut(itemID, dm.secondsToFrames(seconds))
}

// StopItem removes an item immediately, without a fade.
func (dm *DeviceMixer) StopItem(itemID string) error {
	s, ok := dm.mgr.byItemID(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	dm.finalizeSource(s.id)
	return nil
}

// SetGainDB adjusts an item's gain, clamped to [-60, +18] dB.
func (dm *DeviceMixer) SetGainDB(itemID string, db float64) error {
	return dm.mgr.setGain(itemID, gainFromDB(db))
}

// SetLoopItem installs or clears an item's loop range, in track seconds.
func (dm *DeviceMixer) SetLoopItem(itemID string, loop *[2]float64) error {
	s, ok := dm.mgr.byItemID(itemID)
	if !ok {
		return fmt.Errorf("no active source for item %s", itemID)
	}
	return dm.mgr.setLoop(itemID, loopFrames(loop, s.sampleRate))
}

// PauseItem suspends an item; its slot stays silent until ResumeItem.
func (dm *DeviceMixer) PauseItem(itemID string) error {
	return dm.mgr.setPaused(itemID, true)
}

// ResumeItem resumes a paused item.
func (dm *DeviceMixer) ResumeItem(itemID string) error {
	return dm.mgr.setPaused(itemID, false)
}

// Position reports an item's absolute track position.
func (dm *DeviceMixer) Position(itemID string) (float64, bool) {
	s, ok := dm.mgr.byItemID(itemID)
	if !ok {
		return 0, false
	}
	dm.mgr.mu.Lock()
	defer dm.mgr.mu.Unlock()
	return s.positionSeconds(), true
}

// State reports an item's envelope state.
func (dm *DeviceMixer) State(itemID string) (EnvelopeState, bool) {
	s, ok := dm.mgr.byItemID(itemID)
	if !ok {
		return StateIdle, false
	}
	dm.mgr.mu.Lock()
	defer dm.mgr.mu.Unlock()
	return s.state, true
}

// Close stops the render loop and finalizes every active source.
func (dm *DeviceMixer) Close() {
	dm.mu.Lock()
	if dm.closed {
		dm.mu.Unlock()
		return
	}
	dm.closed = true
	close(dm.stopCh)
	dm.mu.Unlock()
	dm.wg.Wait()

	dm.mgr.mu.Lock()
	ids := make([]string, 0, len(dm.mgr.sources))
	for id := range dm.mgr.sources {
		ids = append(ids, id)
	}
	dm.mgr.mu.Unlock()
	for _, id := range ids {
		dm.finalizeSource(id)
	}
}

func (dm *DeviceMixer) prepareSource(p StartParams) (*source, error) {
	handle := p.Handle
	if handle == nil {
		var err error
		handle, err = dm.backend.Open(p.Path)
		if err != nil {
			return nil, err
		}
	}
	fileRate := handle.SampleRate()
	fileCh := handle.Channels()
	if fileRate <= 0 || fileCh <= 0 {
		handle.Close()
		return nil, fmt.Errorf("source %s reports invalid format %d Hz / %d ch", p.Path, fileRate, fileCh)
	}

	dm.mu.Lock()
	if dm.sampleRate <= 0 {
		dm.sampleRate = fileRate
	}
	if dm.channels <= 0 {
		dm.channels = fileCh
	}
	outRate := dm.sampleRate
	dm.mu.Unlock()

	startFrame := int(p.StartSeconds * float64(fileRate))
	window := int(dm.zeroCrossWindow * float64(fileRate))
	startFrame = snapToZeroCrossing(handle, startFrame, window)
	if err := handle.Seek(startFrame); err != nil {
		handle.Close()
		return nil, fmt.Errorf("seek %s to frame %d: %w", p.Path, startFrame, err)
	}

	fadeIn := p.FadeInSeconds
	if fadeIn <= 0 {
		fadeIn = dm.microFade
	}
	fadeInFrames := int(fadeIn * float64(outRate))
	if fadeInFrames < 1 {
		fadeInFrames = 1
	}

	s := &source{
		id:              uuid.NewString(),
		itemID:          p.ItemID,
		path:            p.Path,
		handle:          handle,
		sampleRate:      fileRate,
		channels:        fileCh,
		resampleRatio:   float64(outRate) / float64(fileRate),
		gain:            gainFromDB(p.GainDB),
		fadeInTotal:     fadeInFrames,
		fadeInRemaining: fadeInFrames,
		positionFrames:  startFrame,
		loopRange:       loopFrames(p.Loop, fileRate),
		onProgress:      p.OnProgress,
		onFinished:      p.OnFinished,
		done:            make(chan struct{}),
	}
	return s, nil
}

func (dm *DeviceMixer) afterInsert(s *source) {
	if dm.bus != nil {
		dm.bus.Publish(events.EventSourceStarted, events.Payload{
			"device":  dm.device.ID,
			"item_id": s.itemID,
			"path":    s.path,
		})
	}
	dm.ensureLoop()
	select {
	case dm.wakeCh <- struct{}{}:
	default:
	}
}

// discardReplaced disposes a source that was displaced by a same-item start,
// without emitting finished events for it.
func (dm *DeviceMixer) discardReplaced(s *source) {
	if s == nil {
		return
	}
	s.state = StateFinished
	s.handle.Close()
	close(s.done)
}

func (dm *DeviceMixer) ensureLoop() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.running || dm.closed {
		return
	}
	stream, err := dm.backend.OpenStream(dm.device, dm.sampleRate, dm.channels, dm.blockFrames)
	if err != nil {
		dm.log.Error().Err(err).Msg("open output stream failed")
		return
	}
	dm.running = true
	dm.wg.Add(1)
	go dm.run(stream)
}

func (dm *DeviceMixer) secondsToFrames(seconds float64) int {
	dm.mu.Lock()
	rate := dm.sampleRate
	dm.mu.Unlock()
	if rate <= 0 {
		rate = 48000
	}
	frames := int(seconds * float64(rate))
	if frames < 1 {
		frames = 1
	}
	return frames
}

func loopFrames(loop *[2]float64, rate int) *[2]int {
	if loop == nil || rate <= 0 {
		return nil
	}
	start := int(loop[0] * float64(rate))
	end := int(loop[1] * float64(rate))
	if end <= start {
		return nil
	}
	return &[2]int{start, end}
}

// finalizeSource removes a source, closes its handle and notifies listeners.
func (dm *DeviceMixer) finalizeSource(sourceID string) {
	s, ok := dm.mgr.pop(sourceID)
	if !ok {
		return
	}
	s.state = StateFinished
	if err := s.handle.Close(); err != nil {
		dm.log.Debug().Err(err).Str("path", s.path).Msg("source close")
	}
	if s.onFinished != nil {
		s.onFinished(s.itemID)
	}
	if dm.bus != nil {
		dm.bus.Publish(events.EventSourceFinished, events.Payload{
			"device":  dm.device.ID,
			"item_id": s.itemID,
		})
	}
	close(s.done)
}

// firedTrigger carries one trigger out of the render pass; the callback runs
// after the block write, outside the manager lock.
type firedTrigger struct {
	fn  TriggerFunc
	at  time.Time
	pos float64
	via string
}
