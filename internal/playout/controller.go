/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout drives a device's play queue: it plans the mix point when
// a track becomes now-playing, arms the trigger path, schedules the next
// track's preload and, when the trigger fires, starts the next track while
// fading the current one.
package playout

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/config"
	"github.com/friendsincode/grimnir_playout/internal/events"
	"github.com/friendsincode/grimnir_playout/internal/mixer"
	"github.com/friendsincode/grimnir_playout/internal/mixplan"
	"github.com/friendsincode/grimnir_playout/internal/playlog"
	"github.com/friendsincode/grimnir_playout/internal/preload"
	"github.com/friendsincode/grimnir_playout/internal/telemetry"
	"github.com/friendsincode/grimnir_playout/internal/trigger"
)

// earlyFireTolerance is how far before the planned point a native trigger
// may fire before it is rejected as spurious and the item falls back to
// progress polling.
const earlyFireTolerance = 0.75

// Item is one queued track.
type Item struct {
	ID     string
	Path   string
	Timing mixplan.TrackTiming
	GainDB float64
	// Loop bounds in track seconds, used when Timing.LoopActive is set.
	LoopStartSeconds float64
	LoopEndSeconds   float64
}

// activeItem is the now-playing track and its derived state.
type activeItem struct {
	item      Item
	sourceID  string
	plan      mixplan.MixPlan
	armed     bool
	triggered bool
	startedAt time.Time
}

// Controller owns playback on one output device.
type Controller struct {
	cfg     *config.Config
	backend audio.Backend
	device  audio.Device
	bus     *events.Bus
	plog    *playlog.Log
	log     zerolog.Logger

	mix     *mixer.DeviceMixer
	pre     *preload.Manager
	watcher *trigger.Watcher
	queue   *trigger.ControlQueue
	exec    trigger.Executor

	mu      sync.Mutex
	items   []Item
	index   int
	current *activeItem
	preview *mixer.DeviceMixer
	closed  bool
}

// New wires a controller, its device mixer, preloader and trigger executor.
func New(cfg *config.Config, backend audio.Backend, device audio.Device, bus *events.Bus, plog *playlog.Log, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		backend: backend,
		device:  device,
		bus:     bus,
		plog:    plog,
		log:     logger.With().Str("component", "playout").Str("device", device.ID).Logger(),
		watcher: trigger.NewWatcher(),
		queue:   trigger.NewControlQueue(64),
	}
	c.mix = mixer.NewDeviceMixer(backend, device, bus, logger, c.mixerOptions())
	c.pre = preload.NewManager(backend, bus, logger, cfg.Preload)
	c.exec = trigger.New(cfg.EffectiveExecutorMode(), cfg.NativeExecutorPath, c.queue, c, logger)
	c.log.Info().Str("executor", string(c.exec.Mode())).Msg("playout controller ready")
	return c
}

func (c *Controller) mixerOptions() mixer.Options {
	return mixer.Options{
		BlockFrames:            c.cfg.BlockFrames(),
		MicroFadeSeconds:       float64(c.cfg.Playback.MicroFadeMillis) / 1000,
		ZeroCrossWindowSeconds: float64(c.cfg.Playback.ZeroCrossWindowMillis) / 1000,
		FallbackSampleRate:     c.cfg.Backend.SampleRate,
		FallbackChannels:       c.cfg.Backend.Channels,
	}
}

// Mixer exposes the device mixer for direct transport control.
func (c *Controller) Mixer() *mixer.DeviceMixer { return c.mix }

// LoadQueue replaces the upcoming items. The now-playing track, if any,
// keeps playing; any pending preload is discarded because the next-track
// selection may have changed.
func (c *Controller) LoadQueue(items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]Item(nil), items...)
	c.index = 0
	c.pre.Discard()
	if c.current != nil {
		c.schedulePreloadLocked()
	}
}

// Enqueue appends one item to the upcoming queue.
func (c *Controller) Enqueue(item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasEmpty := c.index >= len(c.items)
	c.items = append(c.items, item)
	if c.current != nil && wasEmpty {
		c.schedulePreloadLocked()
	}
}

// Play starts the next queued item. It is a no-op while something is
// already playing.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil
	}
	next, ok := c.takeNextLocked()
	if !ok {
		return fmt.Errorf("play queue for device %s is empty", c.device.ID)
	}
	return c.startItemLocked(next, "", 0, "", false)
}

// Skip fades the current track with the station fade and starts the next
// queued item immediately.
func (c *Controller) Skip() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur == nil {
		next, ok := c.takeNextLocked()
		if !ok {
			return fmt.Errorf("play queue for device %s is empty", c.device.ID)
		}
		return c.startItemLocked(next, "", 0, "", false)
	}
	cur.triggered = true
	c.watcher.Clear(cur.item.ID)
	c.mix.ClearMixTrigger(cur.item.ID)
	next, ok := c.takeNextLocked()
	if !ok {
		c.current = nil
		c.mix.FadeOutItem(cur.item.ID, c.cfg.Playback.FadeSeconds)
		return nil
	}
	return c.startItemLocked(next, cur.item.ID, c.cfg.Playback.FadeSeconds, "manual", true)
}

// Stop fades out the current track and clears any pending preload.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur == nil {
		return
	}
	cur.triggered = true
	c.current = nil
	c.watcher.Clear(cur.item.ID)
	c.mix.ClearMixTrigger(cur.item.ID)
	c.pre.Discard()
	c.mix.FadeOutItem(cur.item.ID, c.cfg.Playback.FadeSeconds)
}

// Pause suspends the current track.
func (c *Controller) Pause() error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("nothing playing on device %s", c.device.ID)
	}
	return c.mix.PauseItem(cur.item.ID)
}

// Resume continues a paused track.
func (c *Controller) Resume() error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("nothing playing on device %s", c.device.ID)
	}
	return c.mix.ResumeItem(cur.item.ID)
}

// Preview plays an item on a monitor mixer, alongside whatever the broadcast
// mixer is doing. The queue, the play log and the trigger path are untouched;
// the caller ends it with StopPreview.
func (c *Controller) Preview(item Item) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller closed")
	}
	if c.preview == nil {
		monitor := audio.Device{ID: c.device.ID + "-pfl", RawIndex: -1}
		c.preview = mixer.NewDeviceMixer(c.backend, monitor, c.bus, c.log, c.mixerOptions())
	}
	pv := c.preview
	c.mu.Unlock()

	params := mixer.StartParams{
		ItemID:       item.ID,
		Path:         item.Path,
		StartSeconds: item.Timing.CueInSeconds,
		GainDB:       item.GainDB,
	}
	if item.Timing.LoopActive && item.LoopEndSeconds > item.LoopStartSeconds {
		loop := [2]float64{item.LoopStartSeconds, item.LoopEndSeconds}
		params.Loop = &loop
	}
	if _, _, err := pv.StartSource(params); err != nil {
		return fmt.Errorf("preview %s: %w", item.Path, err)
	}
	return nil
}

// StopPreview fades a previewed item out.
func (c *Controller) StopPreview(itemID string) {
	c.mu.Lock()
	pv := c.preview
	c.mu.Unlock()
	if pv == nil {
		return
	}
	pv.FadeOutItem(itemID, c.cfg.Playback.FadeSeconds)
}

// Current reports the now-playing item and its plan.
func (c *Controller) Current() (Item, mixplan.MixPlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Item{}, mixplan.MixPlan{}, false
	}
	return c.current.item, c.current.plan, true
}

// RefreshTiming recomputes the mix plan after a metadata change. The trigger
// is re-armed at the new point; a track whose mix already fired is left
// alone.
func (c *Controller) RefreshTiming(itemID string, timing mixplan.TrackTiming) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur == nil || cur.item.ID != itemID {
		return fmt.Errorf("item %s is not playing", itemID)
	}
	if cur.triggered {
		return nil
	}
	c.mix.ClearMixTrigger(itemID)
	c.watcher.Clear(itemID)
	cur.item.Timing = timing
	cur.plan = mixplan.Resolve(timing)
	c.armLocked(cur)
	c.publishPlanLocked(cur)
	c.bus.Publish(events.EventPlaybackRefresh, events.Payload{
		"item_id": itemID,
	})
	return nil
}

// Close shuts the controller down. The executor stops first so no new mix
// actions arrive while the mixer drains.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.current = nil
	pv := c.preview
	c.preview = nil
	c.mu.Unlock()

	c.exec.Close()
	c.queue.Close()
	c.pre.Close()
	c.mix.Close()
	if pv != nil {
		pv.Close()
	}
}

// HandleMixSignal is the trigger.Handler entry point. It runs on whatever
// goroutine the executor mode selects.
func (c *Controller) HandleMixSignal(sig trigger.Signal) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || cur.item.ID != sig.ItemID || cur.triggered ||
		(sig.SourceID != "" && sig.SourceID != cur.sourceID) {
		c.mu.Unlock()
		c.log.Debug().Str("item_id", sig.ItemID).Str("via", sig.Via).Msg("stale mix signal ignored")
		return
	}

	if sig.Via != "poll" && sig.Position < sig.Target-earlyFireTolerance {
		// Spurious early fire from the backend. Disarm and let progress
		// polling take the mix point.
		cur.armed = false
		c.mix.ClearMixTrigger(cur.item.ID)
		c.watcher.Register(cur.item.ID, c.device.ID, cur.sourceID, sig.Target, false)
		c.mu.Unlock()
		telemetry.Degraded.WithLabelValues("early_native_fire").Inc()
		if c.bus != nil {
			c.bus.Publish(events.EventMixDegraded, events.Payload{
				"item_id":  sig.ItemID,
				"reason":   "early_native_fire",
				"position": sig.Position,
				"target":   sig.Target,
			})
		}
		c.log.Warn().Str("item_id", sig.ItemID).
			Float64("position", sig.Position).Float64("target", sig.Target).
			Msg("native trigger fired early, falling back to polling")
		return
	}

	cur.triggered = true
	c.watcher.MarkTriggered(cur.item.ID)

	next, ok := c.takeNextLocked()
	if !ok {
		fade := cur.plan.FadeSeconds
		c.current = nil
		c.mu.Unlock()
		if fade > 0 {
			c.mix.FadeOutItem(sig.ItemID, fade)
		}
		c.log.Info().Str("item_id", sig.ItemID).Msg("mix point reached with empty queue")
		return
	}

	err := c.startItemLocked(next, sig.ItemID, cur.plan.FadeSeconds, sig.Via, true)
	c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Str("item_id", next.ID).Msg("mix start failed")
		return
	}
	if c.bus != nil {
		c.bus.Publish(events.EventMixTriggered, events.Payload{
			"from_item": sig.ItemID,
			"to_item":   next.ID,
			"via":       sig.Via,
			"position":  sig.Position,
		})
	}
}

// startItemLocked makes item the now-playing track. When fadeFrom is set the
// start and the outgoing fade are applied as one atomic mixer transition.
func (c *Controller) startItemLocked(item Item, fadeFrom string, fadeSeconds float64, via string, mixed bool) error {
	plan := mixplan.Resolve(item.Timing)

	params := mixer.StartParams{
		ItemID:       item.ID,
		Path:         item.Path,
		Handle:       c.pre.Consume(item.ID),
		StartSeconds: item.Timing.CueInSeconds,
		GainDB:       item.GainDB,
		OnProgress:   c.onProgress,
		OnFinished:   c.onItemFinished,
	}
	if item.Timing.LoopActive && item.LoopEndSeconds > item.LoopStartSeconds {
		loop := [2]float64{item.LoopStartSeconds, item.LoopEndSeconds}
		params.Loop = &loop
	}

	var sourceID string
	var err error
	if fadeFrom != "" {
		sourceID, _, err = c.mix.ApplyTransition(params, fadeFrom, fadeSeconds)
	} else {
		sourceID, _, err = c.mix.StartSource(params)
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", item.Path, err)
	}

	cur := &activeItem{item: item, sourceID: sourceID, plan: plan, startedAt: time.Now()}
	c.current = cur
	c.armLocked(cur)
	c.publishPlanLocked(cur)
	c.schedulePreloadLocked()

	c.plog.Record(playlog.Entry{
		ItemID:   item.ID,
		Path:     item.Path,
		DeviceID: c.device.ID,
		Mixed:    mixed,
		Via:      via,
	})
	c.log.Info().Str("item_id", item.ID).Str("path", item.Path).
		Float64("trigger", plan.TriggerSeconds).Bool("has_mix", plan.HasMix).
		Bool("mixed_in", mixed).Msg("item started")
	return nil
}

// armLocked installs the trigger path for the current item: a native mixer
// trigger when the mode and backend allow it, always the polling watcher.
func (c *Controller) armLocked(cur *activeItem) {
	if !cur.plan.HasMix {
		return
	}
	absTrigger := cur.item.Timing.CueInSeconds + cur.plan.TriggerSeconds
	armed := false
	if c.exec.Mode() != config.ExecutorOff && c.backend.Capabilities().NativeTriggers {
		itemID, sourceID, target := cur.item.ID, cur.sourceID, absTrigger
		err := c.mix.ArmMixTrigger(itemID, absTrigger, func(firedAt time.Time, pos float64, via string) {
			c.exec.Dispatch(trigger.Signal{
				DeviceID: c.device.ID,
				ItemID:   itemID,
				SourceID: sourceID,
				FiredAt:  firedAt,
				Position: pos,
				Target:   target,
				Via:      via,
			})
		})
		armed = err == nil
	}
	cur.armed = armed
	c.watcher.Register(cur.item.ID, c.device.ID, cur.sourceID, absTrigger, armed)
}

func (c *Controller) publishPlanLocked(cur *activeItem) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.EventMixPlanned, events.Payload{
		"item_id":      cur.item.ID,
		"trigger":      cur.plan.TriggerSeconds,
		"air_duration": cur.plan.AirDurationSeconds,
		"fade":         cur.plan.FadeSeconds,
		"has_mix":      cur.plan.HasMix,
	})
}

// schedulePreloadLocked arranges the next queued item's prefetch at the
// configured lead before this track's mix point (or its end, when it does
// not mix).
func (c *Controller) schedulePreloadLocked() {
	cur := c.current
	if cur == nil || cur.item.Timing.BreakAfter {
		return
	}
	next, ok := c.peekNextLocked()
	if !ok {
		return
	}
	air := cur.plan.AirDurationSeconds
	elapsed := time.Since(cur.startedAt).Seconds()
	delay := air - elapsed - c.cfg.Preload.LeadSeconds
	if delay < 0 {
		delay = 0
	}
	c.pre.Schedule(next.ID, next.Path, time.Duration(delay*float64(time.Second)))
}

// onProgress runs on the render loop; it only feeds the polling watcher and
// hands any due signal to the serial control queue.
func (c *Controller) onProgress(itemID string, position float64) {
	if sig, fire := c.watcher.Observe(itemID, position); fire {
		c.queue.Do(func() { c.HandleMixSignal(sig) })
	}
}

// onItemFinished runs on the render loop; the actual advance happens on the
// control queue.
func (c *Controller) onItemFinished(itemID string) {
	c.queue.Do(func() { c.handleFinished(itemID) })
}

// handleFinished advances past a track that reached its natural end without
// a mix (no-mix plans, breaks, decoder failures).
func (c *Controller) handleFinished(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watcher.Clear(itemID)
	cur := c.current
	if cur == nil || cur.item.ID != itemID || cur.triggered {
		return
	}
	c.current = nil
	if cur.item.Timing.BreakAfter {
		c.pre.Discard()
		c.log.Info().Str("item_id", itemID).Msg("break reached, playback holds")
		return
	}
	next, ok := c.takeNextLocked()
	if !ok {
		c.log.Info().Str("item_id", itemID).Msg("queue drained")
		return
	}
	if err := c.startItemLocked(next, "", 0, "end", false); err != nil {
		c.log.Error().Err(err).Str("item_id", next.ID).Msg("start after natural end failed")
	}
}

func (c *Controller) takeNextLocked() (Item, bool) {
	if c.index >= len(c.items) {
		return Item{}, false
	}
	item := c.items[c.index]
	c.index++
	return item, true
}

func (c *Controller) peekNextLocked() (Item, bool) {
	if c.index >= len(c.items) {
		return Item{}, false
	}
	return c.items[c.index], true
}
