package mixer

import (
	"time"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/events"
)

type progressReport struct {
	fn     func(itemID string, seconds float64)
	itemID string
	pos    float64
}

// run is the device render loop. Pacing comes from the blocking stream
// write; with no active sources the loop parks on wakeCh.
func (dm *DeviceMixer) run(stream audio.OutputStream) {
	defer dm.wg.Done()
	defer stream.Close()

	block := make([]float32, dm.blockFrames*dm.channels)
	scratch := make([]float32, dm.blockFrames*dm.channels)

	for {
		select {
		case <-dm.stopCh:
			return
		default:
		}

		if dm.mgr.empty() {
			select {
			case <-dm.stopCh:
				return
			case <-dm.wakeCh:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		fired, progress, finished := dm.mixBlock(block, scratch)

		if err := stream.Write(block); err != nil {
			dm.log.Error().Err(err).Msg("stream write failed, stopping render loop")
			dm.mu.Lock()
			dm.running = false
			dm.mu.Unlock()
			return
		}

		for _, f := range fired {
			f.fn(f.at, f.pos, f.via)
		}
		for _, p := range progress {
			if p.fn != nil {
				p.fn(p.itemID, p.pos)
			}
			if dm.bus != nil {
				dm.bus.Publish(events.EventSourceProgress, events.Payload{
					"device":   dm.device.ID,
					"item_id":  p.itemID,
					"position": p.pos,
				})
			}
		}
		for _, id := range finished {
			dm.finalizeSource(id)
		}
	}
}

// mixBlock renders one block from every active source into block. Trigger
// checks happen here, against the just-rendered position, so fire latency is
// bounded by the block size rather than a polling interval.
func (dm *DeviceMixer) mixBlock(block, scratch []float32) ([]firedTrigger, []progressReport, []string) {
	for i := range block {
		block[i] = 0
	}

	var fired []firedTrigger
	var progress []progressReport
	var finished []string

	dm.mgr.mu.Lock()
	for id, s := range dm.mgr.sources {
		for i := range scratch {
			scratch[i] = 0
		}
		res := renderSource(s, scratch, dm.blockFrames, dm.channels)
		if res.readErr != nil {
			dm.log.Error().Err(res.readErr).Str("path", s.path).Msg("source read failed")
		}
		for i := 0; i < res.frames*dm.channels; i++ {
			block[i] += scratch[i]
		}

		pos := s.positionSeconds()
		if res.frames > 0 {
			progress = append(progress, progressReport{fn: s.onProgress, itemID: s.itemID, pos: pos})
		}

		if t := s.trigger; t != nil && !t.fired {
			switch {
			case pos >= t.atSeconds:
				t.fired = true
				fired = append(fired, firedTrigger{fn: t.fn, at: time.Now(), pos: pos, via: "pos"})
			case res.finished:
				// The decoder ran out before the armed position. Fire on
				// end so the transition still happens.
				t.fired = true
				fired = append(fired, firedTrigger{fn: t.fn, at: time.Now(), pos: pos, via: "end"})
			}
		}

		if res.finished {
			finished = append(finished, id)
		}
	}
	dm.mgr.mu.Unlock()

	return fired, progress, finished
}
