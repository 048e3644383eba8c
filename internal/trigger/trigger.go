/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package trigger routes mix-point signals from the render loop to the
// playback controller. The executor mode decides which goroutine runs the
// handler: the shared control queue (ui), a dedicated per-device worker
// (thread), a loaded plugin (native), or nobody at all (off, in which case
// the controller relies on progress polling).
package trigger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/config"
	"github.com/friendsincode/grimnir_playout/internal/telemetry"
)

// Signal is one fired mix trigger.
type Signal struct {
	DeviceID string
	ItemID   string
	SourceID string
	FiredAt  time.Time
	// Position is the track position the render loop observed when firing.
	Position float64
	// Target is the planned trigger position.
	Target float64
	// Via records the delivery path: pos, end or poll.
	Via string
}

// Handler consumes mix signals off the executor's goroutine.
type Handler interface {
	HandleMixSignal(Signal)
}

// Executor delivers signals to a handler. Dispatch must be cheap and
// non-blocking; it is called from the render loop.
type Executor interface {
	Mode() config.ExecutorMode
	Dispatch(Signal)
	Close()
}

// ControlQueue serializes control-plane work on one goroutine, the way a UI
// main loop would. Everything queued here shares ordering with every other
// control operation.
type ControlQueue struct {
	jobs   chan func()
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewControlQueue(depth int) *ControlQueue {
	if depth <= 0 {
		depth = 64
	}
	q := &ControlQueue{jobs: make(chan func(), depth)}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for job := range q.jobs {
			job()
		}
	}()
	return q
}

// Do enqueues fn. It blocks when the queue is full, which is exactly the
// head-of-line behavior the ui mode is meant to expose.
func (q *ControlQueue) Do(fn func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.jobs <- fn
}

// Len reports pending jobs.
func (q *ControlQueue) Len() int { return len(q.jobs) }

// Close drains pending jobs and stops the worker.
func (q *ControlQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// observe records dispatch latency once the handler is about to run.
func observe(log zerolog.Logger, mode config.ExecutorMode, sig Signal) {
	latency := time.Since(sig.FiredAt)
	telemetry.DispatchLatency.WithLabelValues(string(mode)).Observe(latency.Seconds())
	telemetry.MixTriggers.WithLabelValues(sig.Via).Inc()
	log.Info().
		Str("metric", "MIX_METRIC").
		Str("mode", string(mode)).
		Str("item_id", sig.ItemID).
		Str("via", sig.Via).
		Float64("target", sig.Target).
		Float64("position", sig.Position).
		Dur("dispatch_latency", latency).
		Msg("mix trigger dispatched")
}

// uiExecutor funnels signals through the shared control queue, competing
// with every other control operation for the single worker.
type uiExecutor struct {
	queue   *ControlQueue
	handler Handler
	log     zerolog.Logger
}

func NewUIExecutor(queue *ControlQueue, handler Handler, logger zerolog.Logger) Executor {
	return &uiExecutor{queue: queue, handler: handler, log: logger.With().Str("component", "trigger").Logger()}
}

func (e *uiExecutor) Mode() config.ExecutorMode { return config.ExecutorUI }

func (e *uiExecutor) Dispatch(sig Signal) {
	e.queue.Do(func() {
		observe(e.log, config.ExecutorUI, sig)
		e.handler.HandleMixSignal(sig)
	})
}

func (e *uiExecutor) Close() {}

// threadExecutor runs one worker per device, created on first use. Signals
// for a device are handled in FIFO order; devices never block each other.
// The per-device backlog is unbounded: a mix signal must never be dropped,
// a dropped signal is a missed transition on air.
type threadExecutor struct {
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*deviceWorker
	wg      sync.WaitGroup
	closed  bool
}

// deviceWorker holds one device's signal backlog and its worker's wakeup.
type deviceWorker struct {
	mu      sync.Mutex
	pending []Signal
	wake    chan struct{}
	quit    chan struct{}
}

func NewThreadExecutor(handler Handler, logger zerolog.Logger) Executor {
	return &threadExecutor{
		handler: handler,
		log:     logger.With().Str("component", "trigger").Logger(),
		workers: make(map[string]*deviceWorker),
	}
}

func (e *threadExecutor) Mode() config.ExecutorMode { return config.ExecutorThread }

func (e *threadExecutor) Dispatch(sig Signal) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	w, ok := e.workers[sig.DeviceID]
	if !ok {
		w = &deviceWorker{wake: make(chan struct{}, 1), quit: make(chan struct{})}
		e.workers[sig.DeviceID] = w
		e.wg.Add(1)
		go e.run(w)
	}
	e.mu.Unlock()

	w.mu.Lock()
	w.pending = append(w.pending, sig)
	depth := len(w.pending)
	w.mu.Unlock()
	if depth == 17 {
		e.log.Warn().Str("device", sig.DeviceID).Int("backlog", depth).
			Msg("trigger worker backlog growing")
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (e *threadExecutor) run(w *deviceWorker) {
	defer e.wg.Done()
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			sig := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			observe(e.log, config.ExecutorThread, sig)
			e.handler.HandleMixSignal(sig)
			continue
		}
		w.mu.Unlock()

		select {
		case <-w.wake:
		case <-w.quit:
			w.mu.Lock()
			done := len(w.pending) == 0
			w.mu.Unlock()
			if done {
				return
			}
		}
	}
}

func (e *threadExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, w := range e.workers {
		close(w.quit)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// offExecutor drops everything; progress polling owns the mix point.
type offExecutor struct{}

func NewOffExecutor() Executor                { return offExecutor{} }
func (offExecutor) Mode() config.ExecutorMode { return config.ExecutorOff }
func (offExecutor) Dispatch(Signal)           {}
func (offExecutor) Close()                    {}

// New builds the executor for the effective mode. A native executor that
// fails to load falls back to thread mode and says so.
func New(mode config.ExecutorMode, pluginPath string, queue *ControlQueue, handler Handler, logger zerolog.Logger) Executor {
	switch mode {
	case config.ExecutorUI:
		return NewUIExecutor(queue, handler, logger)
	case config.ExecutorOff:
		return NewOffExecutor()
	case config.ExecutorNative:
		exec, err := NewNativeExecutor(pluginPath, handler, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("native executor unavailable, falling back to thread")
			telemetry.Degraded.WithLabelValues("native_executor_unavailable").Inc()
			return NewThreadExecutor(handler, logger)
		}
		return exec
	default:
		return NewThreadExecutor(handler, logger)
	}
}
