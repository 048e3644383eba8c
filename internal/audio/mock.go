/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// SyntheticSpec describes a generated test signal. Freq 0 produces silence.
type SyntheticSpec struct {
	SampleRate int
	Channels   int
	Frames     int
	Freq       float64
	Amplitude  float64
}

// MockBackend serves synthetic sources from a path registry. Capability flags
// and device query failures are configurable so fallback selection can be
// exercised without hardware.
type MockBackend struct {
	Caps       Capabilities
	Rate       int
	ChannelsN  int
	FailDevice bool
	// Pace throttles stream writes to Pace x real time. Zero disables
	// pacing, letting render loops spin as fast as they can.
	Pace float64

	mu      sync.Mutex
	library map[string]SyntheticSpec
	opened  map[string]int
}

// NewMockBackend creates a synthetic backend with native triggers and
// preload enabled.
func NewMockBackend(rate, channels int) *MockBackend {
	return &MockBackend{
		Caps:      Capabilities{NativeTriggers: true, NativePreload: true},
		Rate:      rate,
		ChannelsN: channels,
		library:   make(map[string]SyntheticSpec),
		opened:    make(map[string]int),
	}
}

// Register associates a fabricated path with a synthetic signal.
func (m *MockBackend) Register(path string, spec SyntheticSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.Channels <= 0 {
		spec.Channels = 1
	}
	if spec.SampleRate <= 0 {
		spec.SampleRate = m.Rate
	}
	if spec.Amplitude == 0 && spec.Freq != 0 {
		spec.Amplitude = 0.8
	}
	m.library[path] = spec
}

// OpenCount reports how many times a path has been opened.
func (m *MockBackend) OpenCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[path]
}

func (m *MockBackend) Name() string               { return "mock" }
func (m *MockBackend) Capabilities() Capabilities { return m.Caps }

func (m *MockBackend) Open(path string) (Source, error) {
	m.mu.Lock()
	spec, ok := m.library[path]
	if ok {
		m.opened[path]++
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: no such synthetic source", path)
	}
	return &syntheticSource{spec: spec}, nil
}

func (m *MockBackend) DeviceFormat(device Device) (int, int, error) {
	if m.FailDevice {
		return 0, 0, ErrDeviceUnavailable
	}
	return m.Rate, m.ChannelsN, nil
}

func (m *MockBackend) OpenStream(device Device, sampleRate, channels, blockFrames int) (OutputStream, error) {
	stream := NewNullOutputStream(sampleRate, channels, false)
	if m.Pace > 0 {
		return &pacedStream{inner: stream, rate: sampleRate, channels: channels, pace: m.Pace}, nil
	}
	return stream, nil
}

// pacedStream slows writes down to a fraction of real time so tests can
// interact with a source while it plays.
type pacedStream struct {
	inner    OutputStream
	rate     int
	channels int
	pace     float64
}

func (p *pacedStream) Write(samples []float32) error {
	if p.rate > 0 && p.channels > 0 {
		frames := len(samples) / p.channels
		seconds := float64(frames) / float64(p.rate) * p.pace
		time.Sleep(time.Duration(seconds * float64(time.Second)))
	}
	return p.inner.Write(samples)
}

func (p *pacedStream) Close() error { return p.inner.Close() }

type syntheticSource struct {
	spec SyntheticSpec
	pos  int
}

func (s *syntheticSource) SampleRate() int { return s.spec.SampleRate }
func (s *syntheticSource) Channels() int   { return s.spec.Channels }
func (s *syntheticSource) Len() int        { return s.spec.Frames }

func (s *syntheticSource) Seek(frame int) error {
	if frame < 0 {
		frame = 0
	}
	if frame > s.spec.Frames {
		frame = s.spec.Frames
	}
	s.pos = frame
	return nil
}

func (s *syntheticSource) Read(dst []float32) (int, error) {
	ch := s.spec.Channels
	frames := len(dst) / ch
	remaining := s.spec.Frames - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if frames > remaining {
		frames = remaining
	}
	for i := 0; i < frames; i++ {
		var v float32
		if s.spec.Freq != 0 {
			t := float64(s.pos+i) / float64(s.spec.SampleRate)
			v = float32(s.spec.Amplitude * math.Sin(2*math.Pi*s.spec.Freq*t))
		}
		for c := 0; c < ch; c++ {
			dst[i*ch+c] = v
		}
	}
	s.pos += frames
	return frames, nil
}

func (s *syntheticSource) Close() error { return nil }
