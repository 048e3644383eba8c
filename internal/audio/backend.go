/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio defines the backend boundary of the playout engine: opening
// decode handles, querying output devices, and producing output streams.
// Providers differ in capability; the core selects fallback strategies purely
// from the declared capability flags, never from type inspection.
package audio

import "errors"

// ErrFormatUnsupported indicates the backend has no decoder for a path.
var ErrFormatUnsupported = errors.New("audio: unsupported format")

// ErrDeviceUnavailable indicates device parameters could not be queried.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Capabilities declares what a backend provider supports. The core never
// probes; absence of a capability selects the corresponding fallback
// (progress-polling triggers, warm-up preload).
type Capabilities struct {
	// NativeTriggers: positions reported by this backend's sources are
	// accurate enough to arm sample-accurate mix triggers on.
	NativeTriggers bool
	// NativePreload: a decode handle can be held open ahead of time without
	// producing audible output or other side effects.
	NativePreload bool
}

// Device identifies one physical audio output.
type Device struct {
	ID   string
	Name string
	// RawIndex is the backend's device index; negative when unknown, in
	// which case format queries fall back to configured defaults.
	RawIndex int
}

// Source is a decode handle. Frames are interleaved float32 at the source's
// own rate and channel count; the mixer resamples and channel-matches.
type Source interface {
	SampleRate() int
	Channels() int
	// Len returns the total frame count, or a negative value when unknown.
	Len() int
	// Seek positions the handle at an absolute frame offset.
	Seek(frame int) error
	// Read fills dst (whose length must be a multiple of Channels()) and
	// returns the number of frames produced. io.EOF after the last frame.
	Read(dst []float32) (frames int, err error)
	Close() error
}

// Backend is a capability-tagged audio provider.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	// Open returns a decode handle for path.
	Open(path string) (Source, error)
	// DeviceFormat returns the device's native sample rate and channel
	// count. ErrDeviceUnavailable selects the file-rate fallback.
	DeviceFormat(device Device) (sampleRate, channels int, err error)
	// OpenStream opens an output stream on the device at the given format.
	OpenStream(device Device, sampleRate, channels, blockFrames int) (OutputStream, error)
}

// OutputStream accepts mixed interleaved float32 blocks.
type OutputStream interface {
	// Write blocks until the stream has accepted the samples; this pacing
	// drives the mixer loop cadence.
	Write(samples []float32) error
	Close() error
}
