/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog"
)

// BeepBackend decodes files with the beep decoder set. Decoded positions are
// sample-accurate, so native triggers can be armed on its sources, and a
// handle can be held open silently, so native preload is available too.
type BeepBackend struct {
	defaultRate     int
	defaultChannels int
	asyncFileRead   bool
	logger          zerolog.Logger
}

// NewBeepBackend creates the file decoder backend. defaultRate/defaultChannels
// are reported as the device format when the OS cannot be queried. With
// asyncFileRead the decoder streams from disk while rendering; without it the
// whole file is loaded up front so render-time reads never touch disk.
func NewBeepBackend(defaultRate, defaultChannels int, asyncFileRead bool, logger zerolog.Logger) *BeepBackend {
	return &BeepBackend{
		defaultRate:     defaultRate,
		defaultChannels: defaultChannels,
		asyncFileRead:   asyncFileRead,
		logger:          logger.With().Str("component", "beep_backend").Logger(),
	}
}

func (b *BeepBackend) Name() string { return "beep" }

func (b *BeepBackend) Capabilities() Capabilities {
	return Capabilities{NativeTriggers: true, NativePreload: true}
}

// Open decodes by extension. The handle reads no audible output until the
// mixer pulls frames, so it doubles as a preload handle.
func (b *BeepBackend) Open(path string) (Source, error) {
	f, err := b.openReader(path)
	if err != nil {
		return nil, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".ogg", ".oga":
		streamer, format, err = vorbis.Decode(f)
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrFormatUnsupported, path)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &beepSource{file: f, streamer: streamer, format: format}, nil
}

// openReader hands the decoder either the file itself or an in-memory copy.
// Streaming from disk relies on OS readahead keeping up with the render loop;
// the in-memory path trades startup latency for render-time reads that can
// never block on storage.
func (b *BeepBackend) openReader(path string) (io.ReadSeekCloser, error) {
	if b.asyncFileRead {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &memoryFile{Reader: bytes.NewReader(data)}, nil
}

type memoryFile struct {
	*bytes.Reader
}

func (m *memoryFile) Close() error { return nil }

// DeviceFormat reports the configured defaults; the engine has no direct OS
// device query on this backend, and callers treat a zero default as a query
// failure and fall back to the source file's own rate.
func (b *BeepBackend) DeviceFormat(device Device) (int, int, error) {
	if b.defaultRate <= 0 || b.defaultChannels <= 0 {
		return 0, 0, ErrDeviceUnavailable
	}
	return b.defaultRate, b.defaultChannels, nil
}

// OpenStream opens a device output via oto.
func (b *BeepBackend) OpenStream(device Device, sampleRate, channels, blockFrames int) (OutputStream, error) {
	return newOtoStream(sampleRate, channels)
}

// beepSource adapts a beep streamer to the Source interface. Beep always
// yields two-channel samples; the mixer handles channel matching.
type beepSource struct {
	file     io.ReadSeekCloser
	streamer beep.StreamSeekCloser
	format   beep.Format
	buf      [][2]float64
}

func (s *beepSource) SampleRate() int { return int(s.format.SampleRate) }
func (s *beepSource) Channels() int   { return 2 }
func (s *beepSource) Len() int        { return s.streamer.Len() }

func (s *beepSource) Seek(frame int) error {
	if frame < 0 {
		frame = 0
	}
	return s.streamer.Seek(frame)
}

func (s *beepSource) Read(dst []float32) (int, error) {
	frames := len(dst) / 2
	if cap(s.buf) < frames {
		s.buf = make([][2]float64, frames)
	}
	buf := s.buf[:frames]
	n, ok := s.streamer.Stream(buf)
	for i := 0; i < n; i++ {
		dst[i*2] = float32(buf[i][0])
		dst[i*2+1] = float32(buf[i][1])
	}
	if n == 0 && !ok {
		if err := s.streamer.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	return n, nil
}

func (s *beepSource) Close() error {
	err := s.streamer.Close()
	// Some decoders close the reader themselves; a second close is harmless.
	_ = s.file.Close()
	return err
}
