/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/hajimehoshi/oto/v2"
)

// One oto context per process; oto rejects a second one.
var (
	otoMu       sync.Mutex
	otoCtx      *oto.Context
	otoReady    chan struct{}
	otoRate     int
	otoChannels int
)

// otoStream bridges the mixer's push-style block writes to oto's pull-style
// player through a pipe. Write blocks when the pipe is full, which paces the
// mixer loop at device cadence.
type otoStream struct {
	player oto.Player
	pw     *io.PipeWriter
	buf    []byte
}

func newOtoStream(sampleRate, channels int) (OutputStream, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx == nil {
		ctx, ready, err := oto.NewContext(sampleRate, channels, 2)
		if err != nil {
			return nil, fmt.Errorf("oto context: %w", err)
		}
		otoCtx, otoReady, otoRate, otoChannels = ctx, ready, sampleRate, channels
	} else if otoRate != sampleRate || otoChannels != channels {
		return nil, fmt.Errorf("oto context already open at %d Hz/%d ch, requested %d/%d",
			otoRate, otoChannels, sampleRate, channels)
	}

	<-otoReady

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()
	return &otoStream{player: player, pw: pw}, nil
}

// Write converts the mixed float block to 16-bit little-endian PCM.
// Values outside [-1, 1] are clipped during the conversion.
func (s *otoStream) Write(samples []float32) error {
	need := len(samples) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	_, err := s.pw.Write(buf)
	return err
}

func (s *otoStream) Close() error {
	err := s.pw.Close()
	s.player.Close()
	return err
}

// NullOutputStream discards samples. Used when no device is available and in
// tests; an optional writes slice captures each block.
type NullOutputStream struct {
	SampleRate int
	Channels   int

	mu     sync.Mutex
	writes [][]float32
	record bool
	closed bool
}

// NewNullOutputStream creates a discarding stream. When record is true each
// written block is retained for inspection.
func NewNullOutputStream(sampleRate, channels int, record bool) *NullOutputStream {
	return &NullOutputStream{SampleRate: sampleRate, Channels: channels, record: record}
}

func (s *NullOutputStream) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if s.record {
		block := make([]float32, len(samples))
		copy(block, samples)
		s.writes = append(s.writes, block)
	}
	return nil
}

// Writes returns the captured blocks.
func (s *NullOutputStream) Writes() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *NullOutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
