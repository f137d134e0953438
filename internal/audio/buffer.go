// Package audio owns the capture side of a recording: input devices, the
// live buffer fan-out and the WAV file every session leaves behind.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes the PCM layout the capture session records.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// FrameSamples is the number of samples per channel in one frame.
func (f Format) FrameSamples() int {
	n := int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
	if n <= 0 {
		return 1
	}
	return n
}

// Buffer is one chunk of interleaved signed 16-bit PCM.
type Buffer struct {
	Samples    []int16
	Channels   int
	SampleRate int
	Captured   time.Time
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// Clone returns a copy that does not share sample storage with b.
func (b Buffer) Clone() Buffer {
	out := b
	out.Samples = append([]int16(nil), b.Samples...)
	return out
}

// PCM encodes the samples as little-endian bytes.
func (b Buffer) PCM() []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BufferFromPCM decodes little-endian 16-bit PCM bytes.
func BufferFromPCM(pcm []byte, sampleRate, channels int) (Buffer, error) {
	if len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 || sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("invalid pcm format %d Hz / %d channels", sampleRate, channels)
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return Buffer{Samples: samples, Channels: channels, SampleRate: sampleRate}, nil
}

// Silence returns a zeroed buffer covering d.
func Silence(f Format, d time.Duration) Buffer {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return Buffer{
		Samples:    make([]int16, frames*f.Channels),
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
	}
}
