package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// ErrNotWAV is returned when a file is not a readable PCM WAV container.
var ErrNotWAV = errors.New("not a valid wav file")

type wavWriter struct {
	file   *os.File
	enc    *wav.Encoder
	format Format
	ints   []int
}

func createWAV(path string, f Format) (*wavWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	w := &wavWriter{
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, bitDepth, f.Channels, 1),
		format: f,
	}
	// The header goes out now so a recording stopped before any audio
	// arrives is still a readable, empty WAV.
	if err := w.encode(nil); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) Write(b Buffer) error {
	if len(b.Samples) == 0 {
		return nil
	}
	if cap(w.ints) < len(b.Samples) {
		w.ints = make([]int, len(b.Samples))
	}
	ints := w.ints[:len(b.Samples)]
	for i, s := range b.Samples {
		ints[i] = int(s)
	}
	return w.encode(ints)
}

func (w *wavWriter) encode(ints []int) error {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           ints,
		SourceBitDepth: bitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Close patches the RIFF header and closes the file.
func (w *wavWriter) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close recording: %w", fileErr)
	}
	return nil
}

// WriteWAV stores b as a 16-bit PCM file at path.
func WriteWAV(path string, b Buffer) error {
	w, err := createWAV(path, Format{SampleRate: b.SampleRate, Channels: b.Channels})
	if err != nil {
		return err
	}
	if err := w.Write(b); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// WAVInfo summarizes a recorded file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
	Duration   time.Duration
}

// ReadWAVInfo reads the header and data length of a WAV file.
func ReadWAVInfo(path string) (WAVInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer file.Close()

	// IsValidFile rejects zero-length audio, which is a valid empty recording here.
	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	if dec.Err() != nil || dec.NumChans < 1 || dec.BitDepth < 8 {
		return WAVInfo{}, ErrNotWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return WAVInfo{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	frameBytes := int64(info.Channels) * int64(info.BitDepth/8)
	if frameBytes > 0 {
		info.Frames = dec.PCMLen() / frameBytes
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames * int64(time.Second) / int64(info.SampleRate))
	}
	return info, nil
}

// ReadWAV decodes a whole 16-bit WAV file into one buffer.
func ReadWAV(path string) (Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Buffer{}, ErrNotWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	if pcm.SourceBitDepth != 0 && pcm.SourceBitDepth != bitDepth {
		return Buffer{}, fmt.Errorf("%w: unsupported bit depth %d", ErrNotWAV, pcm.SourceBitDepth)
	}
	samples := make([]int16, len(pcm.Data))
	for i, v := range pcm.Data {
		samples[i] = int16(v)
	}
	return Buffer{
		Samples:    samples,
		Channels:   pcm.Format.NumChannels,
		SampleRate: pcm.Format.SampleRate,
	}, nil
}
