// Package stt turns recorded audio into text. A StreamingRecognizer produces
// partial transcripts while recording; a BatchRecognizer produces the final
// transcript from the finished file.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Transcribe works on raw PCM accumulated
// in memory; TranscribeFile recognizes a complete recording.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
	TranscribeFile(ctx context.Context, path string) (TranscriptResult, error)
}

// Backend identifies which recognizer produced a transcript.
type Backend int

const (
	BackendStreaming Backend = iota + 1
	BackendBatchLight
	BackendBatchHeavy
)

func (b Backend) String() string {
	switch b {
	case BackendStreaming:
		return "streaming"
	case BackendBatchLight:
		return "batch-light"
	case BackendBatchHeavy:
		return "batch-heavy"
	default:
		return "none"
	}
}

func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Backend) UnmarshalText(text []byte) error {
	switch string(text) {
	case "streaming":
		*b = BackendStreaming
	case "batch-light":
		*b = BackendBatchLight
	case "batch-heavy":
		*b = BackendBatchHeavy
	case "none", "":
		*b = 0
	default:
		return fmt.Errorf("unknown backend %q", text)
	}
	return nil
}

// Transcript is an immutable recognition result.
type Transcript struct {
	Text     string    `json:"text"`
	IsFinal  bool      `json:"is_final"`
	Backend  Backend   `json:"backend"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

var (
	ErrModelNotReady  = errors.New("selected model is not ready")
	ErrNoAudio        = errors.New("recording contains no audio")
	ErrBackendFailure = errors.New("recognition backend failed")
	ErrNoRecognizer   = errors.New("no speech recognizer configured")
)

// BackendError wraps a failure of a specific backend. It matches
// ErrBackendFailure with errors.Is.
type BackendError struct {
	Backend Backend
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s recognizer: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendFailure, e.Err}
}

// NewRecognizer builds the backend described by cfg. "mock" must be asked for
// explicitly; an unset mode yields a recognizer that never produces text.
func NewRecognizer(cfg config.EngineConfig, language string) (Recognizer, error) {
	switch cfg.Mode {
	case "", "none":
		return unavailableRecognizer{}, nil
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg, language)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// unavailableRecognizer stands in when no local engine is installed. Every
// call fails with ErrNoRecognizer so callers take their fallback or report
// the failure instead of showing text nobody said.
type unavailableRecognizer struct{}

func (unavailableRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, ErrNoRecognizer
}

func (unavailableRecognizer) TranscribeFile(context.Context, string) (TranscriptResult, error) {
	return TranscriptResult{}, ErrNoRecognizer
}

// pcmFromFile loads a recording for backends that only accept PCM.
func pcmFromFile(path string) ([]byte, int, int, error) {
	buf, err := audio.ReadWAV(path)
	if err != nil {
		return nil, 0, 0, err
	}
	return buf.PCM(), buf.SampleRate, buf.Channels, nil
}
