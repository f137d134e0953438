package stt

import (
	"context"
	"fmt"
)

// mockRecognizer reports how much audio it was given instead of words. It is
// for tests and demos only and is never selected unless configured by name.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return mockRecognizer{}
}

func (mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	kind := "partial"
	if final {
		kind = "final"
	}
	return TranscriptResult{Text: fmt.Sprintf("[%s transcript %s]", kind, audioLength(len(pcm), sampleRate, channels))}, nil
}

func (m mockRecognizer) TranscribeFile(ctx context.Context, path string) (TranscriptResult, error) {
	pcm, rate, channels, err := pcmFromFile(path)
	if err != nil {
		return TranscriptResult{}, err
	}
	return m.Transcribe(ctx, pcm, rate, channels, true)
}

// audioLength formats the duration of 16-bit PCM with one decimal.
func audioLength(bytes, sampleRate, channels int) string {
	if sampleRate <= 0 || channels <= 0 {
		return "0.0s"
	}
	frames := bytes / 2 / channels
	return fmt.Sprintf("%.1fs", float64(frames)/float64(sampleRate))
}
