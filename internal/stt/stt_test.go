package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecognizer struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int, _ bool) (TranscriptResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return TranscriptResult{}, f.err
	}
	return TranscriptResult{Text: f.text}, nil
}

func (f *fakeRecognizer) TranscribeFile(ctx context.Context, _ string) (TranscriptResult, error) {
	return f.Transcribe(ctx, nil, 0, 0, true)
}

type fakeModels struct {
	ready bool
	rec   Recognizer
	err   error
}

func (f fakeModels) SelectedReady() bool { return f.ready }

func (f fakeModels) Recognizer(context.Context) (Recognizer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func writeTestWAV(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, 16000, 16, 1, 1)
	if seconds > 0 {
		buf := &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
			Data:           make([]int, seconds*16000),
			SourceBitDepth: 16,
		}
		if err := enc.Write(buf); err != nil {
			t.Fatalf("write wav: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestBatchUsesHeavyWhenReady(t *testing.T) {
	heavy := &fakeRecognizer{text: "heavy words"}
	light := &fakeRecognizer{text: "light words"}
	batch := NewBatchRecognizer(light, fakeModels{ready: true, rec: heavy}, time.Second, discardLogger())

	tr, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Backend != BackendBatchHeavy || tr.Text != "heavy words" || !tr.IsFinal {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if light.calls.Load() != 0 {
		t.Fatalf("light backend should not run")
	}
}

func TestBatchHeavyFailureFallsBackToLight(t *testing.T) {
	heavy := &fakeRecognizer{err: errors.New("model crashed")}
	light := &fakeRecognizer{text: "hello there"}
	batch := NewBatchRecognizer(light, fakeModels{ready: true, rec: heavy}, time.Second, discardLogger())

	tr, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1))
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if tr.Backend != BackendBatchLight || tr.Text == "" {
		t.Fatalf("expected non-empty light transcript, got %+v", tr)
	}
	if heavy.calls.Load() != 1 || light.calls.Load() != 1 {
		t.Fatalf("expected one call per backend, got heavy=%d light=%d", heavy.calls.Load(), light.calls.Load())
	}
}

func TestBatchEmptyHeavyResultFallsBack(t *testing.T) {
	heavy := &fakeRecognizer{text: "   "}
	light := &fakeRecognizer{text: "fallback"}
	batch := NewBatchRecognizer(light, fakeModels{ready: true, rec: heavy}, 0, discardLogger())

	tr, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Backend != BackendBatchLight || tr.Text != "fallback" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestBatchNotReadyUsesLight(t *testing.T) {
	heavy := &fakeRecognizer{text: "heavy"}
	light := &fakeRecognizer{text: "light"}
	batch := NewBatchRecognizer(light, fakeModels{ready: false, rec: heavy}, 0, discardLogger())

	tr, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Backend != BackendBatchLight || heavy.calls.Load() != 0 {
		t.Fatalf("expected light backend only, got %+v", tr)
	}
}

func TestBatchWithoutAnyBackend(t *testing.T) {
	batch := NewBatchRecognizer(nil, fakeModels{}, 0, discardLogger())
	if _, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1)); !errors.Is(err, ErrModelNotReady) {
		t.Fatalf("expected model not ready, got %v", err)
	}
}

func TestBatchNoAudio(t *testing.T) {
	batch := NewBatchRecognizer(&fakeRecognizer{text: "x"}, nil, 0, discardLogger())

	missing := filepath.Join(t.TempDir(), "missing.wav")
	if _, err := batch.Transcribe(context.Background(), missing); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected no audio for missing file, got %v", err)
	}
	if _, err := batch.Transcribe(context.Background(), writeTestWAV(t, 0)); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected no audio for header-only file, got %v", err)
	}
}

func TestBatchLightFailureIsBackendError(t *testing.T) {
	heavy := &fakeRecognizer{err: errors.New("heavy down")}
	light := &fakeRecognizer{err: errors.New("light down")}
	batch := NewBatchRecognizer(light, fakeModels{ready: true, rec: heavy}, 0, discardLogger())

	_, err := batch.Transcribe(context.Background(), writeTestWAV(t, 1))
	if !errors.Is(err, ErrBackendFailure) {
		t.Fatalf("expected backend failure, got %v", err)
	}
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Backend != BackendBatchLight {
		t.Fatalf("expected light BackendError, got %v", err)
	}
}

func TestMockTranscribesFile(t *testing.T) {
	rec := NewMockRecognizer()
	res, err := rec.TranscribeFile(context.Background(), writeTestWAV(t, 2))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[final transcript 2.0s]" {
		t.Fatalf("unexpected mock text %q", res.Text)
	}
}

type collector struct {
	mu  sync.Mutex
	got []Transcript
}

func (c *collector) add(tr Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, tr)
}

func (c *collector) snapshot() []Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transcript(nil), c.got...)
}

func tenthOfSecond() audio.Buffer {
	return audio.Silence(audio.Format{SampleRate: 16000, Channels: 1}, 100*time.Millisecond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStreamingEmitsOrderedPartials(t *testing.T) {
	var out collector
	rec := NewStreamingRecognizer(StreamingOptions{
		Engine:       &fakeRecognizer{text: "so far"},
		PartialEvery: time.Millisecond,
		Logger:       discardLogger(),
		OnTranscript: out.add,
	})
	feed := make(chan audio.Buffer)
	if err := rec.Attach(context.Background(), feed); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := rec.Attach(context.Background(), feed); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected already listening, got %v", err)
	}
	for i := 0; i < 10; i++ {
		feed <- tenthOfSecond()
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, func() bool { return len(out.snapshot()) > 0 })
	rec.Detach()

	got := out.snapshot()
	var last uint64
	for _, tr := range got {
		if tr.IsFinal || tr.Backend != BackendStreaming || tr.Text != "so far" {
			t.Fatalf("unexpected partial %+v", tr)
		}
		if tr.Sequence <= last {
			t.Fatalf("sequence not increasing: %d after %d", tr.Sequence, last)
		}
		last = tr.Sequence
	}
	if rec.State() != StateIdle {
		t.Fatalf("expected idle after detach, got %s", rec.State())
	}
}

func TestStreamingWaitsForMinimumAudio(t *testing.T) {
	engine := &fakeRecognizer{text: "x"}
	rec := NewStreamingRecognizer(StreamingOptions{
		Engine:       engine,
		PartialEvery: time.Millisecond,
		MinAudio:     time.Second,
		Logger:       discardLogger(),
	})
	feed := make(chan audio.Buffer)
	if err := rec.Attach(context.Background(), feed); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for i := 0; i < 5; i++ {
		feed <- tenthOfSecond()
	}
	rec.Detach()
	if engine.calls.Load() != 0 {
		t.Fatalf("expected no recognition below minimum audio, got %d calls", engine.calls.Load())
	}
}

func TestStreamingEngineErrorCancelsButKeepsDraining(t *testing.T) {
	var out collector
	rec := NewStreamingRecognizer(StreamingOptions{
		Engine:       &fakeRecognizer{err: errors.New("engine gone")},
		PartialEvery: time.Millisecond,
		Logger:       discardLogger(),
		OnTranscript: out.add,
	})
	feed := make(chan audio.Buffer)
	if err := rec.Attach(context.Background(), feed); err != nil {
		t.Fatalf("attach: %v", err)
	}
	feed <- tenthOfSecond()
	waitFor(t, func() bool { return rec.State() == StateCancelled })

	for i := 0; i < 5; i++ {
		select {
		case feed <- tenthOfSecond():
		case <-time.After(time.Second):
			t.Fatal("cancelled recognizer stopped draining its feed")
		}
	}
	rec.Detach()
	rec.Detach()
	if len(out.snapshot()) != 0 {
		t.Fatalf("expected no transcripts after engine failure")
	}
	if rec.State() != StateIdle {
		t.Fatalf("expected idle, got %s", rec.State())
	}
}

func TestStreamingStopsWhenFeedCloses(t *testing.T) {
	rec := NewStreamingRecognizer(StreamingOptions{Engine: &fakeRecognizer{text: "x"}, Logger: discardLogger()})
	feed := make(chan audio.Buffer)
	if err := rec.Attach(context.Background(), feed); err != nil {
		t.Fatalf("attach: %v", err)
	}
	close(feed)
	done := make(chan struct{})
	go func() {
		rec.Detach()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detach hung after feed closed")
	}
}

func TestParseExecOutput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"text", `{"text":" hello there ","confidence":0.8}`, "hello there"},
		{"segments", `{"segments":[{"text":" hello"},{"text":""},{"text":"there "}]}`, "hello there"},
		{"text wins", `{"text":"one","segments":[{"text":"two"}]}`, "one"},
		{"empty", `{}`, ""},
	}
	for _, tc := range cases {
		got, err := parseExecOutput([]byte(tc.in))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Text != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got.Text)
		}
	}
	if _, err := parseExecOutput([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecRecognizerArguments(t *testing.T) {
	rec, err := NewExecRecognizer(config.EngineConfig{Command: `whisper-cli --threads 4 --json`, ModelPath: "/m/base.bin"}, "en")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := strings.Join(rec.(*execRecognizer).args("/tmp/a.wav", true), " ")
	want := "--threads 4 --json --audio /tmp/a.wav --model /m/base.bin --language en --partial"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if _, err := NewExecRecognizer(config.EngineConfig{Command: ""}, "en"); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestUnconfiguredRecognizerNeverInventsText(t *testing.T) {
	for _, mode := range []string{"", "none"} {
		rec, err := NewRecognizer(config.EngineConfig{Mode: mode}, "en")
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		batch := NewBatchRecognizer(rec, fakeModels{ready: false}, time.Second, discardLogger())
		tr, err := batch.Transcribe(context.Background(), writeTestWAV(t, 12))
		if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, ErrNoRecognizer) {
			t.Fatalf("mode %q: expected backend failure from missing recognizer, got %v", mode, err)
		}
		if tr.Text != "" {
			t.Fatalf("mode %q: expected no text, got %q", mode, tr.Text)
		}
	}
}
