package models

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newManager(t *testing.T, variants []config.ModelVariant, loader Loader) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Config: config.ModelsConfig{
			Directory:         t.TempDir(),
			Selected:          variants[0].ID,
			PayloadExtensions: []string{".bin", ".gguf"},
			Variants:          variants,
		},
		Loader: loader,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func payloadServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		for off := 0; off < len(body); off += 4096 {
			end := off + 4096
			if end > len(body) {
				end = len(body)
			}
			_, _ = w.Write(body[off:end])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stagingLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read models dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestDownloadProgressIsMonotonicAndEndsAtOne(t *testing.T) {
	body := bytes.Repeat([]byte{0x42}, 256*1024)
	srv := payloadServer(t, body)
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL + "/model.bin", SHA256: checksum(body), Size: int64(len(body))}},
	}}, nil)

	var updates []State
	if err := m.Download(context.Background(), "base", func(s State) { updates = append(updates, s) }); err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(updates) == 0 {
		t.Fatal("expected progress updates")
	}
	last := -1.0
	for _, u := range updates {
		if u.Progress < last || u.Progress < 0 || u.Progress > 1 {
			t.Fatalf("progress not monotonic within [0,1]: %v", updates)
		}
		last = u.Progress
	}
	final := updates[len(updates)-1]
	if final.Progress != 1.0 || final.Phase != PhaseReady {
		t.Fatalf("expected final progress 1.0 ready, got %+v", final)
	}
	if !m.IsReady("base") || !m.SelectedReady() {
		t.Fatal("expected variant ready after download")
	}
	if left := stagingLeftovers(t, m.dir); len(left) != 0 {
		t.Fatalf("staging left behind: %v", left)
	}
}

func TestStateShowsProgressWhileDownloading(t *testing.T) {
	body := bytes.Repeat([]byte{0x17}, 64*1024)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write(body[len(body)/2:])
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL, SHA256: checksum(body), Size: int64(len(body))}},
	}}, nil)

	done := make(chan error, 1)
	go func() { done <- m.Download(context.Background(), "base", nil) }()

	deadline := time.Now().Add(2 * time.Second)
	var mid State
	for {
		var err error
		mid, err = m.State("base")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if mid.Progress > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mid.Phase != PhaseDownloading || mid.Progress <= 0 || mid.Progress >= 1 {
		t.Fatalf("expected partial progress mid-download, got %+v", mid)
	}
	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].State.Progress < mid.Progress {
		t.Fatalf("statuses lag state: %+v", statuses)
	}

	unblock()
	if err := <-done; err != nil {
		t.Fatalf("download: %v", err)
	}
	if final, _ := m.State("base"); final.Phase != PhaseReady || final.Progress != 1 {
		t.Fatalf("expected ready at 1, got %+v", final)
	}
}

func TestDeleteReturnsToAbsent(t *testing.T) {
	body := []byte("weights")
	srv := payloadServer(t, body)
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL}},
	}}, nil)

	if err := m.Delete("base"); err != nil {
		t.Fatalf("delete absent model should be a no-op: %v", err)
	}
	if err := m.Download(context.Background(), "base", nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := m.Delete("base"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	state, err := m.State("base")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Phase != PhaseAbsent || m.IsReady("base") {
		t.Fatalf("expected absent after delete, got %+v", state)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "base")); !os.IsNotExist(err) {
		t.Fatalf("expected payload directory removed, got %v", err)
	}
}

func TestChecksumMismatchIsCorrupt(t *testing.T) {
	srv := payloadServer(t, []byte("tampered"))
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL, SHA256: checksum([]byte("original"))}},
	}}, nil)

	err := m.Download(context.Background(), "base", nil)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Kind != KindCorrupt {
		t.Fatalf("expected corrupt download error, got %v", err)
	}
	if state, _ := m.State("base"); state.Phase != PhaseAbsent {
		t.Fatalf("expected absent, got %+v", state)
	}
	if left := stagingLeftovers(t, m.dir); len(left) != 0 {
		t.Fatalf("staging left behind: %v", left)
	}
}

func TestDownloadWithoutPayloadIsCorrupt(t *testing.T) {
	srv := payloadServer(t, []byte(`{"vocab": 1}`))
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "config.json", URL: srv.URL}},
	}}, nil)

	err := m.Download(context.Background(), "base", nil)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Kind != KindCorrupt {
		t.Fatalf("expected corrupt download error, got %v", err)
	}
}

func TestServerErrorIsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL}},
	}}, nil)

	err := m.Download(context.Background(), "base", nil)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Kind != KindNetwork {
		t.Fatalf("expected network download error, got %v", err)
	}
}

func TestCancelLeavesVariantAbsent(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()
	m := newManager(t, []config.ModelVariant{{
		ID:    "base",
		Files: []config.ModelFile{{Name: "model.bin", URL: srv.URL}},
	}}, nil)

	done := make(chan error, 1)
	go func() { done <- m.Download(context.Background(), "base", nil) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("download never reached the server")
	}
	if err := m.Delete("base"); !errors.Is(err, ErrDownloadInProgress) {
		t.Fatalf("expected delete refused while downloading, got %v", err)
	}
	if err := m.Cancel("base"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download did not stop after cancel")
	}
	if state, _ := m.State("base"); state.Phase != PhaseAbsent {
		t.Fatalf("expected absent after cancel, got %+v", state)
	}
	if left := stagingLeftovers(t, m.dir); len(left) != 0 {
		t.Fatalf("staging left behind: %v", left)
	}
	if err := m.Cancel("base"); !errors.Is(err, ErrNotDownloading) {
		t.Fatalf("expected not downloading, got %v", err)
	}
}

func TestReadinessNeedsRealPayload(t *testing.T) {
	m := newManager(t, []config.ModelVariant{{ID: "base"}}, nil)
	dir := filepath.Join(m.dir, "base")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, content := range map[string]string{".placeholder": "x", "README.md": "notes", "model.bin": "", ".hidden.bin": "x"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if m.IsReady("base") {
		t.Fatal("placeholder files must not make a model ready")
	}

	if err := os.WriteFile(filepath.Join(dir, "model.bin"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if !m.IsReady("base") {
		t.Fatal("expected ready with payload present")
	}

	if err := os.Remove(filepath.Join(dir, "model.bin")); err != nil {
		t.Fatalf("remove payload: %v", err)
	}
	if m.IsReady("base") {
		t.Fatal("expected not ready once payload is gone")
	}
	if state, _ := m.State("base"); state.Phase != PhaseAbsent {
		t.Fatalf("expected absent, got %+v", state)
	}
}

type stubRecognizer struct{ name string }

func (s stubRecognizer) Transcribe(context.Context, []byte, int, int, bool) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{Text: s.name}, nil
}

func (s stubRecognizer) TranscribeFile(context.Context, string) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{Text: s.name}, nil
}

func writePayload(t *testing.T, m *Manager, id string) {
	t.Helper()
	dir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.gguf"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestPreloadSharesOneLoad(t *testing.T) {
	var loads atomic.Int32
	loader := func(_ context.Context, v config.ModelVariant, payload string) (stt.Recognizer, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		if filepath.Base(payload) != "model.gguf" {
			return nil, errors.New("unexpected payload " + payload)
		}
		return stubRecognizer{name: v.ID}, nil
	}
	m := newManager(t, []config.ModelVariant{{ID: "base"}, {ID: "large"}}, loader)

	if _, err := m.Recognizer(context.Background()); !errors.Is(err, stt.ErrModelNotReady) {
		t.Fatalf("expected model not ready, got %v", err)
	}
	if err := m.Preload(context.Background(), "base"); err != nil {
		t.Fatalf("preload of absent model should be a no-op: %v", err)
	}
	if loads.Load() != 0 {
		t.Fatal("absent model must not load")
	}

	writePayload(t, m, "base")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Preload(context.Background(), "base"); err != nil {
				t.Errorf("preload: %v", err)
			}
		}()
	}
	wg.Wait()
	if loads.Load() != 1 {
		t.Fatalf("expected a single load, got %d", loads.Load())
	}

	rec, err := m.Recognizer(context.Background())
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	if res, _ := rec.TranscribeFile(context.Background(), ""); res.Text != "base" {
		t.Fatalf("unexpected recognizer %q", res.Text)
	}
	if loads.Load() != 1 {
		t.Fatalf("recognizer should reuse preloaded model, loads=%d", loads.Load())
	}

	writePayload(t, m, "large")
	if err := m.Select("large"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := m.Select("missing"); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected unknown variant, got %v", err)
	}
	rec, err = m.Recognizer(context.Background())
	if err != nil {
		t.Fatalf("recognizer after select: %v", err)
	}
	if res, _ := rec.TranscribeFile(context.Background(), ""); res.Text != "large" {
		t.Fatalf("expected large recognizer, got %q", res.Text)
	}
	if err := m.Select("base"); err != nil {
		t.Fatalf("select back: %v", err)
	}
	if _, err := m.Recognizer(context.Background()); err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	if loads.Load() != 3 {
		t.Fatalf("expected reload after switching back, loads=%d", loads.Load())
	}
}

func TestUnknownSelectedVariantRejected(t *testing.T) {
	_, err := NewManager(Options{
		Config: config.ModelsConfig{Directory: t.TempDir(), Selected: "nope", Variants: []config.ModelVariant{{ID: "base"}}},
		Logger: discardLogger(),
	})
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected unknown variant, got %v", err)
	}
}

func TestReadyModelWithoutCommandIsNotRunnable(t *testing.T) {
	m := newManager(t, []config.ModelVariant{{ID: "base"}}, ExecLoader("", "en"))
	writePayload(t, m, "base")
	if !m.SelectedReady() {
		t.Fatal("expected selected model ready")
	}
	if err := m.Preload(context.Background(), "base"); !errors.Is(err, ErrNoHeavyCommand) {
		t.Fatalf("expected missing command error, got %v", err)
	}
	if _, err := m.Recognizer(context.Background()); !errors.Is(err, ErrNoHeavyCommand) {
		t.Fatalf("expected missing command error, got %v", err)
	}

	rec, err := ExecLoader("whisper-cli --json", "en")(context.Background(), config.ModelVariant{ID: "base"}, "/models/base/model.bin")
	if err != nil || rec == nil {
		t.Fatalf("expected exec recognizer, got %v", err)
	}
}

func TestBatchRechecksReadinessBeforeEachRun(t *testing.T) {
	m := newManager(t, []config.ModelVariant{{ID: "base"}}, func(context.Context, config.ModelVariant, string) (stt.Recognizer, error) {
		return stubRecognizer{name: "heavy words"}, nil
	})
	writePayload(t, m, "base")
	batch := stt.NewBatchRecognizer(stubRecognizer{name: "light words"}, m, time.Second, discardLogger())

	recording := filepath.Join(t.TempDir(), "rec.wav")
	if err := audio.WriteWAV(recording, audio.Silence(audio.Format{SampleRate: 16000, Channels: 1}, time.Second)); err != nil {
		t.Fatalf("write recording: %v", err)
	}

	first, err := batch.Transcribe(context.Background(), recording)
	if err != nil {
		t.Fatalf("first transcribe: %v", err)
	}
	if first.Backend != stt.BackendBatchHeavy || first.Text != "heavy words" {
		t.Fatalf("expected heavy transcript, got %+v", first)
	}

	if err := m.Delete("base"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := batch.Transcribe(context.Background(), recording)
	if err != nil {
		t.Fatalf("second transcribe: %v", err)
	}
	if second.Backend != stt.BackendBatchLight || second.Text != "light words" {
		t.Fatalf("expected light transcript after delete, got %+v", second)
	}
}
