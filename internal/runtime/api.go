package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/notes"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	maxPushBytes    = 4 << 20
	liveWriteWindow = 5 * time.Second
)

type APIOptions struct {
	Services Services
	Metrics  http.Handler
	Ready    func() bool
	BaseCtx  context.Context
	Logger   *slog.Logger
}

// API exposes capture, models and notes over HTTP.
type API struct {
	svc      Services
	metrics  http.Handler
	ready    func() bool
	baseCtx  context.Context
	logger   *slog.Logger
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewAPI(opts APIOptions) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := opts.BaseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &API{
		svc:     opts.Services,
		metrics: opts.Metrics,
		ready:   ready,
		baseCtx: ctx,
		logger:  logger.With(slog.String("component", "http-api")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}

	mux.HandleFunc("POST /capture/start", a.handleCaptureStart)
	mux.HandleFunc("POST /capture/stop", a.handleCaptureStop)
	mux.HandleFunc("POST /capture/audio", a.handleCaptureAudio)
	mux.HandleFunc("GET /capture/live", a.handleCaptureLive)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", a.handleSessionEvents)

	mux.HandleFunc("GET /models", a.handleModels)
	mux.HandleFunc("POST /models/{id}/download", a.handleModelDownload)
	mux.HandleFunc("DELETE /models/{id}/download", a.handleModelCancel)
	mux.HandleFunc("DELETE /models/{id}", a.handleModelDelete)
	mux.HandleFunc("POST /models/{id}/select", a.handleModelSelect)
	mux.HandleFunc("POST /models/{id}/preload", a.handleModelPreload)

	mux.HandleFunc("GET /notes", a.handleNotes)
	mux.HandleFunc("GET /notes/{id}", a.handleNoteGet)
	mux.HandleFunc("DELETE /notes/{id}", a.handleNoteDelete)
	mux.HandleFunc("POST /notes/{id}/reprocess", a.handleNoteReprocess)
	return mux
}

// Wait blocks until background downloads started through the API finish.
func (a *API) Wait() {
	a.wg.Wait()
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *API) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Capture.StartCapture(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	info, _ := a.svc.Capture.Active()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": info.ID,
		"started_at": info.Started,
	})
}

type stopResponse struct {
	Capture          capture.Result `json:"capture"`
	Note             *notes.Note    `json:"note,omitempty"`
	RecognitionError string         `json:"recognition_error,omitempty"`
	NoteError        string         `json:"note_error,omitempty"`
}

func (a *API) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	result, err := a.svc.Capture.StopCapture(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp := stopResponse{Capture: result}
	if result.RecognitionErr != nil {
		resp.RecognitionError = result.RecognitionErr.Error()
	}
	if a.svc.Notes != nil {
		note, err := a.svc.Notes.Process(r.Context(), result, r.URL.Query().Get("topic"))
		switch {
		case err == nil:
			resp.Note = &note
		case errors.Is(err, notes.ErrEmptyTranscript):
			a.logger.Info("no note saved for empty transcript", slog.String("session_id", result.SessionID))
		default:
			a.logger.Error("failed to save note", slog.String("session_id", result.SessionID), slogError(err))
			resp.NoteError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCaptureAudio feeds 16-bit little endian PCM to the push device.
func (a *API) handleCaptureAudio(w http.ResponseWriter, r *http.Request) {
	if a.svc.Push == nil {
		http.Error(w, "capture device does not accept pushed audio", http.StatusConflict)
		return
	}
	rate := queryInt(r, "sample_rate", 16000)
	channels := queryInt(r, "channels", a.svc.Push.InputChannels())
	pcm, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	buf, err := audio.BufferFromPCM(pcm, rate, channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.svc.Push.Push(buf); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCaptureLive(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusOK, a.svc.Capture.Live())
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	updates, cancel := a.svc.Capture.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if current := a.svc.Capture.Live(); current.Text != "" {
		if err := a.writeLive(conn, current); err != nil {
			return
		}
	}
	for {
		select {
		case <-closed:
			return
		case <-a.baseCtx.Done():
			return
		case tr, ok := <-updates:
			if !ok {
				return
			}
			if err := a.writeLive(conn, tr); err != nil {
				a.logger.Debug("live transcript client gone", slogError(err))
				return
			}
		}
	}
}

func (a *API) writeLive(conn *websocket.Conn, tr stt.Transcript) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWindow))
	return conn.WriteJSON(tr)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.Events.ListSessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.svc.Events.ListSessionEvents(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Models.Statuses())
}

// handleModelDownload starts a download in the background. With ?wait=true
// it answers only once the download has finished.
func (a *API) handleModelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := a.svc.Models.State(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if state.Phase == models.PhaseDownloading {
		a.writeError(w, models.ErrDownloadInProgress)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := a.svc.Models.Download(r.Context(), id, nil); err != nil {
			a.writeError(w, err)
			return
		}
		state, _ = a.svc.Models.State(id)
		writeJSON(w, http.StatusOK, state)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.svc.Models.Download(a.baseCtx, id, nil); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("model download failed", slog.String("variant", id), slogError(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, models.State{Phase: models.PhaseDownloading})
}

func (a *API) handleModelCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Models.Cancel(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Models.Delete(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleModelSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.Models.Select(id); err != nil {
		a.writeError(w, err)
		return
	}
	state, _ := a.svc.Models.State(id)
	writeJSON(w, http.StatusOK, models.VariantStatus{ID: id, Selected: true, State: state})
}

func (a *API) handleModelPreload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.Models.Preload(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variant": id, "ready": a.svc.Models.IsReady(id)})
}

func (a *API) handleNotes(w http.ResponseWriter, r *http.Request) {
	if a.svc.Repo == nil {
		http.Error(w, "notes are disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	var (
		list []notes.Note
		err  error
	)
	switch {
	case q.Has("date"):
		day, perr := time.ParseInLocation("2006-01-02", q.Get("date"), time.Local)
		if perr != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		list, err = a.svc.Repo.ListByDate(r.Context(), day)
	case q.Has("topic"):
		list, err = a.svc.Repo.ListByTopic(r.Context(), q.Get("topic"))
	default:
		http.Error(w, "topic or date query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	if list == nil {
		list = []notes.Note{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleNoteGet(w http.ResponseWriter, r *http.Request) {
	if a.svc.Repo == nil {
		a.writeError(w, notes.ErrNoteNotFound)
		return
	}
	note, err := a.svc.Repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (a *API) handleNoteDelete(w http.ResponseWriter, r *http.Request) {
	if a.svc.Repo == nil {
		a.writeError(w, notes.ErrNoteNotFound)
		return
	}
	if err := a.svc.Repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleNoteReprocess(w http.ResponseWriter, r *http.Request) {
	if a.svc.Notes == nil {
		a.writeError(w, notes.ErrNoteNotFound)
		return
	}
	note, err := a.svc.Notes.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", slog.Int("status", status), slogError(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var dl *models.DownloadError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, models.ErrNoHeavyCommand):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrNoActiveRecording),
		errors.Is(err, audio.ErrDeviceStopped),
		errors.Is(err, models.ErrDownloadInProgress),
		errors.Is(err, models.ErrNotDownloading),
		errors.Is(err, stt.ErrModelNotReady),
		errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnknownVariant), errors.Is(err, notes.ErrNoteNotFound):
		return http.StatusNotFound
	case errors.As(err, &dl):
		switch dl.Kind {
		case models.KindNetwork:
			return http.StatusBadGateway
		case models.KindDisk:
			return http.StatusInsufficientStorage
		case models.KindCorrupt:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
