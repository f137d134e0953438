// Package capture coordinates one recording: the audio session, the live
// streaming transcript and the final batch pass when recording stops.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transcriber produces the final transcript of a recording.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (stt.Transcript, error)
}

// Publisher sends transcripts to the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Result is the outcome of a stopped capture. RecognitionErr is informative
// only: a failed final pass still yields a Result.
type Result struct {
	SessionID       string      `json:"session_id"`
	Text            string      `json:"text"`
	AudioPath       string      `json:"audio_path"`
	DurationSeconds float64     `json:"duration_seconds"`
	Backend         stt.Backend `json:"backend"`
	FellBack        bool        `json:"fell_back"`
	RecognitionErr  error       `json:"-"`
}

type Options struct {
	Session   *audio.CaptureSession
	Batch     Transcriber
	Streaming stt.StreamingOptions
	Events    *eventstore.Store
	Publisher Publisher
	DeviceID  string
	Logger    *slog.Logger
}

type Orchestrator struct {
	session   *audio.CaptureSession
	batch     Transcriber
	streamOpt stt.StreamingOptions
	events    *eventstore.Store
	publisher Publisher
	deviceID  string
	logger    *slog.Logger

	mu         sync.Mutex
	streaming  *stt.StreamingRecognizer
	cancelFeed func()
	sessionID  string

	liveMu sync.RWMutex
	live   stt.Transcript
	hub    *hub

	sessions metric.Int64Counter
}

func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Streaming.Logger == nil {
		opts.Streaming.Logger = logger
	}
	sessions, _ := otel.Meter("github.com/loqalabs/loqa-scribe/internal/capture").Int64Counter(
		"scribe.capture.sessions",
		metric.WithDescription("Recording sessions by outcome"))
	return &Orchestrator{
		session:   opts.Session,
		batch:     opts.Batch,
		streamOpt: opts.Streaming,
		events:    opts.Events,
		publisher: opts.Publisher,
		deviceID:  opts.DeviceID,
		logger:    logger.With(slog.String("component", "capture")),
		hub:       newHub(16),
		sessions:  sessions,
	}
}

// StartCapture begins a new recording with a live transcript. Any session
// still running is torn down first.
func (o *Orchestrator) StartCapture(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.streaming != nil {
		o.logger.Info("tearing down unfinished capture", slog.String("session_id", o.sessionID))
		o.detachLocked()
		if rec, err := o.session.Stop(); err == nil {
			o.record(ctx, rec.SessionID, eventstore.EventCaptureStopped, map[string]any{"duration_seconds": rec.DurationSeconds, "abandoned": true})
			_ = o.events.FinishSession(ctx, rec.SessionID, rec.DurationSeconds, "")
		}
	}

	if err := o.session.Start(ctx); err != nil {
		o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "start_failed")))
		return err
	}
	info, _ := o.session.Active()
	feed, cancelFeed, err := o.session.Subscribe()
	if err != nil {
		_, _ = o.session.Stop()
		return err
	}

	o.resetLive()
	opts := o.streamOpt
	opts.OnTranscript = o.onPartial(info.ID)
	streaming := stt.NewStreamingRecognizer(opts)
	if err := streaming.Attach(context.WithoutCancel(ctx), feed); err != nil {
		cancelFeed()
		_, _ = o.session.Stop()
		return err
	}
	o.streaming = streaming
	o.cancelFeed = cancelFeed
	o.sessionID = info.ID

	if err := o.events.BeginSession(ctx, eventstore.Session{ID: info.ID, DeviceID: o.deviceID, AudioPath: info.Path, StartedAt: info.Started}); err != nil {
		o.logger.Warn("failed to record capture session", slog.String("session_id", info.ID), slogError(err))
	}
	o.record(ctx, info.ID, eventstore.EventCaptureStarted, map[string]any{"path": info.Path})
	o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "started")))
	o.logger.Info("capture started", slog.String("session_id", info.ID))
	return nil
}

// StopCapture ends the recording and produces the final transcript. Only
// capture lifecycle failures are returned as errors; a failed recognition
// falls back to the live transcript and is reported in Result.
func (o *Orchestrator) StopCapture(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.detachLocked()
	rec, err := o.session.Stop()
	o.sessionID = ""
	if err != nil {
		if !errors.Is(err, audio.ErrNoActiveRecording) {
			o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "stop_failed")))
		}
		return Result{}, err
	}
	o.record(ctx, rec.SessionID, eventstore.EventCaptureStopped, map[string]any{"duration_seconds": rec.DurationSeconds})

	live := o.Live()
	result := Result{
		SessionID:       rec.SessionID,
		AudioPath:       rec.FilePath,
		DurationSeconds: rec.DurationSeconds,
	}

	final, recErr := o.batch.Transcribe(ctx, rec.FilePath)
	switch {
	case (recErr != nil || strings.TrimSpace(final.Text) == "") && strings.TrimSpace(live.Text) != "":
		result.Text = live.Text
		result.Backend = stt.BackendStreaming
		result.FellBack = true
	case recErr != nil:
		result.Backend = final.Backend
	default:
		result.Text = final.Text
		result.Backend = final.Backend
	}
	result.RecognitionErr = recErr

	if recErr != nil {
		o.logger.Warn("final recognition failed", slog.String("session_id", rec.SessionID), slog.Bool("fell_back", result.FellBack), slogError(recErr))
	}

	superseding := o.supersedeLive(stt.Transcript{
		Text:    result.Text,
		IsFinal: true,
		Backend: result.Backend,
		At:      time.Now().UTC(),
	})
	o.hub.broadcast(superseding)
	o.publish(protocol.SubjectTranscriptFinal, rec.SessionID, superseding, result.FellBack)

	eventType := eventstore.EventTranscriptFinal
	if result.FellBack {
		eventType = eventstore.EventTranscriptFallback
	}
	payload := map[string]any{"backend": result.Backend.String(), "chars": len(result.Text)}
	if recErr != nil {
		payload["error"] = recErr.Error()
	}
	o.record(ctx, rec.SessionID, eventType, payload)
	if err := o.events.FinishSession(ctx, rec.SessionID, rec.DurationSeconds, result.Backend.String()); err != nil {
		o.logger.Warn("failed to finish capture session", slog.String("session_id", rec.SessionID), slogError(err))
	}
	o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "stopped")))
	o.logger.Info("capture stopped",
		slog.String("session_id", rec.SessionID),
		slog.Float64("duration_seconds", rec.DurationSeconds),
		slog.String("backend", result.Backend.String()),
		slog.Bool("fell_back", result.FellBack))
	return result, nil
}

// Active reports the running recording, if any.
func (o *Orchestrator) Active() (audio.SessionInfo, bool) {
	return o.session.Active()
}

// Live returns the latest transcript of the current or last session.
func (o *Orchestrator) Live() stt.Transcript {
	o.liveMu.RLock()
	defer o.liveMu.RUnlock()
	return o.live
}

// Subscribe streams every transcript update until the returned func is called.
func (o *Orchestrator) Subscribe() (<-chan stt.Transcript, func()) {
	return o.hub.subscribe()
}

// Close stops any recording in progress and releases observers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.streaming != nil {
		o.detachLocked()
		if _, err := o.session.Stop(); err != nil && !errors.Is(err, audio.ErrNoActiveRecording) {
			o.logger.Warn("failed to stop recording on shutdown", slogError(err))
		}
	}
	o.mu.Unlock()
	o.hub.closeAll()
}

func (o *Orchestrator) detachLocked() {
	if o.streaming != nil {
		o.streaming.Detach()
		o.streaming = nil
	}
	if o.cancelFeed != nil {
		o.cancelFeed()
		o.cancelFeed = nil
	}
}

func (o *Orchestrator) onPartial(sessionID string) func(stt.Transcript) {
	return func(tr stt.Transcript) {
		if !o.setLive(tr) {
			o.logger.Debug("dropping stale partial", slog.String("session_id", sessionID), slog.Uint64("sequence", tr.Sequence))
			return
		}
		o.hub.broadcast(tr)
		o.publish(protocol.SubjectTranscriptPartial, sessionID, tr, false)
	}
}

// setLive stores tr unless a transcript with the same or a later sequence is
// already current.
func (o *Orchestrator) setLive(tr stt.Transcript) bool {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	if tr.Sequence <= o.live.Sequence {
		return false
	}
	o.live = tr
	return true
}

// supersedeLive stores tr as the newest transcript of the session.
func (o *Orchestrator) supersedeLive(tr stt.Transcript) stt.Transcript {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	tr.Sequence = o.live.Sequence + 1
	o.live = tr
	return tr
}

func (o *Orchestrator) resetLive() {
	o.liveMu.Lock()
	o.live = stt.Transcript{}
	o.liveMu.Unlock()
}

func (o *Orchestrator) publish(subject, sessionID string, tr stt.Transcript, fellBack bool) {
	if o.publisher == nil {
		return
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      tr.Text,
		Partial:   !tr.IsFinal,
		Backend:   tr.Backend.String(),
		Sequence:  tr.Sequence,
		FellBack:  fellBack,
		Timestamp: tr.At,
	}
	if err := o.publisher.PublishJSON(subject, msg); err != nil {
		o.logger.Warn("failed to publish transcript", slog.String("subject", subject), slogError(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, sessionID, eventType string, payload any) {
	if err := o.events.Record(ctx, sessionID, eventType, payload); err != nil {
		o.logger.Warn("failed to record capture event", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
