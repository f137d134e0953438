package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ModelSource exposes the heavy model of the currently selected variant.
type ModelSource interface {
	SelectedReady() bool
	Recognizer(ctx context.Context) (Recognizer, error)
}

// BatchRecognizer produces the final transcript of a finished recording. The
// heavy backend is used when the selected model is ready; anything it fails
// to produce is retried with the light backend.
type BatchRecognizer struct {
	light   Recognizer
	models  ModelSource
	timeout time.Duration
	logger  *slog.Logger

	runs    metric.Int64Counter
	latency metric.Float64Histogram
}

func NewBatchRecognizer(light Recognizer, models ModelSource, timeout time.Duration, logger *slog.Logger) *BatchRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/stt")
	runs, _ := meter.Int64Counter("scribe.stt.batch.runs",
		metric.WithDescription("Final transcriptions by backend"))
	latency, _ := meter.Float64Histogram("scribe.stt.batch.duration",
		metric.WithDescription("Final transcription latency"),
		metric.WithUnit("s"))
	return &BatchRecognizer{
		light:   light,
		models:  models,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "stt-batch")),
		runs:    runs,
		latency: latency,
	}
}

func (b *BatchRecognizer) Transcribe(ctx context.Context, path string) (Transcript, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/stt").Start(ctx, "stt.batch.transcribe",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("recording.file", filepath.Base(path))))
	defer span.End()
	started := time.Now()

	if err := checkRecording(path); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transcript{}, err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var heavyErr error
	if b.models != nil && b.models.SelectedReady() {
		text, err := b.runHeavy(ctx, path)
		if err == nil {
			b.record(ctx, BackendBatchHeavy, false, started)
			span.SetAttributes(attribute.String("stt.backend", BackendBatchHeavy.String()))
			return finalTranscript(text, BackendBatchHeavy), nil
		}
		heavyErr = err
		b.logger.Warn("heavy recognizer failed, falling back to light", slog.String("path", path), slogError(err))
	}

	if b.light == nil {
		err := ErrModelNotReady
		if heavyErr != nil {
			err = heavyErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transcript{}, err
	}

	result, err := b.light.TranscribeFile(ctx, path)
	if err != nil {
		failure := &BackendError{Backend: BackendBatchLight, Err: errors.Join(heavyErr, err)}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return Transcript{}, failure
	}
	fellBack := heavyErr != nil
	b.record(ctx, BackendBatchLight, fellBack, started)
	span.SetAttributes(
		attribute.String("stt.backend", BackendBatchLight.String()),
		attribute.Bool("stt.fallback", fellBack),
	)
	return finalTranscript(strings.TrimSpace(result.Text), BackendBatchLight), nil
}

func (b *BatchRecognizer) runHeavy(ctx context.Context, path string) (string, error) {
	rec, err := b.models.Recognizer(ctx)
	if err != nil {
		return "", err
	}
	result, err := rec.TranscribeFile(ctx, path)
	if err != nil {
		return "", &BackendError{Backend: BackendBatchHeavy, Err: err}
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", &BackendError{Backend: BackendBatchHeavy, Err: errors.New("empty transcript")}
	}
	return text, nil
}

func (b *BatchRecognizer) record(ctx context.Context, backend Backend, fellBack bool, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend.String()),
		attribute.Bool("fallback", fellBack),
	)
	b.runs.Add(ctx, 1, attrs)
	b.latency.Record(ctx, time.Since(started).Seconds(), attrs)
}

func finalTranscript(text string, backend Backend) Transcript {
	return Transcript{
		Text:    text,
		IsFinal: true,
		Backend: backend,
		At:      time.Now().UTC(),
	}
}

func checkRecording(path string) error {
	info, err := audio.ReadWAVInfo(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNoAudio, path)
	case errors.Is(err, audio.ErrNotWAV):
		return fmt.Errorf("%w: %v", ErrNoAudio, err)
	case err != nil:
		return fmt.Errorf("open recording: %w", err)
	case info.Frames == 0:
		return fmt.Errorf("%w: %s", ErrNoAudio, path)
	}
	return nil
}
