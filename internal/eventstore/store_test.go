package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginSession(context.Background(), Session{ID: "s"}); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.BeginSession(ctx, Session{ID: "rec-1", DeviceID: "mic", AudioPath: "/tmp/rec-1.wav"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Record(ctx, "rec-1", EventCaptureStarted, map[string]string{"path": "/tmp/rec-1.wav"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, "rec-1", EventCaptureStopped, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.FinishSession(ctx, "rec-1", 12, "batch-light"); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	if err := es.FinishSession(ctx, "missing", 1, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "rec-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventCaptureStarted || events[1].Type != EventCaptureStopped {
		t.Fatalf("unexpected events %+v", events)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil || payload["path"] != "/tmp/rec-1.wav" {
		t.Fatalf("unexpected payload %s (%v)", events[0].Payload, err)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].StoppedAt == nil || sessions[0].DurationSeconds != 12 || sessions[0].Backend != "batch-light" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Record(ctx, "old-session", EventTranscriptFinal, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
