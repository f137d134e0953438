package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository keeps notes in a single SQLite file.
type SQLiteRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLiteRepository, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create notes dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	r := &SQLiteRepository{db: db, log: log.With(slog.String("component", "notes-store"))}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    session_id TEXT,
    topic_id TEXT,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    summary TEXT,
    raw_transcript TEXT NOT NULL,
    audio_path TEXT,
    duration_seconds REAL NOT NULL DEFAULT 0,
    backend TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_topic_created ON notes(topic_id, created_at);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);
`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create notes schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) Create(ctx context.Context, n Note) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notes(id, session_id, topic_id, title, body, summary, raw_transcript, audio_path, duration_seconds, backend, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, n.TopicID, n.Title, n.Body, n.Summary, n.RawTranscript, n.AudioPath,
		n.DurationSeconds, n.Backend, n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert note %s: %w", n.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, n Note) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notes SET topic_id = ?, title = ?, body = ?, summary = ?, updated_at = ? WHERE id = ?`,
		n.TopicID, n.Title, n.Body, n.Summary, n.UpdatedAt.UnixNano(), n.ID)
	if err != nil {
		return fmt.Errorf("update note %s: %w", n.ID, err)
	}
	return expectRow(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note %s: %w", id, err)
	}
	return expectRow(res)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (Note, error) {
	row := r.db.QueryRowContext(ctx, selectNotes+` WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	return n, err
}

// ListByTopic returns the topic's notes, newest first.
func (r *SQLiteRepository) ListByTopic(ctx context.Context, topicID string) ([]Note, error) {
	return r.list(ctx, selectNotes+` WHERE topic_id = ? ORDER BY created_at DESC`, topicID)
}

func (r *SQLiteRepository) ListByDate(ctx context.Context, day time.Time) ([]Note, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	return r.list(ctx, selectNotes+` WHERE created_at >= ? AND created_at < ? ORDER BY created_at DESC`,
		start.UnixNano(), end.UnixNano())
}

const selectNotes = `SELECT id, session_id, topic_id, title, body, summary, raw_transcript, audio_path, duration_seconds, backend, created_at, updated_at FROM notes`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner) (Note, error) {
	var n Note
	var session, topic, summary, audioPath, backend sql.NullString
	var created, updated int64
	if err := row.Scan(&n.ID, &session, &topic, &n.Title, &n.Body, &summary, &n.RawTranscript,
		&audioPath, &n.DurationSeconds, &backend, &created, &updated); err != nil {
		return Note{}, err
	}
	n.SessionID = session.String
	n.TopicID = topic.String
	n.Summary = summary.String
	n.AudioPath = audioPath.String
	n.Backend = backend.String
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()
	return n, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoteNotFound
	}
	return nil
}
