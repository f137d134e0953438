// Package notes turns finished captures into stored notes: the transcript is
// cleaned up, optionally rewritten and summarized, then persisted.
package notes

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/textproc"
)

var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrEmptyTranscript = errors.New("transcript is empty")
)

type Note struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id,omitempty"`
	TopicID         string    `json:"topic_id,omitempty"`
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	Summary         string    `json:"summary,omitempty"`
	RawTranscript   string    `json:"raw_transcript"`
	AudioPath       string    `json:"audio_path,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Backend         string    `json:"backend,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Repository stores notes. ListByDate returns the notes created on the
// calendar day of day, in day's location.
type Repository interface {
	Create(ctx context.Context, n Note) error
	Update(ctx context.Context, n Note) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Note, error)
	ListByTopic(ctx context.Context, topicID string) ([]Note, error)
	ListByDate(ctx context.Context, day time.Time) ([]Note, error)
}

// Settings are the user choices that shape a note.
type Settings struct {
	AutoEnhance          bool
	UseAIEnhancement     bool
	Summarize            bool
	SummaryMode          textproc.Mode
	SelectedModelVariant string
}

type Preferences interface {
	Snapshot() Settings
}

// StaticPreferences never changes.
type StaticPreferences Settings

func (p StaticPreferences) Snapshot() Settings { return Settings(p) }

func PreferencesFromConfig(prefs config.PreferencesConfig, models config.ModelsConfig) StaticPreferences {
	return StaticPreferences{
		AutoEnhance:          prefs.AutoEnhance,
		UseAIEnhancement:     prefs.UseAIEnhancement,
		Summarize:            prefs.Summarize,
		SummaryMode:          textproc.ParseMode(prefs.SummaryMode),
		SelectedModelVariant: models.Selected,
	}
}
