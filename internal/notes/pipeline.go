package notes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/textproc"
)

const maxTitleRunes = 60

// Enhancer rewrites note text, typically with a local language model.
type Enhancer interface {
	Enhance(ctx context.Context, noteID, text string) (string, error)
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

type PipelineOptions struct {
	Repository  Repository
	Normalizer  *textproc.Normalizer
	Summarizer  *textproc.Summarizer
	Enhancer    Enhancer
	Preferences Preferences
	Events      *eventstore.Store
	Publisher   Publisher
	Logger      *slog.Logger
}

// Pipeline builds notes from capture results.
type Pipeline struct {
	repo       Repository
	normalizer *textproc.Normalizer
	summarizer *textproc.Summarizer
	enhancer   Enhancer
	prefs      Preferences
	events     *eventstore.Store
	publisher  Publisher
	logger     *slog.Logger
	clock      func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefs := opts.Preferences
	if prefs == nil {
		prefs = StaticPreferences{AutoEnhance: true}
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = textproc.NewNormalizer(textproc.Options{})
	}
	return &Pipeline{
		repo:       opts.Repository,
		normalizer: normalizer,
		summarizer: opts.Summarizer,
		enhancer:   opts.Enhancer,
		prefs:      prefs,
		events:     opts.Events,
		publisher:  opts.Publisher,
		logger:     logger.With(slog.String("component", "notes")),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Process saves the transcript of a capture as a new note. An empty
// transcript saves nothing and returns ErrEmptyTranscript.
func (p *Pipeline) Process(ctx context.Context, res capture.Result, topicID string) (Note, error) {
	raw := strings.TrimSpace(res.Text)
	if raw == "" {
		return Note{}, ErrEmptyTranscript
	}
	settings := p.prefs.Snapshot()
	now := p.clock()
	note := Note{
		ID:              uuid.NewString(),
		SessionID:       res.SessionID,
		TopicID:         topicID,
		RawTranscript:   raw,
		AudioPath:       res.AudioPath,
		DurationSeconds: res.DurationSeconds,
		Backend:         res.Backend.String(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.compose(ctx, &note, settings); err != nil {
		return Note{}, err
	}
	if err := p.repo.Create(ctx, note); err != nil {
		return Note{}, err
	}
	p.announce(ctx, note, settings)
	p.logger.Info("note saved",
		slog.String("note_id", note.ID),
		slog.String("session_id", note.SessionID),
		slog.Int("chars", len(note.Body)),
		slog.Bool("summarized", note.Summary != ""))
	return note, nil
}

// Reprocess rebuilds body, title and summary of a stored note from its raw
// transcript with the current preferences.
func (p *Pipeline) Reprocess(ctx context.Context, id string) (Note, error) {
	note, err := p.repo.Get(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if err := p.compose(ctx, &note, p.prefs.Snapshot()); err != nil {
		return Note{}, err
	}
	note.UpdatedAt = p.clock()
	if err := p.repo.Update(ctx, note); err != nil {
		return Note{}, err
	}
	return note, nil
}

// compose fills body, title and summary. A transcript made only of fillers
// normalizes to nothing and is rejected.
func (p *Pipeline) compose(ctx context.Context, note *Note, settings Settings) error {
	body := note.RawTranscript
	if settings.AutoEnhance {
		body = p.normalizer.Normalize(body)
	}
	if strings.TrimSpace(body) == "" {
		return ErrEmptyTranscript
	}
	if settings.UseAIEnhancement && p.enhancer != nil {
		enhanced, err := p.enhancer.Enhance(ctx, note.ID, body)
		if err != nil {
			p.logger.Warn("enhancement failed, keeping normalized text", slog.String("note_id", note.ID), slogError(err))
		} else {
			body = enhanced
		}
	}
	note.Body = body
	note.Title = titleOf(body)
	note.Summary = ""
	if settings.Summarize && p.summarizer != nil {
		note.Summary = p.summarizer.Summarize(body, settings.SummaryMode)
	}
	return nil
}

func (p *Pipeline) announce(ctx context.Context, note Note, settings Settings) {
	if note.SessionID != "" {
		payload := map[string]any{"note_id": note.ID, "model_variant": settings.SelectedModelVariant}
		if err := p.events.Record(ctx, note.SessionID, eventstore.EventNoteSaved, payload); err != nil {
			p.logger.Warn("failed to record note event", slog.String("note_id", note.ID), slogError(err))
		}
	}
	if p.publisher == nil {
		return
	}
	msg := protocol.NoteSaved{
		NoteID:    note.ID,
		SessionID: note.SessionID,
		TopicID:   note.TopicID,
		Title:     note.Title,
		Timestamp: note.CreatedAt,
	}
	if err := p.publisher.PublishJSON(protocol.SubjectNoteSaved, msg); err != nil {
		p.logger.Warn("failed to publish note", slog.String("note_id", note.ID), slogError(err))
	}
}

// titleOf is the first sentence, cut to maxTitleRunes.
func titleOf(body string) string {
	title := body
	if sentences := textproc.SplitSentences(body); len(sentences) > 0 {
		title = sentences[0]
	}
	runes := []rune(strings.TrimSpace(title))
	if len(runes) > maxTitleRunes {
		runes = runes[:maxTitleRunes]
	}
	return strings.TrimSpace(string(runes))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
