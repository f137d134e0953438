package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

const enhanceSystemPrompt = "You clean up dictated notes. Fix grammar and punctuation, " +
	"keep the speaker's wording and meaning, never add information. " +
	"Reply with the corrected text only."

var ErrEmptyCompletion = errors.New("language model returned no text")

// Enhancer rewrites note text with a local model.
type Enhancer struct {
	model   Completer
	cfg     config.LLMConfig
	timeout time.Duration
	logger  *slog.Logger
}

func NewEnhancer(model Completer, cfg config.LLMConfig, logger *slog.Logger) *Enhancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enhancer{
		model:   model,
		cfg:     cfg,
		timeout: 60 * time.Second,
		logger:  logger.With(slog.String("component", "llm-enhancer")),
	}
}

// Enhance returns the rewritten text. Callers keep their own text when an
// error is returned.
func (e *Enhancer) Enhance(ctx context.Context, noteID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.model.Complete(ctx, Request{
		Instructions: enhanceSystemPrompt,
		Text:         text,
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	result := strings.TrimSpace(out.Text)
	if result == "" {
		return "", ErrEmptyCompletion
	}
	e.logger.Debug("note enhanced",
		slog.String("note_id", noteID),
		slog.Int("output_tokens", out.OutputTokens),
		slog.Duration("latency", out.Latency))
	return result, nil
}
