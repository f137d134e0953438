// Package llm drives a local language model used to polish note text.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request is one rewrite job: Instructions steer the model, Text is the note
// body it works on.
type Request struct {
	Instructions string
	Text         string
	MaxTokens    int
	Temperature  float64
}

// Completion is the model's answer for a Request.
type Completion struct {
	Text         string
	PromptTokens int
	OutputTokens int
	Latency      time.Duration
}

// Completer is a local model backend.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

func NewCompleter(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockCompleter(), nil
	case "ollama":
		return NewOllamaCompleter(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecCompleter(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
