package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnhanceWithMockKeepsText(t *testing.T) {
	e := NewEnhancer(NewMockCompleter(), config.Default().LLM, discardLogger())
	got, err := e.Enhance(context.Background(), "n1", "  We met at noon.  ")
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if got != "We met at noon." {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestEnhanceThroughOllamaChat(t *testing.T) {
	var seen ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" We met at noon. "},"done":true,"eval_count":4}`)
	}))
	defer srv.Close()

	cfg := config.Default().LLM
	cfg.Mode = "ollama"
	cfg.Endpoint = srv.URL + "/"
	model, err := NewCompleter(cfg)
	if err != nil {
		t.Fatalf("completer: %v", err)
	}
	got, err := NewEnhancer(model, cfg, discardLogger()).Enhance(context.Background(), "n1", "we met at noon")
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if got != "We met at noon." {
		t.Fatalf("unexpected text %q", got)
	}
	if seen.Model != cfg.Model || seen.Stream || len(seen.Messages) != 2 {
		t.Fatalf("unexpected request %+v", seen)
	}
	if seen.Messages[0].Role != "system" || seen.Messages[1].Content != "we met at noon" {
		t.Fatalf("unexpected messages %+v", seen.Messages)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaCompleter(srv.URL, "").Complete(context.Background(), Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected status error with detail, got %v", err)
	}
}

type emptyCompleter struct{}

func (emptyCompleter) Complete(context.Context, Request) (Completion, error) {
	return Completion{Text: "  "}, nil
}

func TestEnhanceRejectsEmptyCompletion(t *testing.T) {
	_, err := NewEnhancer(emptyCompleter{}, config.Default().LLM, discardLogger()).Enhance(context.Background(), "n1", "text")
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected empty completion error, got %v", err)
	}
}

func TestExecCompleterRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecCompleter("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewCompleterRejectsUnknownMode(t *testing.T) {
	if _, err := NewCompleter(config.LLMConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
