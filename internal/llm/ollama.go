package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// ollamaCompleter uses a local Ollama server's chat API without streaming;
// a note rewrite is only useful once complete.
type ollamaCompleter struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaCompleter(endpoint, model string) Completer {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaCompleter{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: http.DefaultClient}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	EvalCount       int           `json:"eval_count"`
	PromptEvalCount int           `json:"prompt_eval_count"`
}

func (c *ollamaCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	messages := make([]ollamaMessage, 0, 2)
	if req.Instructions != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.Instructions})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Text})

	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return Completion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Completion{}, fmt.Errorf("ollama returned status %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode ollama response: %w", err)
	}
	return Completion{
		Text:         out.Message.Content,
		PromptTokens: out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Latency:      time.Since(started),
	}, nil
}
