package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

// execCompleter runs a local command per request. The command reads
// {"instructions","text","max_tokens","temperature"} on stdin and prints
// {"text","prompt_tokens","output_tokens"} on stdout.
type execCompleter struct {
	cmd []string
}

type execInput struct {
	Instructions string  `json:"instructions"`
	Text         string  `json:"text"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature"`
}

type execOutput struct {
	Text         string `json:"text"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

func NewExecCompleter(command string) (Completer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command is empty")
	}
	return &execCompleter{cmd: args}, nil
}

func (c *execCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	input, err := json.Marshal(execInput{
		Instructions: req.Instructions,
		Text:         req.Text,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		return Completion{}, err
	}

	started := time.Now()
	command := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	command.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Completion{}, fmt.Errorf("llm command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Completion{}, fmt.Errorf("decode llm command output: %w", err)
	}
	return Completion{
		Text:         out.Text,
		PromptTokens: out.PromptTokens,
		OutputTokens: out.OutputTokens,
		Latency:      time.Since(started),
	}, nil
}
