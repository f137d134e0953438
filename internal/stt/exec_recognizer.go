package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local recognizer binary once per request:
//
//	<command> --audio <wav> [--model <path>] [--language <lang>] [--partial]
//
// It prints either {"text": "...", "confidence": 0.9} or a list of segments
// {"segments": [{"text": "..."}]} on stdout.
type execRecognizer struct {
	argv      []string
	modelPath string
	language  string

	// one process at a time; recognizers load the whole model per run
	mu sync.Mutex
}

type execSegment struct {
	Text string `json:"text"`
}

type execOutput struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Segments   []execSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.EngineConfig, language string) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{argv: argv, modelPath: cfg.ModelPath, language: language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	buf, err := audio.BufferFromPCM(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	dir, err := os.MkdirTemp("", "scribe-stt-")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "chunk.wav")
	if err := audio.WriteWAV(path, buf); err != nil {
		return TranscriptResult{}, err
	}
	return r.run(ctx, path, !final)
}

func (r *execRecognizer) TranscribeFile(ctx context.Context, path string) (TranscriptResult, error) {
	return r.run(ctx, path, false)
}

func (r *execRecognizer) args(path string, partial bool) []string {
	args := append([]string{}, r.argv[1:]...)
	args = append(args, "--audio", path)
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if partial {
		args = append(args, "--partial")
	}
	return args
}

func (r *execRecognizer) run(ctx context.Context, path string, partial bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.CommandContext(ctx, r.argv[0], r.args(path, partial)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseExecOutput(stdout.Bytes())
}

func parseExecOutput(data []byte) (TranscriptResult, error) {
	var out execOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt output: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" && len(out.Segments) > 0 {
		parts := make([]string, 0, len(out.Segments))
		for _, seg := range out.Segments {
			if s := strings.TrimSpace(seg.Text); s != "" {
				parts = append(parts, s)
			}
		}
		text = strings.Join(parts, " ")
	}
	return TranscriptResult{Text: text, Confidence: out.Confidence}, nil
}
