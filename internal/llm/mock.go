package llm

import (
	"context"
	"strings"
)

// mockCompleter hands the text back untouched.
type mockCompleter struct{}

func NewMockCompleter() Completer { return mockCompleter{} }

func (mockCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	return Completion{Text: strings.TrimSpace(req.Text)}, nil
}
