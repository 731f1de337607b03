// Package annotate turns raw prose into speaker-annotated script lines
// through a pluggable language model backend.
package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/versofon/verso-core/internal/protocol"
)

// DefaultSystemPrompt instructs the model to emit annotated lines.
const DefaultSystemPrompt = `You are a script annotator for audiobook production.
Split the provided text into spoken lines and return ONLY a JSON array where
each element is {"speaker": "...", "text": "...", "direction": "..."}.
Use "narrator" for non-dialogue text. The direction field is an optional short
performance note (tone, pacing). Do not paraphrase or omit text.`

// Annotator produces annotated script lines for raw text.
type Annotator interface {
	Annotate(ctx context.Context, text string) ([]protocol.Line, error)
}

// parseLines decodes a model reply into lines. Models wrap JSON in prose
// or code fences often enough that a bracket-slice fallback is needed.
func parseLines(content string) ([]protocol.Line, error) {
	var lines []protocol.Line
	trimmed := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(trimmed), &lines); err == nil {
		return lines, nil
	}

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in annotation reply")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &lines); err != nil {
		return nil, fmt.Errorf("decode annotation reply: %w", err)
	}
	return lines, nil
}
