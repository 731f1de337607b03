package annotate

import (
	"context"
	"strings"

	"github.com/versofon/verso-core/internal/protocol"
)

type mockAnnotator struct{}

func NewMockAnnotator() Annotator { return &mockAnnotator{} }

// Annotate tags every non-empty input line as narrator speech.
func (m *mockAnnotator) Annotate(ctx context.Context, text string) ([]protocol.Line, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var lines []protocol.Line
	for _, raw := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(raw); s != "" {
			lines = append(lines, protocol.Line{Speaker: "narrator", Text: s})
		}
	}
	return lines, nil
}
