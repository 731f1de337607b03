package annotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/versofon/verso-core/internal/config"
)

func TestParseLinesPlainArray(t *testing.T) {
	lines, err := parseLines(`[{"speaker":"narrator","text":"Hello."}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(lines) != 1 || lines[0].Speaker != "narrator" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestParseLinesBracketFallback(t *testing.T) {
	content := "Sure! Here is the annotated script:\n```json\n" +
		`[{"speaker":"alice","text":"Hi there.","direction":"cheerful"}]` +
		"\n```\nLet me know if you need changes."
	lines, err := parseLines(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(lines) != 1 || lines[0].Direction != "cheerful" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestParseLinesNoArray(t *testing.T) {
	if _, err := parseLines("I cannot help with that."); err == nil {
		t.Fatal("expected error for reply without JSON")
	}
}

func TestMockAnnotator(t *testing.T) {
	lines, err := NewMockAnnotator().Annotate(context.Background(), "First line.\n\nSecond line.")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if len(lines) != 2 || lines[0].Speaker != "narrator" || lines[1].Text != "Second line." {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestOpenAIAnnotator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "Some prose." {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role":    "assistant",
					"content": `[{"speaker":"narrator","text":"Some prose."}]`,
				}},
			},
		})
	}))
	defer server.Close()

	a := NewOpenAIAnnotator(config.AnnotateConfig{
		Endpoint: server.URL,
		APIKey:   "sekret",
		Model:    "test-model",
	})
	lines, err := a.Annotate(context.Background(), "Some prose.")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "Some prose." {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestOpenAIAnnotatorErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a := NewOpenAIAnnotator(config.AnnotateConfig{Endpoint: server.URL})
	if _, err := a.Annotate(context.Background(), "text"); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}
