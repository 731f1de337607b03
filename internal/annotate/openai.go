package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/protocol"
)

// openaiAnnotator talks to any OpenAI-compatible chat completion endpoint
// (local inference servers included).
type openaiAnnotator struct {
	cfg    config.AnnotateConfig
	client *http.Client
}

func NewOpenAIAnnotator(cfg config.AnnotateConfig) Annotator {
	return &openaiAnnotator{cfg: cfg, client: http.DefaultClient}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *openaiAnnotator) Annotate(ctx context.Context, text string) ([]protocol.Line, error) {
	payload := chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: DefaultSystemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("annotation endpoint returned status %s", resp.Status)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode annotation response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("annotation endpoint: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("annotation endpoint returned no choices")
	}
	return parseLines(decoded.Choices[0].Message.Content)
}
