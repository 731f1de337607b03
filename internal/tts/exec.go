package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth shells out to an external synthesis command, JSON over
// stdin/stdout. Access is serialized: the backing model owns one GPU.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execVoice struct {
	IdentityMode string `json:"identity_mode"`
	Voice        string `json:"voice,omitempty"`
	RefAudio     string `json:"ref_audio,omitempty"`
	RefText      string `json:"ref_text,omitempty"`
	AdapterPath  string `json:"adapter_path,omitempty"`
	Description  string `json:"description,omitempty"`
}

type execItem struct {
	Text      string    `json:"text"`
	Direction string    `json:"direction,omitempty"`
	Voice     execVoice `json:"voice"`
}

type execRequest struct {
	Items      []execItem `json:"items"`
	Seed       int64      `json:"seed"`
	SampleRate int        `json:"sample_rate"`
	Channels   int        `json:"channels"`
}

type execResult struct {
	WAVBase64  string `json:"wav_base64"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type execResponse struct {
	Results []execResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	results, err := e.run(ctx, []Request{req}, req.Seed)
	if err != nil {
		return Result{}, err
	}
	if results[0].Err != nil {
		return Result{}, results[0].Err
	}
	return results[0], nil
}

func (e *execSynth) SynthesizeBatch(ctx context.Context, req BatchRequest) ([]Result, error) {
	return e.run(ctx, req.Items, req.Seed)
}

func (e *execSynth) run(ctx context.Context, items []Request, seed int64) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		Items:      make([]execItem, len(items)),
		Seed:       seed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}
	for i, item := range items {
		payload.Items[i] = execItem{
			Text:      item.Text,
			Direction: item.Direction,
			Voice: execVoice{
				IdentityMode: item.Voice.IdentityMode,
				Voice:        item.Voice.Voice,
				RefAudio:     item.Voice.RefAudio,
				RefText:      item.Voice.RefText,
				AdapterPath:  item.Voice.AdapterPath,
				Description:  item.Voice.Description,
			},
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode tts response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("tts backend: %s", resp.Error)
	}
	if len(resp.Results) != len(items) {
		return nil, fmt.Errorf("tts backend returned %d results for %d items", len(resp.Results), len(items))
	}

	results := make([]Result, len(resp.Results))
	for i, r := range resp.Results {
		if r.Error != "" {
			results[i] = Result{Err: fmt.Errorf("tts backend: %s", r.Error)}
			continue
		}
		wav, err := base64.StdEncoding.DecodeString(r.WAVBase64)
		if err != nil {
			results[i] = Result{Err: fmt.Errorf("decode wav payload: %w", err)}
			continue
		}
		results[i] = Result{WAV: wav, DurationMS: r.DurationMS}
	}
	return results, nil
}
