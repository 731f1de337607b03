package tts

import (
	"context"
	"math/rand"
	"time"
	"unicode/utf8"
)

// mockSynth produces silence-adjacent noise audio with a duration derived
// from text length. The same text and seed always yield identical bytes,
// which is what the batched-mode tests lean on.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	return m.render(req, req.Seed)
}

func (m *mockSynth) SynthesizeBatch(ctx context.Context, req BatchRequest) ([]Result, error) {
	results := make([]Result, len(req.Items))
	for i, item := range req.Items {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := m.render(item, req.Seed)
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = res
	}
	return results, nil
}

func (m *mockSynth) render(req Request, seed int64) (Result, error) {
	durationMS := int64(utf8.RuneCountInString(req.Text)) * 40
	if durationMS < 100 {
		durationMS = 100
	}

	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	sampleCount := int(durationMS) * m.sampleRate / 1000 * m.channels
	samples := make([]int, sampleCount)
	for i := range samples {
		samples[i] = rng.Intn(64) - 32
	}

	wav, err := EncodeWAV(samples, m.sampleRate, m.channels)
	if err != nil {
		return Result{}, err
	}
	return Result{WAV: wav, DurationMS: durationMS}, nil
}
