package tts

import "context"

// VoiceSpec is the resolved voice identity handed to a backend. Exactly
// one identity mode is populated per call.
type VoiceSpec struct {
	IdentityMode string
	Voice        string
	RefAudio     string
	RefText      string
	AdapterPath  string
	Description  string
}

// Request synthesizes one span of text.
type Request struct {
	Text      string
	Direction string
	Voice     VoiceSpec
	// Seed pins the backend's sampling. Negative means let the backend
	// choose.
	Seed int64
}

// Result is one rendered span. Err is only populated inside batch
// results, where a single member may fail without sinking its siblings.
type Result struct {
	WAV        []byte
	DurationMS int64
	Err        error
}

// BatchRequest synthesizes several spans in one backend call. Seed is
// applied once for the whole batch; per-member seeds are ignored.
type BatchRequest struct {
	Items []Request
	Seed  int64
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
	SynthesizeBatch(ctx context.Context, req BatchRequest) ([]Result, error)
}
