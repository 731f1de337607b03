package tts

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV renders 16-bit samples into a WAV byte payload. The go-audio
// encoder needs a seekable writer, so it goes through a scratch file.
func EncodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	file, err := os.CreateTemp("", "verso-wav-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create scratch wav: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}

	return os.ReadFile(file.Name())
}
