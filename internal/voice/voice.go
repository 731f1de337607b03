// Package voice holds the per-speaker voice configuration registry.
// Configs live in a single JSON document on disk and are snapshotted by
// render dispatches so an in-flight job never observes a partial edit.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Identity modes.
const (
	ModePreset   = "preset"
	ModeClone    = "clone"
	ModeAdapted  = "adapted"
	ModeDesigned = "designed"
)

// Seed policy modes.
const (
	SeedFixed  = "fixed"
	SeedShared = "shared"
	SeedRandom = "random"
)

// ErrNotFound is returned when a speaker has no configured voice.
var ErrNotFound = errors.New("voice not configured")

// SeedPolicy controls how a seed is chosen for individual renders.
type SeedPolicy struct {
	Mode string `json:"mode"`
	Seed int64  `json:"seed,omitempty"`
}

// Config describes one speaker's voice identity.
type Config struct {
	IdentityMode string     `json:"identity_mode"`
	Voice        string     `json:"voice,omitempty"`
	StyleSuffix  string     `json:"style_suffix,omitempty"`
	SeedPolicy   SeedPolicy `json:"seed_policy"`
	RefAudio     string     `json:"ref_audio,omitempty"`
	RefText      string     `json:"ref_text,omitempty"`
	AdapterPath  string     `json:"adapter_path,omitempty"`
	Description  string     `json:"description,omitempty"`
}

// Validate checks the mode-specific required fields.
func (c Config) Validate() error {
	switch c.IdentityMode {
	case ModePreset:
		if c.Voice == "" {
			return errors.New("preset voice requires a voice name")
		}
	case ModeClone:
		if c.RefAudio == "" || c.RefText == "" {
			return errors.New("clone voice requires ref_audio and ref_text")
		}
	case ModeAdapted:
		if c.AdapterPath == "" {
			return errors.New("adapted voice requires adapter_path")
		}
	case ModeDesigned:
		if c.Description == "" {
			return errors.New("designed voice requires a description")
		}
	default:
		return fmt.Errorf("unknown identity mode %q", c.IdentityMode)
	}
	switch c.SeedPolicy.Mode {
	case "", SeedFixed, SeedShared, SeedRandom:
	default:
		return fmt.Errorf("unknown seed policy %q", c.SeedPolicy.Mode)
	}
	return nil
}

// Registry maps speakers to voice configs.
type Registry struct {
	mu     sync.RWMutex
	path   string
	voices map[string]Config
}

// NewRegistry loads the registry from path, starting empty when the file
// does not exist yet.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, voices: map[string]Config{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read voices file: %w", err)
	}
	if err := json.Unmarshal(data, &r.voices); err != nil {
		return nil, fmt.Errorf("parse voices file: %w", err)
	}
	for speaker, cfg := range r.voices {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("voice %q: %w", speaker, err)
		}
	}
	return r, nil
}

// Resolve returns the config for a speaker.
func (r *Registry) Resolve(speaker string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.voices[speaker]
	if !ok {
		return Config{}, fmt.Errorf("speaker %q: %w", speaker, ErrNotFound)
	}
	return cfg, nil
}

// Snapshot returns an immutable copy of the full registry. Dispatches
// resolve against a snapshot so voice edits cannot change mid-job.
func (r *Registry) Snapshot() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Config, len(r.voices))
	for speaker, cfg := range r.voices {
		out[speaker] = cfg
	}
	return out
}

// Set stores a speaker's config and persists the registry.
func (r *Registry) Set(speaker string, cfg Config) error {
	if speaker == "" {
		return errors.New("speaker must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voices[speaker] = cfg
	return r.saveLocked()
}

// Delete removes a speaker's config and persists the registry.
func (r *Registry) Delete(speaker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.voices[speaker]; !ok {
		return fmt.Errorf("speaker %q: %w", speaker, ErrNotFound)
	}
	delete(r.voices, speaker)
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.voices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode voices: %w", err)
	}
	dir := filepath.Dir(r.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create voices dir: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write voices file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace voices file: %w", err)
	}
	return nil
}
