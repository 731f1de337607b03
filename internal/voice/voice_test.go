package voice

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSetResolveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voices.json")
	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	cfg := Config{
		IdentityMode: ModePreset,
		Voice:        "vivian",
		StyleSuffix:  "warm, measured pace",
		SeedPolicy:   SeedPolicy{Mode: SeedFixed, Seed: 42},
	}
	if err := r.Set("narrator", cfg); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := r.Resolve("narrator")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Voice != "vivian" || got.SeedPolicy.Seed != 42 {
		t.Fatalf("unexpected config: %+v", got)
	}

	// Persisted copy must survive a reload.
	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, err := r2.Resolve("narrator"); err != nil || got.StyleSuffix != "warm, measured pace" {
		t.Fatalf("resolve after reload: %+v %v", got, err)
	}
}

func TestResolveUnknownSpeaker(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "voices.json"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := r.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateModes(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"preset ok", Config{IdentityMode: ModePreset, Voice: "ryan"}, true},
		{"preset missing voice", Config{IdentityMode: ModePreset}, false},
		{"clone ok", Config{IdentityMode: ModeClone, RefAudio: "ref.wav", RefText: "hello"}, true},
		{"clone missing ref", Config{IdentityMode: ModeClone, RefAudio: "ref.wav"}, false},
		{"adapted ok", Config{IdentityMode: ModeAdapted, AdapterPath: "a.safetensors"}, true},
		{"adapted missing path", Config{IdentityMode: ModeAdapted}, false},
		{"designed ok", Config{IdentityMode: ModeDesigned, Description: "an old sailor"}, true},
		{"designed missing description", Config{IdentityMode: ModeDesigned}, false},
		{"unknown mode", Config{IdentityMode: "psychic"}, false},
		{"bad seed policy", Config{IdentityMode: ModePreset, Voice: "v", SeedPolicy: SeedPolicy{Mode: "coinflip"}}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "voices.json"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := r.Set("narrator", Config{IdentityMode: ModePreset, Voice: "ryan"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	snap := r.Snapshot()
	if err := r.Set("narrator", Config{IdentityMode: ModePreset, Voice: "vivian"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if snap["narrator"].Voice != "ryan" {
		t.Fatalf("snapshot mutated by later edit: %+v", snap["narrator"])
	}
}

func TestDelete(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "voices.json"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := r.Delete("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Set("alice", Config{IdentityMode: ModeDesigned, Description: "bright and quick"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.Delete("alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Resolve("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deletion, got %v", err)
	}
}
