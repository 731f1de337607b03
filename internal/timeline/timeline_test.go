package timeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-audio/wav"

	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// 1 kHz mono makes one sample equal one millisecond, which keeps the
// timeline arithmetic in these tests readable.
const testRate = 1000

type seeded struct {
	store     *store.Store
	assembler *Assembler
	dataDir   string
}

type line struct {
	speaker string
	samples int
	value   int
	text    string
}

func setup(t *testing.T, rate int, lines []line) *seeded {
	t.Helper()
	tmp := t.TempDir()
	dataDir := filepath.Join(tmp, "voicelines")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	st, err := store.Open(context.Background(), config.LibraryConfig{Path: filepath.Join(tmp, "units.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	units := make([]store.Unit, len(lines))
	for i, l := range lines {
		text := l.text
		if text == "" {
			text = "text for unit " + strings.Repeat("x", i)
		}
		units[i] = store.Unit{Speaker: l.speaker, Text: text}
	}
	if err := st.Replace(context.Background(), units); err != nil {
		t.Fatalf("replace: %v", err)
	}

	ctx := context.Background()
	for i, l := range lines {
		samples := make([]int, l.samples)
		for j := range samples {
			samples[j] = l.value
		}
		payload, err := tts.EncodeWAV(samples, rate, 1)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		name := fmt.Sprintf("unit_%03d.wav", i)
		if err := os.WriteFile(filepath.Join(dataDir, name), payload, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		rev, err := st.MarkRendering(ctx, i)
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		if err := st.CommitResult(ctx, i, rev, name, int64(l.samples)*1000/int64(rate)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	cfg := config.TimelineConfig{
		SpeakerPauseMS:     500,
		SameSpeakerPauseMS: 250,
		OutputDir:          filepath.Join(tmp, "output"),
	}
	return &seeded{
		store:     st,
		assembler: NewAssembler(cfg, st, dataDir, newLogger()),
		dataDir:   dataDir,
	}
}

func decodeFile(t *testing.T, payload []byte) []int {
	t.Helper()
	dec := wav.NewDecoder(bytes.NewReader(payload))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return buf.Data
}

func TestAssembleInsertsPauses(t *testing.T) {
	f := setup(t, testRate, []line{
		{speaker: "narrator", samples: 100, value: 5},
		{speaker: "narrator", samples: 200, value: 5},
		{speaker: "alice", samples: 150, value: 9},
	})

	path, err := f.assembler.Assemble(context.Background(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	samples := decodeFile(t, payload)

	// 100 + 250 same-speaker pause + 200 + 500 speaker pause + 150.
	if len(samples) != 1200 {
		t.Fatalf("expected 1200 samples, got %d", len(samples))
	}
	if samples[0] != 5 || samples[99] != 5 {
		t.Fatal("first segment misplaced")
	}
	if samples[150] != 0 {
		t.Fatal("expected silence in same-speaker pause")
	}
	if samples[350] != 5 || samples[549] != 5 {
		t.Fatal("second segment misplaced")
	}
	if samples[800] != 0 {
		t.Fatal("expected silence in speaker pause")
	}
	if samples[1050] != 9 || samples[1199] != 9 {
		t.Fatal("third segment misplaced")
	}
}

func TestAssembleFailsFastOnUnrenderedUnits(t *testing.T) {
	f := setup(t, testRate, []line{
		{speaker: "narrator", samples: 100, value: 5},
		{speaker: "alice", samples: 100, value: 9},
	})
	text := "edited, so back to pending"
	if _, err := f.store.Update(context.Background(), 1, nil, &text, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := f.assembler.Assemble(context.Background(), nil)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if !strings.Contains(err.Error(), "1") {
		t.Fatalf("expected offending index in error, got %q", err.Error())
	}
}

func TestExportTracks(t *testing.T) {
	f := setup(t, testRate, []line{
		{speaker: "narrator", samples: 100, value: 5},
		{speaker: "narrator", samples: 200, value: 5},
		{speaker: "alice", samples: 150, value: 9},
	})

	path, err := f.assembler.ExportTracks(context.Background(), nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	entries := readArchive(t, path)
	for _, name := range []string{"project.lof", "labels.txt", "narrator.wav", "alice.wav"} {
		if _, ok := entries[name]; !ok {
			t.Fatalf("missing archive entry %q (have %v)", name, keys(entries))
		}
	}

	lof := string(entries["project.lof"])
	if !strings.Contains(lof, `file "narrator.wav"`) || !strings.Contains(lof, `file "alice.wav"`) {
		t.Fatalf("unexpected playlist: %q", lof)
	}

	labels := strings.Split(strings.TrimSpace(string(entries["labels.txt"])), "\n")
	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %v", labels)
	}
	if !strings.HasPrefix(labels[0], "0.000000\t0.100000\t[narrator]") {
		t.Fatalf("unexpected first label: %q", labels[0])
	}
	if !strings.HasPrefix(labels[1], "0.350000\t0.550000\t[narrator]") {
		t.Fatalf("unexpected second label: %q", labels[1])
	}
	if !strings.HasPrefix(labels[2], "1.050000\t1.200000\t[alice]") {
		t.Fatalf("unexpected third label: %q", labels[2])
	}

	narrator := decodeFile(t, entries["narrator.wav"])
	alice := decodeFile(t, entries["alice.wav"])
	if len(narrator) != 1200 || len(alice) != 1200 {
		t.Fatalf("tracks must be equal length: %d vs %d", len(narrator), len(alice))
	}
	// Narrator speaks at 0-100 and 350-550; alice at 1050-1200.
	if narrator[50] != 5 || narrator[400] != 5 || narrator[1100] != 0 {
		t.Fatal("narrator track misplaced")
	}
	if alice[50] != 0 || alice[400] != 0 || alice[1100] != 9 {
		t.Fatal("alice track misplaced")
	}
}

func TestTracksStayAlignedAtFullSampleRate(t *testing.T) {
	// 1000 samples at 24 kHz is not a whole number of milliseconds; the
	// stems must still line up sample-for-sample with the combined track.
	f := setup(t, 24000, []line{
		{speaker: "narrator", samples: 1000, value: 5},
		{speaker: "alice", samples: 24000, value: 9},
	})

	combinedPath, err := f.assembler.Assemble(context.Background(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	payload, err := os.ReadFile(combinedPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	combined := decodeFile(t, payload)
	// 1000 + 500 ms speaker pause (12000 samples) + 24000.
	if len(combined) != 37000 {
		t.Fatalf("expected 37000 samples, got %d", len(combined))
	}

	archive, err := f.assembler.ExportTracks(context.Background(), nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	entries := readArchive(t, archive)
	narrator := decodeFile(t, entries["narrator.wav"])
	alice := decodeFile(t, entries["alice.wav"])
	if len(narrator) != len(combined) || len(alice) != len(combined) {
		t.Fatalf("tracks not equal length: combined=%d narrator=%d alice=%d",
			len(combined), len(narrator), len(alice))
	}
	for i := range combined {
		if narrator[i]+alice[i] != combined[i] {
			t.Fatalf("stems diverge from combined track at sample %d", i)
		}
	}
}

func TestLabelPreviewKeepsRunesIntact(t *testing.T) {
	f := setup(t, testRate, []line{
		{speaker: "narrator", samples: 100, value: 5, text: strings.Repeat("é", 100)},
		{speaker: "alice", samples: 100, value: 9},
	})

	path, err := f.assembler.ExportTracks(context.Background(), nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	entries := readArchive(t, path)
	labels := strings.Split(strings.TrimSpace(string(entries["labels.txt"])), "\n")
	if len(labels) != 2 {
		t.Fatalf("expected 2 labels, got %v", labels)
	}

	_, preview, ok := strings.Cut(labels[0], "] ")
	if !ok {
		t.Fatalf("unexpected label shape: %q", labels[0])
	}
	if !utf8.ValidString(preview) {
		t.Fatalf("preview is not valid UTF-8: %q", preview)
	}
	if got := utf8.RuneCountInString(preview); got != 80 {
		t.Fatalf("expected 80-rune preview, got %d", got)
	}
}

func TestAssembleSubsetByIndices(t *testing.T) {
	f := setup(t, testRate, []line{
		{speaker: "narrator", samples: 100, value: 5},
		{speaker: "alice", samples: 100, value: 9},
		{speaker: "narrator", samples: 100, value: 5},
	})

	path, err := f.assembler.Assemble(context.Background(), []int{0, 2})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	payload, _ := os.ReadFile(path)
	samples := decodeFile(t, payload)
	// Two same-speaker segments with one 250 ms pause.
	if len(samples) != 450 {
		t.Fatalf("expected 450 samples, got %d", len(samples))
	}
}

func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	entries := map[string][]byte{}
	for _, zf := range zr.File {
		r, err := zf.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		entries[zf.Name] = data
	}
	return entries
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
