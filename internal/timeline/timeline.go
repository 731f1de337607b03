// Package timeline assembles rendered units into listening artifacts: a
// single combined track with speaker-aware pauses, and a multi-track
// archive with per-speaker stems, labels and a playlist for editors.
package timeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/tts"
)

// ErrIncomplete is returned when an assembly touches units that are not
// done yet. The error message lists the offending indices.
var ErrIncomplete = errors.New("units not rendered")

var unsafeChars = regexp.MustCompile(`[^\w\-]`)

// Assembler builds output artifacts from rendered unit audio.
type Assembler struct {
	cfg     config.TimelineConfig
	store   *store.Store
	dataDir string
	log     *slog.Logger
}

func NewAssembler(cfg config.TimelineConfig, st *store.Store, dataDir string, log *slog.Logger) *Assembler {
	return &Assembler{
		cfg:     cfg,
		store:   st,
		dataDir: dataDir,
		log:     log.With(slog.String("component", "timeline")),
	}
}

// segment positions one unit's audio on the shared timeline. All offsets
// are interleaved sample counts, not wall time; segment audio is rarely a
// whole number of milliseconds, so millisecond bookkeeping would drift the
// stems out of alignment.
type segment struct {
	unit    store.Unit
	data    []int
	start   int
	samples int
}

// load fetches the selected units, refusing to assemble unless every one
// is done, then decodes their audio and lays them out on a single
// timeline with the configured pauses.
func (a *Assembler) load(ctx context.Context, indices []int) ([]segment, *audio.Format, int, error) {
	var units []store.Unit
	var err error
	if len(indices) == 0 {
		units, err = a.store.List(ctx)
	} else {
		for _, index := range indices {
			u, gerr := a.store.Get(ctx, index)
			if gerr != nil {
				return nil, nil, 0, gerr
			}
			units = append(units, u)
		}
	}
	if err != nil {
		return nil, nil, 0, err
	}
	if len(units) == 0 {
		return nil, nil, 0, fmt.Errorf("no units to assemble")
	}

	var missing []string
	for _, u := range units {
		if u.Status != store.StatusDone {
			missing = append(missing, fmt.Sprintf("%d", u.Index))
		}
	}
	if len(missing) > 0 {
		return nil, nil, 0, fmt.Errorf("indices %s: %w", strings.Join(missing, ","), ErrIncomplete)
	}

	var segments []segment
	var format *audio.Format
	cursor := 0
	prevSpeaker := ""

	for _, u := range units {
		buf, err := a.decode(u.AudioPath)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("unit %d: %w", u.Index, err)
		}
		if format == nil {
			format = buf.Format
		} else if buf.Format.SampleRate != format.SampleRate || buf.Format.NumChannels != format.NumChannels {
			return nil, nil, 0, fmt.Errorf("unit %d: audio format mismatch", u.Index)
		}

		if prevSpeaker != "" {
			if u.Speaker == prevSpeaker {
				cursor += pauseSamples(a.cfg.SameSpeakerPauseMS, format)
			} else {
				cursor += pauseSamples(a.cfg.SpeakerPauseMS, format)
			}
		}
		segments = append(segments, segment{unit: u, data: buf.Data, start: cursor, samples: len(buf.Data)})
		cursor += len(buf.Data)
		prevSpeaker = u.Speaker
	}

	return segments, format, cursor, nil
}

func (a *Assembler) decode(audioPath string) (*audio.IntBuffer, error) {
	data, err := os.ReadFile(filepath.Join(a.dataDir, audioPath))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return buf, nil
}

func pauseSamples(ms int, format *audio.Format) int {
	return ms * format.SampleRate / 1000 * format.NumChannels
}

func seconds(samples int, format *audio.Format) float64 {
	return float64(samples) / float64(format.SampleRate*format.NumChannels)
}

// Assemble writes the combined audiobook track for the given indices (all
// units when empty) and returns its path.
func (a *Assembler) Assemble(ctx context.Context, indices []int) (string, error) {
	segments, format, total, err := a.load(ctx, indices)
	if err != nil {
		return "", err
	}

	combined := make([]int, 0, total)
	for _, seg := range segments {
		if gap := seg.start - len(combined); gap > 0 {
			combined = append(combined, make([]int, gap)...)
		}
		combined = append(combined, seg.data...)
	}

	payload, err := tts.EncodeWAV(combined, format.SampleRate, format.NumChannels)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(a.cfg.OutputDir, "audiobook.wav")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write audiobook: %w", err)
	}
	a.log.Info("assembled audiobook",
		slog.Int("segments", len(segments)),
		slog.String("path", path))
	return path, nil
}

// ExportTracks writes the multi-track archive: one equal-length WAV per
// speaker laid out against the shared timeline, a labels.txt sidecar and
// a project.lof playlist, zipped together. Returns the archive path.
func (a *Assembler) ExportTracks(ctx context.Context, indices []int) (string, error) {
	segments, format, total, err := a.load(ctx, indices)
	if err != nil {
		return "", err
	}

	var speakers []string
	seen := map[string]bool{}
	for _, seg := range segments {
		if !seen[seg.unit.Speaker] {
			speakers = append(speakers, seg.unit.Speaker)
			seen[seg.unit.Speaker] = true
		}
	}

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(a.cfg.OutputDir, "tracks_export.zip")
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer file.Close()
	zw := zip.NewWriter(file)

	var lof strings.Builder
	for _, speaker := range speakers {
		fmt.Fprintf(&lof, "file %q\n", sanitizeFilename(speaker)+".wav")
	}
	if err := writeZipEntry(zw, "project.lof", []byte(lof.String())); err != nil {
		return "", err
	}

	var labels strings.Builder
	for _, seg := range segments {
		preview := []rune(seg.unit.Text)
		if len(preview) > 80 {
			preview = preview[:80]
		}
		fmt.Fprintf(&labels, "%.6f\t%.6f\t[%s] %s\n",
			seconds(seg.start, format),
			seconds(seg.start+seg.samples, format),
			seg.unit.Speaker, string(preview))
	}
	if err := writeZipEntry(zw, "labels.txt", []byte(labels.String())); err != nil {
		return "", err
	}

	for _, speaker := range speakers {
		track := make([]int, 0, total)
		for _, seg := range segments {
			if seg.unit.Speaker != speaker {
				continue
			}
			if gap := seg.start - len(track); gap > 0 {
				track = append(track, make([]int, gap)...)
			}
			track = append(track, seg.data...)
		}
		if pad := total - len(track); pad > 0 {
			track = append(track, make([]int, pad)...)
		}

		payload, err := tts.EncodeWAV(track, format.SampleRate, format.NumChannels)
		if err != nil {
			return "", fmt.Errorf("encode track %q: %w", speaker, err)
		}
		if err := writeZipEntry(zw, sanitizeFilename(speaker)+".wav", payload); err != nil {
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	a.log.Info("exported multi-track archive",
		slog.Int("speakers", len(speakers)),
		slog.String("path", path))
	return path, nil
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %q: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write archive entry %q: %w", name, err)
	}
	return nil
}

func sanitizeFilename(name string) string {
	return strings.ToLower(unsafeChars.ReplaceAllString(name, "_"))
}
