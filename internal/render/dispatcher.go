// Package render drives synthesis over the unit store. The dispatcher is
// the only writer of unit status transitions: pending units are claimed
// with MarkRendering before any backend call, results land through the
// store's revision check, and nothing is retried internally.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/jobs"
	"github.com/versofon/verso-core/internal/planner"
	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/tts"
	"github.com/versofon/verso-core/internal/voice"
)

// Dispatcher coordinates single, parallel and batched renders.
type Dispatcher struct {
	cfg     config.RenderConfig
	store   *store.Store
	voices  *voice.Registry
	synth   tts.Synthesizer
	tracker *jobs.Tracker
	dataDir string
	log     *slog.Logger

	meter           metric.Meter
	renderedCounter metric.Int64Counter
	failedCounter   metric.Int64Counter
	subBatchCounter metric.Int64Counter
}

// NewDispatcher wires the dispatcher against its collaborators.
func NewDispatcher(cfg config.RenderConfig, st *store.Store, voices *voice.Registry, synth tts.Synthesizer, tracker *jobs.Tracker, dataDir string, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		store:   st,
		voices:  voices,
		synth:   synth,
		tracker: tracker,
		dataDir: dataDir,
		log:     log.With(slog.String("component", "render")),
		meter:   otel.Meter("github.com/versofon/verso-core/runtime"),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return d
}

func (d *Dispatcher) initMetrics() error {
	rendered, err := d.meter.Int64Counter("verso.render.units", metric.WithDescription("Units rendered successfully"))
	if err != nil {
		return err
	}
	failed, err := d.meter.Int64Counter("verso.render.failures", metric.WithDescription("Units whose render failed"))
	if err != nil {
		return err
	}
	subBatches, err := d.meter.Int64Counter("verso.render.sub_batches", metric.WithDescription("Sub-batches dispatched"))
	if err != nil {
		return err
	}
	d.renderedCounter = rendered
	d.failedCounter = failed
	d.subBatchCounter = subBatches
	return nil
}

// RenderUnit renders a single unit synchronously. seed < 0 defers to the
// speaker's seed policy.
func (d *Dispatcher) RenderUnit(ctx context.Context, index int, seed int64) (store.Unit, error) {
	revision, err := d.store.MarkRendering(ctx, index)
	if err != nil {
		return store.Unit{}, err
	}
	u, err := d.store.Get(ctx, index)
	if err != nil {
		return store.Unit{}, err
	}

	cfg, err := d.voices.Resolve(u.Speaker)
	if err != nil {
		if cerr := d.store.CommitError(ctx, index, revision, err.Error()); cerr != nil && !errors.Is(cerr, store.ErrState) {
			return store.Unit{}, cerr
		}
		return d.store.Get(ctx, index)
	}

	if seed < 0 && cfg.SeedPolicy.Mode == voice.SeedFixed {
		seed = cfg.SeedPolicy.Seed
	}
	d.renderOne(ctx, u, cfg, revision, seed)
	return d.store.Get(ctx, index)
}

// RenderBatch renders the given units (all pending units when indices is
// empty) as parallel individual backend calls under the named job.
func (d *Dispatcher) RenderBatch(ctx context.Context, jobName string, indices []int, seed int64) error {
	units, err := d.collect(ctx, indices)
	if err != nil {
		return err
	}
	if err := d.tracker.Start(jobName, len(units)); err != nil {
		return err
	}

	jobSeed := seed
	if jobSeed < 0 {
		jobSeed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	}
	voices := d.voices.Snapshot()

	var failed, attempted int
	cancelled := false

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Parallelism)
	results := make(chan bool, len(units))

	for _, u := range units {
		if d.tracker.Cancelled(jobName) {
			cancelled = true
			break
		}
		u := u
		revision, err := d.store.MarkRendering(ctx, u.Index)
		if err != nil {
			if errors.Is(err, store.ErrState) {
				// Another dispatch owns this index.
				d.tracker.Advance(jobName, 1)
				continue
			}
			results <- false
			attempted++
			d.tracker.Advance(jobName, 1)
			continue
		}
		attempted++
		group.Go(func() error {
			cfg, ok := voices[u.Speaker]
			if !ok {
				d.commitError(gctx, u.Index, revision, fmt.Sprintf("speaker %q has no voice", u.Speaker))
				results <- false
				d.tracker.Advance(jobName, 1)
				return nil
			}
			unitSeed := d.seedFor(cfg, jobSeed)
			ok = d.renderOne(gctx, u, cfg, revision, unitSeed)
			results <- ok
			d.tracker.Advance(jobName, 1)
			return nil
		})
	}

	group.Wait()
	close(results)
	for ok := range results {
		if !ok {
			failed++
		}
	}

	d.finish(jobName, attempted, failed, cancelled)
	return nil
}

// RenderFast renders the given units through planned sub-batches, one
// shared seed per job. Designed voices and unconfigured speakers fall out
// of the plan and render as single calls. Cancellation is honored between
// sub-batches and between sequential units only.
func (d *Dispatcher) RenderFast(ctx context.Context, jobName string, indices []int, seed int64) error {
	units, err := d.collect(ctx, indices)
	if err != nil {
		return err
	}
	if err := d.tracker.Start(jobName, len(units)); err != nil {
		return err
	}

	jobSeed := seed
	if jobSeed < 0 {
		jobSeed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	}
	voices := d.voices.Snapshot()
	byIndex := make(map[int]store.Unit, len(units))
	for _, u := range units {
		byIndex[u.Index] = u
	}

	batches, sequential := planner.Plan(units, voices, planner.Constraints{
		MinSubBatchSize:  d.cfg.Batch.MinSubBatchSize,
		MaxLengthRatio:   d.cfg.Batch.MaxLengthRatio,
		MaxCharsPerBatch: d.cfg.Batch.MaxCharsPerBatch,
		MaxItems:         d.cfg.Batch.MaxItems,
	})

	var failed, attempted int
	cancelled := false

	for _, batch := range batches {
		if d.tracker.Cancelled(jobName) {
			cancelled = true
			break
		}
		a, f := d.renderSubBatch(ctx, jobName, batch, byIndex, voices, jobSeed)
		attempted += a
		failed += f
	}

	if !cancelled {
		for _, index := range sequential {
			if d.tracker.Cancelled(jobName) {
				cancelled = true
				break
			}
			u := byIndex[index]
			revision, err := d.store.MarkRendering(ctx, index)
			if err != nil {
				if errors.Is(err, store.ErrState) {
					d.tracker.Advance(jobName, 1)
					continue
				}
				attempted++
				failed++
				d.tracker.Advance(jobName, 1)
				continue
			}
			attempted++
			cfg, ok := voices[u.Speaker]
			if !ok {
				d.commitError(ctx, index, revision, fmt.Sprintf("speaker %q has no voice", u.Speaker))
				failed++
				d.tracker.Advance(jobName, 1)
				continue
			}
			if !d.renderOne(ctx, u, cfg, revision, jobSeed) {
				failed++
			}
			d.tracker.Advance(jobName, 1)
		}
	}

	d.finish(jobName, attempted, failed, cancelled)
	return nil
}

// renderSubBatch claims the batch members, runs one backend call under the
// shared seed, and commits per-member outcomes. Returns attempted and
// failed counts.
func (d *Dispatcher) renderSubBatch(ctx context.Context, jobName string, batch planner.SubBatch, byIndex map[int]store.Unit, voices map[string]voice.Config, jobSeed int64) (int, int) {
	if d.subBatchCounter != nil {
		d.subBatchCounter.Add(ctx, 1)
	}

	type member struct {
		unit     store.Unit
		revision int64
	}
	var members []member
	var items []tts.Request
	for _, index := range batch.Members {
		revision, err := d.store.MarkRendering(ctx, index)
		if err != nil {
			if errors.Is(err, store.ErrState) {
				d.tracker.Advance(jobName, 1)
				continue
			}
			d.tracker.Advance(jobName, 1)
			continue
		}
		u := byIndex[index]
		cfg := voices[u.Speaker]
		members = append(members, member{unit: u, revision: revision})
		items = append(items, tts.Request{
			Text:      u.Text,
			Direction: directionWithStyle(u.Direction, cfg.StyleSuffix),
			Voice:     voiceSpec(cfg),
			Seed:      jobSeed,
		})
	}
	if len(members) == 0 {
		return 0, 0
	}

	d.log.Info("rendering sub-batch",
		slog.String("job", jobName),
		slog.Int("members", len(members)),
		slog.Int("total_chars", batch.TotalChars))

	results, err := d.synth.SynthesizeBatch(ctx, tts.BatchRequest{Items: items, Seed: jobSeed})
	if err != nil {
		for _, m := range members {
			d.commitError(ctx, m.unit.Index, m.revision, err.Error())
			d.tracker.Advance(jobName, 1)
		}
		return len(members), len(members)
	}

	failed := 0
	for i, m := range members {
		res := results[i]
		if res.Err != nil {
			d.commitError(ctx, m.unit.Index, m.revision, res.Err.Error())
			failed++
		} else if !d.commitAudio(ctx, m.unit.Index, m.revision, res) {
			failed++
		}
		d.tracker.Advance(jobName, 1)
	}
	return len(members), failed
}

// renderOne performs a single synthesis call and commits the outcome.
// Returns true when the unit ended up done.
func (d *Dispatcher) renderOne(ctx context.Context, u store.Unit, cfg voice.Config, revision, seed int64) bool {
	res, err := d.synth.Synthesize(ctx, tts.Request{
		Text:      u.Text,
		Direction: directionWithStyle(u.Direction, cfg.StyleSuffix),
		Voice:     voiceSpec(cfg),
		Seed:      seed,
	})
	if err != nil {
		d.commitError(ctx, u.Index, revision, err.Error())
		return false
	}
	return d.commitAudio(ctx, u.Index, revision, res)
}

func (d *Dispatcher) commitAudio(ctx context.Context, index int, revision int64, res tts.Result) bool {
	name := fmt.Sprintf("unit_%03d_r%d.wav", index, revision)
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		d.commitError(ctx, index, revision, fmt.Sprintf("create audio dir: %v", err))
		return false
	}
	if err := os.WriteFile(filepath.Join(d.dataDir, name), res.WAV, 0o644); err != nil {
		d.commitError(ctx, index, revision, fmt.Sprintf("write audio: %v", err))
		return false
	}
	if err := d.store.CommitResult(ctx, index, revision, name, res.DurationMS); err != nil {
		if errors.Is(err, store.ErrState) {
			// Edited underneath the render; result discarded.
			d.log.Info("discarding stale render result", slog.Int("index", index))
			os.Remove(filepath.Join(d.dataDir, name))
			return true
		}
		d.log.Error("commit render result", slog.Int("index", index), slog.String("error", err.Error()))
		return false
	}
	if d.renderedCounter != nil {
		d.renderedCounter.Add(ctx, 1)
	}
	return true
}

func (d *Dispatcher) commitError(ctx context.Context, index int, revision int64, message string) {
	if d.failedCounter != nil {
		d.failedCounter.Add(ctx, 1)
	}
	if err := d.store.CommitError(ctx, index, revision, message); err != nil && !errors.Is(err, store.ErrState) {
		d.log.Error("commit render error", slog.Int("index", index), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) collect(ctx context.Context, indices []int) ([]store.Unit, error) {
	if len(indices) == 0 {
		return d.store.ListByStatus(ctx, store.StatusPending)
	}
	units := make([]store.Unit, 0, len(indices))
	for _, index := range indices {
		u, err := d.store.Get(ctx, index)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func (d *Dispatcher) seedFor(cfg voice.Config, jobSeed int64) int64 {
	switch cfg.SeedPolicy.Mode {
	case voice.SeedFixed:
		return cfg.SeedPolicy.Seed
	case voice.SeedShared:
		return jobSeed
	default:
		return -1
	}
}

func (d *Dispatcher) finish(jobName string, attempted, failed int, cancelled bool) {
	status := jobs.StatusCompleted
	detail := ""
	switch {
	case cancelled:
		detail = "cancelled"
	case attempted > 0 && failed == attempted:
		status = jobs.StatusError
		detail = "all units failed"
	case failed > 0:
		detail = fmt.Sprintf("%d of %d units failed", failed, attempted)
	}
	d.tracker.Complete(jobName, status, detail)
}

func directionWithStyle(direction, styleSuffix string) string {
	return strings.TrimSpace(strings.TrimSpace(direction) + " " + strings.TrimSpace(styleSuffix))
}

func voiceSpec(cfg voice.Config) tts.VoiceSpec {
	return tts.VoiceSpec{
		IdentityMode: cfg.IdentityMode,
		Voice:        cfg.Voice,
		RefAudio:     cfg.RefAudio,
		RefText:      cfg.RefText,
		AdapterPath:  cfg.AdapterPath,
		Description:  cfg.Description,
	}
}
