// Package jobs tracks long-running named jobs: batch renders, merges and
// exports. One job per name; progress only moves forward; cancellation is
// a cooperative flag the dispatcher polls between work items.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ErrAlreadyRunning is returned when starting a job whose name is busy.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknown is returned for operations on a name that was never started.
var ErrUnknown = errors.New("unknown job")

// Job is a snapshot of one tracked job.
type Job struct {
	Name            string
	Status          string
	Done            int
	Total           int
	CancelRequested bool
	Detail          string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Tracker owns the job table.
type Tracker struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	log   *slog.Logger
	clock func() time.Time

	// OnProgress, when set, is invoked outside the lock after every
	// Advance.
	OnProgress func(name string, done, total int)

	meter        metric.Meter
	runningGauge metric.Int64ObservableGauge
}

// NewTracker builds an empty tracker.
func NewTracker(log *slog.Logger) *Tracker {
	t := &Tracker{
		jobs:  map[string]*Job{},
		log:   log.With(slog.String("component", "jobs")),
		clock: time.Now,
		meter: otel.Meter("github.com/versofon/verso-core/runtime"),
	}
	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

func (t *Tracker) initMetrics() error {
	gauge, err := t.meter.Int64ObservableGauge("verso.jobs.running", metric.WithDescription("Number of running jobs"))
	if err != nil {
		return err
	}
	t.runningGauge = gauge
	_, err = t.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		t.mu.Lock()
		var running int64
		for _, job := range t.jobs {
			if job.Status == StatusRunning {
				running++
			}
		}
		t.mu.Unlock()
		obs.ObserveInt64(gauge, running)
		return nil
	}, gauge)
	return err
}

// Start registers a fresh run of the named job. A previous finished run
// under the same name is replaced.
func (t *Tracker) Start(name string, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[name]; ok && job.Status == StatusRunning {
		return fmt.Errorf("job %q: %w", name, ErrAlreadyRunning)
	}
	t.jobs[name] = &Job{
		Name:      name,
		Status:    StatusRunning,
		Total:     total,
		StartedAt: t.clock().UTC(),
	}
	t.log.Info("job started", slog.String("job", name), slog.Int("total", total))
	return nil
}

// Advance moves the done counter forward by n. Progress never regresses.
func (t *Tracker) Advance(name string, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	job, ok := t.jobs[name]
	if !ok || job.Status != StatusRunning {
		t.mu.Unlock()
		return
	}
	job.Done += n
	if job.Done > job.Total {
		job.Done = job.Total
	}
	done, total := job.Done, job.Total
	notify := t.OnProgress
	t.mu.Unlock()

	if notify != nil {
		notify(name, done, total)
	}
}

// Complete finishes the named job with a final status and detail.
func (t *Tracker) Complete(name, status, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[name]
	if !ok {
		return
	}
	job.Status = status
	job.Detail = detail
	job.FinishedAt = t.clock().UTC()
	t.log.Info("job finished",
		slog.String("job", name),
		slog.String("status", status),
		slog.String("detail", detail))
}

// RequestCancel flips the cooperative cancel flag on a running job.
func (t *Tracker) RequestCancel(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[name]
	if !ok {
		return fmt.Errorf("job %q: %w", name, ErrUnknown)
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("job %q is not running: %w", name, ErrUnknown)
	}
	job.CancelRequested = true
	t.log.Info("job cancel requested", slog.String("job", name))
	return nil
}

// Cancelled reports whether a cancel was requested for the named job.
func (t *Tracker) Cancelled(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[name]
	return ok && job.CancelRequested
}

// Status returns a snapshot of one job.
func (t *Tracker) Status(name string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[name]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// All returns snapshots of every tracked job.
func (t *Tracker) All() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	return out
}
