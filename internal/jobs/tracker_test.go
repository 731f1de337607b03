package jobs

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTracker() *Tracker {
	return NewTracker(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestStartRejectsRunningDuplicate(t *testing.T) {
	tr := newTracker()
	if err := tr.Start("batch_render", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start("batch_render", 5); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	// A different name is independent.
	if err := tr.Start("merge", 1); err != nil {
		t.Fatalf("start merge: %v", err)
	}
}

func TestRestartAfterCompletionResets(t *testing.T) {
	tr := newTracker()
	if err := tr.Start("batch_render", 3); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Advance("batch_render", 3)
	tr.Complete("batch_render", StatusCompleted, "")

	if err := tr.Start("batch_render", 7); err != nil {
		t.Fatalf("restart: %v", err)
	}
	job, ok := tr.Status("batch_render")
	if !ok {
		t.Fatal("expected job")
	}
	if job.Done != 0 || job.Total != 7 || job.CancelRequested {
		t.Fatalf("expected fresh job, got %+v", job)
	}
}

func TestAdvanceIsMonotonicAndCapped(t *testing.T) {
	tr := newTracker()
	if err := tr.Start("batch_render", 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Advance("batch_render", -5)
	job, _ := tr.Status("batch_render")
	if job.Done != 0 {
		t.Fatalf("negative advance must be ignored, got %d", job.Done)
	}
	tr.Advance("batch_render", 1)
	tr.Advance("batch_render", 5)
	job, _ = tr.Status("batch_render")
	if job.Done != 2 {
		t.Fatalf("expected done capped at total, got %d", job.Done)
	}
}

func TestCancelFlow(t *testing.T) {
	tr := newTracker()
	if err := tr.RequestCancel("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if err := tr.Start("fast_render", 4); err != nil {
		t.Fatalf("start: %v", err)
	}
	if tr.Cancelled("fast_render") {
		t.Fatal("fresh job must not be cancelled")
	}
	if err := tr.RequestCancel("fast_render"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !tr.Cancelled("fast_render") {
		t.Fatal("expected cancel flag set")
	}
	tr.Complete("fast_render", StatusCompleted, "cancelled")
	if err := tr.RequestCancel("fast_render"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("cancel after completion should fail, got %v", err)
	}
}

func TestOnProgressCallback(t *testing.T) {
	tr := newTracker()
	var got []int
	tr.OnProgress = func(name string, done, total int) {
		if name == "merge" {
			got = append(got, done)
		}
	}
	if err := tr.Start("merge", 3); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Advance("merge", 1)
	tr.Advance("merge", 2)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected progress callbacks: %v", got)
	}
}
