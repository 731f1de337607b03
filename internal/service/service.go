// Package service exposes the pipeline over NATS request/reply subjects
// and publishes job progress events.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/versofon/verso-core/internal/annotate"
	"github.com/versofon/verso-core/internal/bus"
	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/jobs"
	"github.com/versofon/verso-core/internal/protocol"
	"github.com/versofon/verso-core/internal/render"
	"github.com/versofon/verso-core/internal/script"
	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/timeline"
)

// Well-known job names.
const (
	JobBatchRender = "batch_render"
	JobFastRender  = "fast_render"
	JobMerge       = "merge"
	JobExport      = "export"
)

type Service struct {
	cfg        config.IngestConfig
	bus        *bus.Client
	store      *store.Store
	dispatcher *render.Dispatcher
	tracker    *jobs.Tracker
	assembler  *timeline.Assembler
	annotator  annotate.Annotator
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	subs       []*nats.Subscription
}

func NewService(parent context.Context, cfg config.IngestConfig, busClient *bus.Client, st *store.Store, dispatcher *render.Dispatcher, tracker *jobs.Tracker, assembler *timeline.Assembler, annotator annotate.Annotator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		store:      st,
		dispatcher: dispatcher,
		tracker:    tracker,
		assembler:  assembler,
		annotator:  annotator,
		logger:     logger.With(slog.String("component", "service")),
		ctx:        ctx,
		cancel:     cancel,
	}
	tracker.OnProgress = s.publishProgress
	return s
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectUnitsList:    s.handleListUnits,
		protocol.SubjectUnitsUpdate:  s.handleUpdateUnit,
		protocol.SubjectUnitsInsert:  s.handleInsertUnit,
		protocol.SubjectUnitsDelete:  s.handleDeleteUnit,
		protocol.SubjectUnitsRestore: s.handleRestoreUnit,
		protocol.SubjectRenderUnit:   s.handleRenderUnit,
		protocol.SubjectRenderBatch:  s.handleRenderBatch,
		protocol.SubjectJobsStatus:   s.handleJobsStatus,
		protocol.SubjectJobsCancel:   s.handleJobsCancel,
		protocol.SubjectMergeRun:     s.handleMerge,
		protocol.SubjectExportRun:    s.handleExport,
		protocol.SubjectScriptIngest: s.handleIngest,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			for _, existing := range s.subs {
				_ = existing.Drain()
			}
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 12
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) respondErr(msg *nats.Msg, err error) {
	s.respond(msg, protocol.Ack{OK: false, Error: err.Error()})
}

func (s *Service) handleListUnits(msg *nats.Msg) {
	var req protocol.ListUnitsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.ListUnitsResponse{Error: err.Error()})
			return
		}
	}

	var units []store.Unit
	var err error
	if req.Status != "" {
		units, err = s.store.ListByStatus(s.ctx, req.Status)
	} else {
		units, err = s.store.List(s.ctx)
	}
	if err != nil {
		s.respond(msg, protocol.ListUnitsResponse{Error: err.Error()})
		return
	}

	views := make([]protocol.UnitView, len(units))
	for i, u := range units {
		views[i] = unitView(u)
	}
	s.respond(msg, protocol.ListUnitsResponse{Units: views})
}

func (s *Service) handleUpdateUnit(msg *nats.Msg) {
	var req protocol.UpdateUnitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondErr(msg, err)
		return
	}
	if _, err := s.store.Update(s.ctx, req.Index, req.Speaker, req.Text, req.Direction); err != nil {
		s.respondErr(msg, err)
		return
	}
	s.respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleInsertUnit(msg *nats.Msg) {
	var req protocol.InsertUnitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondErr(msg, err)
		return
	}
	if _, err := s.store.Insert(s.ctx, req.After); err != nil {
		s.respondErr(msg, err)
		return
	}
	s.respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleDeleteUnit(msg *nats.Msg) {
	var req protocol.DeleteUnitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.DeleteUnitResponse{Error: err.Error()})
		return
	}
	deleted, err := s.store.Delete(s.ctx, req.Index)
	if err != nil {
		s.respond(msg, protocol.DeleteUnitResponse{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.DeleteUnitResponse{Deleted: unitView(deleted)})
}

func (s *Service) handleRestoreUnit(msg *nats.Msg) {
	var req protocol.RestoreUnitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondErr(msg, err)
		return
	}
	unit := store.Unit{
		Speaker:    req.Unit.Speaker,
		Text:       req.Unit.Text,
		Direction:  req.Unit.Direction,
		Status:     req.Unit.Status,
		AudioPath:  req.Unit.AudioPath,
		DurationMS: req.Unit.DurationMS,
		Error:      req.Unit.Error,
	}
	if _, err := s.store.Restore(s.ctx, req.At, unit); err != nil {
		s.respondErr(msg, err)
		return
	}
	s.respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleRenderUnit(msg *nats.Msg) {
	var req protocol.RenderUnitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.RenderResult{Error: err.Error()})
		return
	}
	seed := int64(-1)
	if req.Seed != nil {
		seed = *req.Seed
	}
	u, err := s.dispatcher.RenderUnit(s.ctx, req.Index, seed)
	if err != nil {
		s.respond(msg, protocol.RenderResult{Index: req.Index, Error: err.Error()})
		return
	}
	s.respond(msg, protocol.RenderResult{
		Index:      u.Index,
		Status:     u.Status,
		AudioPath:  u.AudioPath,
		DurationMS: u.DurationMS,
		Error:      u.Error,
	})
}

func (s *Service) handleRenderBatch(msg *nats.Msg) {
	var req protocol.RenderBatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondErr(msg, err)
		return
	}
	seed := int64(-1)
	if req.Seed != nil {
		seed = *req.Seed
	}

	jobName := JobBatchRender
	run := s.dispatcher.RenderBatch
	switch req.Mode {
	case "", "standard":
	case "fast":
		jobName = JobFastRender
		run = s.dispatcher.RenderFast
	default:
		s.respondErr(msg, errors.New("mode must be standard or fast"))
		return
	}

	if job, ok := s.tracker.Status(jobName); ok && job.Status == jobs.StatusRunning {
		s.respondErr(msg, jobs.ErrAlreadyRunning)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx, jobName, req.Indices, seed); err != nil {
			s.logger.Warn("batch render failed to start",
				slog.String("job", jobName), slogError(err))
		}
	}()
	s.respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleJobsStatus(msg *nats.Msg) {
	var req protocol.JobRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.JobStatusResponse{Error: err.Error()})
			return
		}
	}

	var tracked []jobs.Job
	if req.Name != "" {
		if job, ok := s.tracker.Status(req.Name); ok {
			tracked = append(tracked, job)
		}
	} else {
		tracked = s.tracker.All()
	}

	statuses := make([]protocol.JobStatus, len(tracked))
	for i, job := range tracked {
		statuses[i] = protocol.JobStatus{
			Name:            job.Name,
			Status:          job.Status,
			Done:            job.Done,
			Total:           job.Total,
			CancelRequested: job.CancelRequested,
			Detail:          job.Detail,
			StartedAt:       job.StartedAt,
			FinishedAt:      job.FinishedAt,
		}
	}
	s.respond(msg, protocol.JobStatusResponse{Jobs: statuses})
}

func (s *Service) handleJobsCancel(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondErr(msg, err)
		return
	}
	if err := s.tracker.RequestCancel(req.Name); err != nil {
		s.respondErr(msg, err)
		return
	}
	s.respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleMerge(msg *nats.Msg) {
	var req protocol.MergeRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.ArtifactResponse{Error: err.Error()})
			return
		}
	}
	path, err := s.runTracked(JobMerge, func() (string, error) {
		return s.assembler.Assemble(s.ctx, req.Indices)
	})
	if err != nil {
		s.respond(msg, protocol.ArtifactResponse{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ArtifactResponse{Path: path})
}

func (s *Service) handleExport(msg *nats.Msg) {
	var req protocol.ExportRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.ArtifactResponse{Error: err.Error()})
			return
		}
	}
	path, err := s.runTracked(JobExport, func() (string, error) {
		return s.assembler.ExportTracks(s.ctx, req.Indices)
	})
	if err != nil {
		s.respond(msg, protocol.ArtifactResponse{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ArtifactResponse{Path: path})
}

func (s *Service) runTracked(jobName string, fn func() (string, error)) (string, error) {
	if err := s.tracker.Start(jobName, 1); err != nil {
		return "", err
	}
	path, err := fn()
	if err != nil {
		s.tracker.Complete(jobName, jobs.StatusError, err.Error())
		return "", err
	}
	s.tracker.Advance(jobName, 1)
	s.tracker.Complete(jobName, jobs.StatusCompleted, "")
	return path, nil
}

func (s *Service) handleIngest(msg *nats.Msg) {
	var req protocol.IngestRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.IngestResponse{Error: err.Error()})
		return
	}

	lines := req.Lines
	if req.Annotate {
		if req.RawText == "" {
			s.respond(msg, protocol.IngestResponse{Error: "raw_text required when annotate is set"})
			return
		}
		annotated, err := s.annotator.Annotate(s.ctx, req.RawText)
		if err != nil {
			s.respond(msg, protocol.IngestResponse{Error: err.Error()})
			return
		}
		lines = annotated
	}

	if err := script.Validate(lines); err != nil {
		s.respond(msg, protocol.IngestResponse{Error: err.Error()})
		return
	}
	grouped := script.Group(lines, s.cfg.MaxUnitChars)

	units := make([]store.Unit, len(grouped))
	for i, line := range grouped {
		units[i] = store.Unit{Speaker: line.Speaker, Text: line.Text, Direction: line.Direction}
	}
	if err := s.store.Replace(s.ctx, units); err != nil {
		s.respond(msg, protocol.IngestResponse{Error: err.Error()})
		return
	}
	s.logger.Info("script ingested", slog.Int("units", len(units)))
	s.respond(msg, protocol.IngestResponse{Units: len(units)})
}

func (s *Service) publishProgress(name string, done, total int) {
	event := protocol.Progress{Job: name, Done: done, Total: total, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectJobsProgress, data); err != nil {
		s.logger.Warn("failed to publish progress", slogError(err))
	}
}

func unitView(u store.Unit) protocol.UnitView {
	return protocol.UnitView{
		Index:      u.Index,
		Speaker:    u.Speaker,
		Text:       u.Text,
		Direction:  u.Direction,
		Status:     u.Status,
		AudioPath:  u.AudioPath,
		DurationMS: u.DurationMS,
		Error:      u.Error,
		UpdatedAt:  u.UpdatedAt,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
