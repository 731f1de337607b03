package protocol

import "time"

// Line is a single annotated script entry as produced by ingestion.
type Line struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Direction string `json:"direction,omitempty"`
}

// UnitView is the wire representation of a stored unit.
type UnitView struct {
	Index      int       `json:"index"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Direction  string    `json:"direction,omitempty"`
	Status     string    `json:"status"`
	AudioPath  string    `json:"audio_path,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListUnitsRequest filters the unit listing.
type ListUnitsRequest struct {
	Status string `json:"status,omitempty"`
}

// ListUnitsResponse carries the ordered unit set.
type ListUnitsResponse struct {
	Units []UnitView `json:"units"`
	Error string     `json:"error,omitempty"`
}

// UpdateUnitRequest edits a unit's text fields. Non-nil fields are applied;
// any applied edit resets the unit to pending.
type UpdateUnitRequest struct {
	Index     int     `json:"index"`
	Speaker   *string `json:"speaker,omitempty"`
	Text      *string `json:"text,omitempty"`
	Direction *string `json:"direction,omitempty"`
}

// InsertUnitRequest inserts an empty unit after the given index.
type InsertUnitRequest struct {
	After int `json:"after"`
}

// DeleteUnitRequest removes a unit and reindexes the remainder.
type DeleteUnitRequest struct {
	Index int `json:"index"`
}

// DeleteUnitResponse carries the removed unit so the caller can undo the
// delete through a restore request.
type DeleteUnitResponse struct {
	Deleted UnitView `json:"deleted"`
	Error   string   `json:"error,omitempty"`
}

// RestoreUnitRequest reinserts a previously deleted unit at the given
// index (clamped to the current sequence bounds).
type RestoreUnitRequest struct {
	At   int      `json:"at"`
	Unit UnitView `json:"unit"`
}

// RenderUnitRequest renders a single unit synchronously. A nil seed
// defers to the speaker's seed policy.
type RenderUnitRequest struct {
	Index int    `json:"index"`
	Seed  *int64 `json:"seed,omitempty"`
}

// RenderBatchRequest starts a batch render job. Mode is "standard"
// (parallel individual calls) or "fast" (sub-batched). An empty Indices
// set means every pending unit.
type RenderBatchRequest struct {
	Mode    string `json:"mode"`
	Indices []int  `json:"indices,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
}

// JobRequest addresses a named job.
type JobRequest struct {
	Name string `json:"name"`
}

// JobStatus is the wire snapshot of a tracked job.
type JobStatus struct {
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Done            int       `json:"done"`
	Total           int       `json:"total"`
	CancelRequested bool      `json:"cancel_requested"`
	Detail          string    `json:"detail,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// JobStatusResponse answers a job status query.
type JobStatusResponse struct {
	Jobs  []JobStatus `json:"jobs"`
	Error string      `json:"error,omitempty"`
}

// MergeRequest assembles the combined timeline for the given indices
// (all units when empty).
type MergeRequest struct {
	Indices []int `json:"indices,omitempty"`
}

// ExportRequest produces the multi-track archive.
type ExportRequest struct {
	Indices []int `json:"indices,omitempty"`
}

// IngestRequest loads an annotated script, replacing the current units.
// When Annotate is true the raw text is sent through the annotation
// backend first; otherwise Lines must already carry speaker tags.
type IngestRequest struct {
	Lines    []Line `json:"lines,omitempty"`
	RawText  string `json:"raw_text,omitempty"`
	Annotate bool   `json:"annotate,omitempty"`
}

// IngestResponse reports how many units the script produced.
type IngestResponse struct {
	Units int    `json:"units"`
	Error string `json:"error,omitempty"`
}

// Ack is the generic mutation reply.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RenderResult answers a single-unit render.
type RenderResult struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	AudioPath  string `json:"audio_path,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ArtifactResponse answers merge/export requests with the produced path.
type ArtifactResponse struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// Progress is published while a job advances.
type Progress struct {
	Job       string    `json:"job"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectUnitsList    = "verso.units.list"
	SubjectUnitsUpdate  = "verso.units.update"
	SubjectUnitsInsert  = "verso.units.insert"
	SubjectUnitsDelete  = "verso.units.delete"
	SubjectUnitsRestore = "verso.units.restore"
	SubjectRenderUnit   = "verso.render.unit"
	SubjectRenderBatch  = "verso.render.batch"
	SubjectJobsStatus   = "verso.jobs.status"
	SubjectJobsCancel   = "verso.jobs.cancel"
	SubjectJobsProgress = "verso.jobs.progress"
	SubjectMergeRun     = "verso.merge.run"
	SubjectExportRun    = "verso.export.run"
	SubjectScriptIngest = "verso.script.ingest"
)
