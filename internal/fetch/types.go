// Package fetch defines core types shared across subsystems.
package fetch

import (
	"time"
)

// SourceType selects the execution strategy for a job.
type SourceType string

// Source types routed by the dispatcher.
const (
	SourceS3            SourceType = "s3"
	SourceFTP           SourceType = "ftp"
	SourceGenericAPI    SourceType = "generic-api"
	SourceCustomFetcher SourceType = "custom-fetcher"
)

// JobStatus represents the lifecycle state of a fetch job.
type JobStatus string

// Job status values persisted in the metadata store.
const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusSucceeded   JobStatus = "succeeded"
	JobStatusFailed      JobStatus = "failed"
	JobStatusHumanReview JobStatus = "human_review"
)

// IsTerminal reports whether the status ends a job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusHumanReview:
		return true
	default:
		return false
	}
}

// RetryState tracks per-job attempt counters. Counters are set once at job
// creation and never carried across jobs.
type RetryState struct {
	SimpleRetries   int `json:"simple_retries"`
	WorkflowRetries int `json:"workflow_retries"`
}

// Job is the unit of work pulled from the inbound source. Only the
// orchestrator and dispatcher mutate it.
type Job struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	SourceType SourceType `json:"source_type"`
	Status     JobStatus  `json:"status"`
	Retries    RetryState `json:"retries"`
	ErrorText  string     `json:"error_text,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline,omitempty"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`

	// HumanReview marks a terminal failure that exhausted the workflow
	// budget and needs operator diagnosis.
	HumanReview bool `json:"human_review,omitempty"`
}

// StructureID groups channels that share one underlying site or endpoint
// shape, and therefore share one fetcher implementation.
type StructureID string

// ExecutionMode selects how custom fetcher code is executed.
type ExecutionMode string

// Execution modes supported by the custom-fetcher runners.
const (
	ModeHTTP    ExecutionMode = "http"
	ModeBrowser ExecutionMode = "browser"
)

// VersionStatus is the lifecycle state of a fetcher version.
type VersionStatus string

// Fetcher version states. At most one active version exists per structure.
const (
	VersionCandidate VersionStatus = "candidate"
	VersionActive    VersionStatus = "active"
	VersionRetired   VersionStatus = "retired"
)

// FetcherVersion is one generated revision of executable fetch code for a
// structure.
type FetcherVersion struct {
	ID          string        `json:"id"`
	StructureID StructureID   `json:"structure_id"`
	Version     int           `json:"version"`
	CodeRef     string        `json:"code_ref"`
	Mode        ExecutionMode `json:"mode"`
	Status      VersionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ChannelMapping links a channel to the fetcher version it executes.
type ChannelMapping struct {
	ChannelID string            `json:"channel_id"`
	VersionID string            `json:"version_id"`
	Config    map[string]string `json:"config,omitempty"`
}

// ChannelConfig is the resolved configuration for a channel target.
type ChannelConfig struct {
	ChannelID   string            `json:"channel_id"`
	SourceType  SourceType        `json:"source_type"`
	StructureID StructureID       `json:"structure_id"`
	TargetURL   string            `json:"target_url"`
	Params      map[string]string `json:"params,omitempty"`
}

// FileRecord describes one file produced by an execution. Deduplication is
// the upload collaborator's concern; this is only the handoff shape.
type FileRecord struct {
	JobID string `json:"job_id"`
	Hash  string `json:"content_hash"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Body  []byte `json:"-"`
}

// PublishReceipt is returned by the upload/dedup collaborator.
type PublishReceipt struct {
	ParentPath     string `json:"parent_path"`
	NewCount       int    `json:"new_count"`
	UpdatedCount   int    `json:"updated_count"`
	DuplicateCount int    `json:"duplicate_count"`
}

// Outcome is the normalized result of executing a job's source strategy.
type Outcome struct {
	Success    bool           `json:"success"`
	Files      []FileRecord   `json:"files,omitempty"`
	ParentPath string         `json:"parent_path,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Err        error          `json:"-"`
	Receipt    PublishReceipt `json:"receipt,omitempty"`
}

// CodeArtifact is the raw product of code generation, before storage.
type CodeArtifact struct {
	StructureID StructureID   `json:"structure_id"`
	Mode        ExecutionMode `json:"mode"`
	Body        []byte        `json:"body"`
}

// FetchPlan is the executable shape loaded from a stored code artifact.
// Runners interpret the plan; the lifecycle manager only moves it around.
type FetchPlan struct {
	StructureID StructureID   `json:"structure_id"`
	Mode        ExecutionMode `json:"mode"`
	EntryURL    string        `json:"entry_url"`
	Steps       []PlanStep    `json:"steps"`
	OutputShape []string      `json:"output_shape"`
}

// PlanStep is one navigation or extraction step in a fetch plan.
type PlanStep struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ReferenceOutput is one retained historical execution output used as a
// validation baseline for a structure.
type ReferenceOutput struct {
	StructureID StructureID `json:"structure_id"`
	ChannelID   string      `json:"channel_id"`
	Fields      []string    `json:"fields"`
	RecordedAt  time.Time   `json:"recorded_at"`
}

// Stats is a point-in-time snapshot of orchestrator counters.
type Stats struct {
	Submitted int `json:"submitted"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
}

// QueueItem wraps a job ready to run. Done, when set, is invoked exactly
// once after the job reaches a terminal status so at-least-once sources can
// acknowledge consumption.
type QueueItem struct {
	Job       Job
	Submitted int64
	Done      func(err error)
}
