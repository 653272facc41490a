package fetch

import (
	"context"
	"time"
)

// MetadataStore is the sole authority for durable fetcher/job state. The
// lifecycle manager re-reads through it at every decision point instead of
// caching across calls.
type MetadataStore interface {
	// Jobs.
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, retries RetryState) error
	GetJob(ctx context.Context, jobID string) (Job, error)

	// Fetcher versions.
	ActiveVersion(ctx context.Context, structure StructureID) (FetcherVersion, error)
	InsertVersion(ctx context.Context, v FetcherVersion) error
	NextVersionNumber(ctx context.Context, structure StructureID) (int, error)

	// Channel mappings.
	MappingsForStructure(ctx context.Context, structure StructureID) ([]ChannelMapping, error)
	UpsertMapping(ctx context.Context, m ChannelMapping) error

	// Promote atomically marks the candidate active, retires the prior
	// active version, and repoints every mapping for the structure at the
	// new version. Either all of it lands or none of it does.
	Promote(ctx context.Context, candidate FetcherVersion) error

	// Files and validation baselines.
	RecordFile(ctx context.Context, f FileRecord) error
	ReferenceWindow(ctx context.Context, structure StructureID, limit int) ([]ReferenceOutput, error)
	AppendReference(ctx context.Context, ref ReferenceOutput) error
}

// ChannelConfigSource resolves per-channel target configuration.
type ChannelConfigSource interface {
	ChannelConfig(ctx context.Context, channelID string) (ChannelConfig, error)
}

// CodeGenerator produces fetch code for a structure. Implementations retry
// internally within a bounded budget; callers treat this as a single call.
type CodeGenerator interface {
	Generate(ctx context.Context, structure StructureID, cfg ChannelConfig) (CodeArtifact, error)
}

// CodeStorage persists generated artifacts and loads them back by reference.
type CodeStorage interface {
	Store(ctx context.Context, artifact CodeArtifact) (string, error)
	Load(ctx context.Context, codeRef string) (FetchPlan, error)
}

// RunRequest carries everything a source runner needs for one execution.
type RunRequest struct {
	Job     Job
	Channel ChannelConfig
	Plan    *FetchPlan
}

// SourceRunner executes a job against its source and returns the produced
// files. One implementation exists per source type; custom fetchers have one
// per execution mode.
type SourceRunner interface {
	Run(ctx context.Context, req RunRequest) (Outcome, error)
}

// Publisher hands a file set to the external upload/dedup service.
type Publisher interface {
	Publish(ctx context.Context, jobID string, files []FileRecord) (PublishReceipt, error)
}

// StatusSink receives terminal job statuses. Fire-and-forget: callers bound
// the call and never let it block a worker for long.
type StatusSink interface {
	Report(ctx context.Context, jobID string, status JobStatus, metadata map[string]string)
}

// Queue provides enqueue/dequeue semantics for fetch jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Depth() int
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and version IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
