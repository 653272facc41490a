// Package memory provides an in-memory MetadataStore for development and
// testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Store keeps all metadata in maps guarded by one mutex. Promote applies
// its writes to a scratch copy first so a mid-rewrite failure leaves the
// visible state untouched.
type Store struct {
	mu         sync.RWMutex
	jobs       map[string]fetch.Job
	versions   map[string]fetch.FetcherVersion
	mappings   map[string]fetch.ChannelMapping
	files      map[string][]fetch.FileRecord
	references map[fetch.StructureID][]fetch.ReferenceOutput

	// FailPromoteAfter injects a fault: promotion aborts after repointing
	// that many mappings. Zero disables the fault. Used to exercise
	// rollback behavior.
	FailPromoteAfter int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]fetch.Job),
		versions:   make(map[string]fetch.FetcherVersion),
		mappings:   make(map[string]fetch.ChannelMapping),
		files:      make(map[string][]fetch.FileRecord),
		references: make(map[fetch.StructureID][]fetch.ReferenceOutput),
	}
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job fetch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates status, error text and retry counters for a job.
func (s *Store) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status fetch.JobStatus,
	errText string,
	retries fetch.RetryState,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = status
	job.ErrorText = errText
	job.Retries = retries
	job.HumanReview = status == fetch.JobStatusHumanReview
	now := time.Now().UTC()
	if status == fetch.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (fetch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fetch.Job{}, errors.New("job not found")
	}
	return job, nil
}

// ActiveVersion returns the single active version for a structure.
func (s *Store) ActiveVersion(_ context.Context, structure fetch.StructureID) (fetch.FetcherVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.StructureID == structure && v.Status == fetch.VersionActive {
			return v, nil
		}
	}
	return fetch.FetcherVersion{}, fetch.ErrNotFound
}

// InsertVersion stores a version row.
func (s *Store) InsertVersion(_ context.Context, v fetch.FetcherVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[v.ID]; exists {
		return fmt.Errorf("version %s already exists", v.ID)
	}
	s.versions[v.ID] = v
	return nil
}

// NextVersionNumber returns 1 + the highest version number for a structure.
func (s *Store) NextVersionNumber(_ context.Context, structure fetch.StructureID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 1
	for _, v := range s.versions {
		if v.StructureID == structure && v.Version >= next {
			next = v.Version + 1
		}
	}
	return next, nil
}

// MappingsForStructure lists the channel mappings whose version belongs to
// the structure.
func (s *Store) MappingsForStructure(_ context.Context, structure fetch.StructureID) ([]fetch.ChannelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fetch.ChannelMapping
	for _, m := range s.mappings {
		v, ok := s.versions[m.VersionID]
		if ok && v.StructureID == structure {
			out = append(out, m)
		}
	}
	return out, nil
}

// UpsertMapping inserts or replaces a channel mapping.
func (s *Store) UpsertMapping(_ context.Context, m fetch.ChannelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[m.VersionID]; !ok {
		return fmt.Errorf("mapping references unknown version %s", m.VersionID)
	}
	s.mappings[m.ChannelID] = m
	return nil
}

// Promote activates the candidate, retires the prior active version, and
// repoints all mappings for the structure in one atomic step. On any
// failure the visible state is unchanged.
func (s *Store) Promote(_ context.Context, candidate fetch.FetcherVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.versions[candidate.ID]
	if !ok {
		return fmt.Errorf("candidate %s not found", candidate.ID)
	}
	if stored.Status != fetch.VersionCandidate {
		return fmt.Errorf("version %s is %s, not a candidate", candidate.ID, stored.Status)
	}

	// Stage every write on copies; swap in only when all succeed.
	stagedVersions := make(map[string]fetch.FetcherVersion, len(s.versions))
	for id, v := range s.versions {
		stagedVersions[id] = v
	}
	stagedMappings := make(map[string]fetch.ChannelMapping, len(s.mappings))
	for id, m := range s.mappings {
		stagedMappings[id] = m
	}

	for id, v := range stagedVersions {
		if v.StructureID == stored.StructureID && v.Status == fetch.VersionActive {
			v.Status = fetch.VersionRetired
			stagedVersions[id] = v
		}
	}
	stored.Status = fetch.VersionActive
	stagedVersions[stored.ID] = stored

	rewritten := 0
	for id, m := range stagedMappings {
		old, ok := s.versions[m.VersionID]
		if !ok || old.StructureID != stored.StructureID {
			continue
		}
		if s.FailPromoteAfter > 0 && rewritten >= s.FailPromoteAfter {
			return fmt.Errorf("promote %s: injected fault after %d mappings", candidate.ID, rewritten)
		}
		m.VersionID = stored.ID
		stagedMappings[id] = m
		rewritten++
	}

	s.versions = stagedVersions
	s.mappings = stagedMappings
	return nil
}

// RecordFile appends a file row for a job.
func (s *Store) RecordFile(_ context.Context, f fetch.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.JobID] = append(s.files[f.JobID], f)
	return nil
}

// FilesForJob returns recorded files for a job.
func (s *Store) FilesForJob(jobID string) []fetch.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fetch.FileRecord, len(s.files[jobID]))
	copy(out, s.files[jobID])
	return out
}

// ReferenceWindow returns up to limit of the most recent reference outputs
// for a structure.
func (s *Store) ReferenceWindow(_ context.Context, structure fetch.StructureID, limit int) ([]fetch.ReferenceOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.references[structure]
	if limit > 0 && len(refs) > limit {
		refs = refs[len(refs)-limit:]
	}
	out := make([]fetch.ReferenceOutput, len(refs))
	copy(out, refs)
	return out, nil
}

// AppendReference retains an execution output as a validation baseline.
func (s *Store) AppendReference(_ context.Context, ref fetch.ReferenceOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[ref.StructureID] = append(s.references[ref.StructureID], ref)
	return nil
}

// Versions returns a copy of all version rows, for assertions in tests.
func (s *Store) Versions() []fetch.FetcherVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fetch.FetcherVersion, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, v)
	}
	return out
}

// Mappings returns a copy of all mapping rows, for assertions in tests.
func (s *Store) Mappings() []fetch.ChannelMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fetch.ChannelMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
