// Package postgres implements the metadata store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config controls the PostgreSQL connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

// pgxPool is the slice of *pgxpool.Pool the store uses. pgxmock satisfies
// it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists jobs, fetcher versions, mappings, files, and reference
// outputs in PostgreSQL.
type Store struct {
	pool pgxPool
}

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job fetch.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO fetch_jobs (
	id, channel_id, source_type, status,
	simple_retries, workflow_retries, error_text, created_at, deadline
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID,
		job.ChannelID,
		string(job.SourceType),
		string(job.Status),
		job.Retries.SimpleRetries,
		job.Retries.WorkflowRetries,
		job.ErrorText,
		job.CreatedAt,
		nullableTime(job.Deadline),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates status, error text, and retry counters for a job.
func (s *Store) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status fetch.JobStatus,
	errText string,
	retries fetch.RetryState,
) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE fetch_jobs
SET status = $2,
	error_text = $3,
	simple_retries = $4,
	workflow_retries = $5,
	started_at = CASE WHEN $2 = 'running' THEN now() ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('succeeded','failed','human_review') THEN now() ELSE finished_at END
WHERE id = $1`,
		jobID, string(status), errText, retries.SimpleRetries, retries.WorkflowRetries,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (fetch.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, channel_id, source_type, status,
	simple_retries, workflow_retries, error_text,
	created_at, deadline, started_at, finished_at
FROM fetch_jobs WHERE id = $1`, jobID)

	var (
		job                fetch.Job
		sourceType, status string
		deadline           *time.Time
	)
	err := row.Scan(
		&job.ID, &job.ChannelID, &sourceType, &status,
		&job.Retries.SimpleRetries, &job.Retries.WorkflowRetries, &job.ErrorText,
		&job.CreatedAt, &deadline, &job.Started, &job.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return fetch.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return fetch.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.SourceType = fetch.SourceType(sourceType)
	job.Status = fetch.JobStatus(status)
	job.HumanReview = job.Status == fetch.JobStatusHumanReview
	if deadline != nil {
		job.Deadline = *deadline
	}
	return job, nil
}

// ActiveVersion returns the single active fetcher version for a structure.
func (s *Store) ActiveVersion(ctx context.Context, structure fetch.StructureID) (fetch.FetcherVersion, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, structure_id, version, code_ref, mode, status, created_at
FROM fetcher_versions
WHERE structure_id = $1 AND status = 'active'`, string(structure))

	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fetch.FetcherVersion{}, fetch.ErrNotFound
	}
	if err != nil {
		return fetch.FetcherVersion{}, fmt.Errorf("select active version: %w", err)
	}
	return v, nil
}

// InsertVersion inserts a fetcher version row.
func (s *Store) InsertVersion(ctx context.Context, v fetch.FetcherVersion) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO fetcher_versions (id, structure_id, version, code_ref, mode, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, string(v.StructureID), v.Version, v.CodeRef, string(v.Mode), string(v.Status), v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// NextVersionNumber returns the next monotonic version for a structure.
func (s *Store) NextVersionNumber(ctx context.Context, structure fetch.StructureID) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM fetcher_versions WHERE structure_id = $1`,
		string(structure))
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next version number: %w", err)
	}
	return next, nil
}

// MappingsForStructure lists channel mappings for one structure.
func (s *Store) MappingsForStructure(ctx context.Context, structure fetch.StructureID) ([]fetch.ChannelMapping, error) {
	rows, err := s.pool.Query(ctx, `
SELECT channel_id, version_id, config
FROM channel_mappings WHERE structure_id = $1
ORDER BY channel_id`, string(structure))
	if err != nil {
		return nil, fmt.Errorf("select mappings: %w", err)
	}
	defer rows.Close()

	var mappings []fetch.ChannelMapping
	for rows.Next() {
		var (
			m         fetch.ChannelMapping
			configRaw []byte
		)
		if err := rows.Scan(&m.ChannelID, &m.VersionID, &configRaw); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		if len(configRaw) > 0 {
			if err := json.Unmarshal(configRaw, &m.Config); err != nil {
				return nil, fmt.Errorf("decode mapping config: %w", err)
			}
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return mappings, nil
}

// UpsertMapping inserts or repoints a channel mapping.
func (s *Store) UpsertMapping(ctx context.Context, m fetch.ChannelMapping) error {
	configJSON, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("encode mapping config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO channel_mappings (channel_id, structure_id, version_id, config)
SELECT $1, v.structure_id, $2, $3 FROM fetcher_versions v WHERE v.id = $2
ON CONFLICT (channel_id) DO UPDATE
SET structure_id = EXCLUDED.structure_id,
	version_id = EXCLUDED.version_id,
	config = EXCLUDED.config`,
		m.ChannelID, m.VersionID, configJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

// Promote activates the candidate, retires the previous active version, and
// repoints every mapping for the structure, all in one transaction.
func (s *Store) Promote(ctx context.Context, candidate fetch.FetcherVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE fetcher_versions SET status = 'retired'
WHERE structure_id = $1 AND status = 'active' AND id <> $2`,
		string(candidate.StructureID), candidate.ID,
	); err != nil {
		return fmt.Errorf("retire active version: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE fetcher_versions SET status = 'active'
WHERE id = $1 AND structure_id = $2`,
		candidate.ID, string(candidate.StructureID),
	)
	if err != nil {
		return fmt.Errorf("activate candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s not found", candidate.ID)
	}

	if _, err := tx.Exec(ctx, `
UPDATE channel_mappings SET version_id = $1 WHERE structure_id = $2`,
		candidate.ID, string(candidate.StructureID),
	); err != nil {
		return fmt.Errorf("repoint mappings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit promote: %w", err)
	}
	return nil
}

// RecordFile stores one produced file's metadata. Bodies stay with the
// upload collaborator.
func (s *Store) RecordFile(ctx context.Context, f fetch.FileRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO fetch_files (job_id, content_hash, path, size_bytes)
VALUES ($1,$2,$3,$4)`,
		f.JobID, f.Hash, f.Path, f.Size,
	)
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

// ReferenceWindow returns up to limit most recent reference outputs for a
// structure, newest first.
func (s *Store) ReferenceWindow(ctx context.Context, structure fetch.StructureID, limit int) ([]fetch.ReferenceOutput, error) {
	rows, err := s.pool.Query(ctx, `
SELECT structure_id, channel_id, fields, recorded_at
FROM reference_outputs
WHERE structure_id = $1
ORDER BY recorded_at DESC
LIMIT $2`, string(structure), limit)
	if err != nil {
		return nil, fmt.Errorf("select references: %w", err)
	}
	defer rows.Close()

	var refs []fetch.ReferenceOutput
	for rows.Next() {
		var (
			ref       fetch.ReferenceOutput
			structRaw string
			fieldsRaw []byte
		)
		if err := rows.Scan(&structRaw, &ref.ChannelID, &fieldsRaw, &ref.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		ref.StructureID = fetch.StructureID(structRaw)
		if len(fieldsRaw) > 0 {
			if err := json.Unmarshal(fieldsRaw, &ref.Fields); err != nil {
				return nil, fmt.Errorf("decode reference fields: %w", err)
			}
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return refs, nil
}

// AppendReference records one execution output as a validation baseline.
func (s *Store) AppendReference(ctx context.Context, ref fetch.ReferenceOutput) error {
	fieldsJSON, err := json.Marshal(ref.Fields)
	if err != nil {
		return fmt.Errorf("encode reference fields: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO reference_outputs (structure_id, channel_id, fields, recorded_at)
VALUES ($1,$2,$3,$4)`,
		string(ref.StructureID), ref.ChannelID, fieldsJSON, ref.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (fetch.FetcherVersion, error) {
	var (
		v                       fetch.FetcherVersion
		structure, mode, status string
	)
	if err := row.Scan(&v.ID, &structure, &v.Version, &v.CodeRef, &mode, &status, &v.CreatedAt); err != nil {
		return fetch.FetcherVersion{}, err
	}
	v.StructureID = fetch.StructureID(structure)
	v.Mode = fetch.ExecutionMode(mode)
	v.Status = fetch.VersionStatus(status)
	return v, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
