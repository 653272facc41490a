// Package lifecycle governs discovery, generation, validation and promotion
// of custom fetcher versions per structure.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/metrics"
)

// Validator checks a candidate version against historical baselines and all
// currently mapped channels. A nil return means the candidate may be
// promoted; a *fetch.ValidationError carries the rejection reasons.
type Validator interface {
	Validate(ctx context.Context, candidate fetch.FetcherVersion) error
}

// Manager is the fetcher lifecycle state machine. All version and mapping
// mutation funnels through here under the per-structure token; the metadata
// store is re-read at every decision point rather than cached.
type Manager struct {
	store     fetch.MetadataStore
	generator fetch.CodeGenerator
	code      fetch.CodeStorage
	validator Validator
	ids       fetch.IDGenerator
	clock     fetch.Clock
	locks     *structureLocks
	logger    *zap.Logger
}

// New constructs a Manager.
func New(
	store fetch.MetadataStore,
	generator fetch.CodeGenerator,
	code fetch.CodeStorage,
	validator Validator,
	ids fetch.IDGenerator,
	clock fetch.Clock,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		generator: generator,
		code:      code,
		validator: validator,
		ids:       ids,
		clock:     clock,
		locks:     newStructureLocks(),
		logger:    logger,
	}
}

// Resolve looks up the active version for a structure. Never blocks on
// generation; returns fetch.ErrNotFound immediately when none exists.
func (m *Manager) Resolve(ctx context.Context, structure fetch.StructureID) (fetch.FetcherVersion, error) {
	return m.store.ActiveVersion(ctx, structure)
}

// Material loads the executable plan behind a version's code ref.
func (m *Manager) Material(ctx context.Context, v fetch.FetcherVersion) (fetch.FetchPlan, error) {
	plan, err := m.code.Load(ctx, v.CodeRef)
	if err != nil {
		return fetch.FetchPlan{}, fmt.Errorf("load code %s: %w", v.CodeRef, err)
	}
	return plan, nil
}

// Ensure returns the active version for the job's structure, generating and
// activating a first version when none exists. The first discovered version
// activates immediately without validation: there is no baseline to validate
// against yet. Generation is serialized per structure; a waiter that loses
// the race re-reads and reuses the winner's version.
func (m *Manager) Ensure(ctx context.Context, job fetch.Job, channel fetch.ChannelConfig) (fetch.FetcherVersion, error) {
	structure := channel.StructureID

	active, err := m.store.ActiveVersion(ctx, structure)
	if err == nil {
		return m.adopt(ctx, channel, active)
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		return fetch.FetcherVersion{}, fmt.Errorf("resolve %s: %w", structure, err)
	}

	if err := m.locks.Acquire(ctx, structure); err != nil {
		return fetch.FetcherVersion{}, err
	}
	defer m.locks.Release(structure)

	// Another job may have discovered the structure while we waited.
	active, err = m.store.ActiveVersion(ctx, structure)
	if err == nil {
		return m.adopt(ctx, channel, active)
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		return fetch.FetcherVersion{}, fmt.Errorf("resolve %s: %w", structure, err)
	}

	candidate, err := m.generate(ctx, structure, channel)
	if err != nil {
		return fetch.FetcherVersion{}, err
	}
	candidate.Status = fetch.VersionActive
	if err := m.store.InsertVersion(ctx, candidate); err != nil {
		return fetch.FetcherVersion{}, fmt.Errorf("insert first version: %w", err)
	}
	if err := m.ensureMapping(ctx, channel, candidate); err != nil {
		return fetch.FetcherVersion{}, err
	}
	m.logger.Info("first fetcher version activated",
		zap.String("job_id", job.ID),
		zap.String("structure_id", string(structure)),
		zap.String("version_id", candidate.ID),
		zap.String("mode", string(candidate.Mode)),
	)
	return candidate, nil
}

// Heal regenerates a structure's fetcher after a structural or code-level
// failure. It always produces a new version and always validates it before
// promotion. failedVersionID is the version the caller executed; when the
// structure already moved past it the existing active version is returned
// without a second regeneration.
func (m *Manager) Heal(
	ctx context.Context,
	job fetch.Job,
	channel fetch.ChannelConfig,
	failedVersionID string,
) (fetch.FetcherVersion, error) {
	structure := channel.StructureID

	lockStart := m.clock.Now()
	if !m.locks.TryAcquire(structure) {
		m.logger.Info("waiting for in-progress regeneration",
			zap.String("job_id", job.ID),
			zap.String("structure_id", string(structure)),
		)
		if err := m.locks.Acquire(ctx, structure); err != nil {
			return fetch.FetcherVersion{}, fmt.Errorf("%w: %s", fetch.ErrHealInProgress, err)
		}
	}
	defer m.locks.Release(structure)
	metrics.ObserveLockWait(m.clock.Now().Sub(lockStart))

	active, err := m.store.ActiveVersion(ctx, structure)
	if err == nil && active.ID != failedVersionID {
		// A concurrent heal already replaced the failed version.
		m.logger.Info("heal superseded by concurrent promotion",
			zap.String("job_id", job.ID),
			zap.String("structure_id", string(structure)),
			zap.String("version_id", active.ID),
		)
		return active, nil
	}
	if err != nil && !errors.Is(err, fetch.ErrNotFound) {
		return fetch.FetcherVersion{}, fmt.Errorf("resolve %s: %w", structure, err)
	}

	candidate, err := m.generate(ctx, structure, channel)
	if err != nil {
		return fetch.FetcherVersion{}, err
	}
	if err := m.store.InsertVersion(ctx, candidate); err != nil {
		return fetch.FetcherVersion{}, fmt.Errorf("insert candidate: %w", err)
	}
	metrics.ObserveGeneration(string(structure), "heal")

	if err := m.validator.Validate(ctx, candidate); err != nil {
		metrics.ObserveValidation("fail")
		m.logger.Warn("candidate rejected by validation",
			zap.String("structure_id", string(structure)),
			zap.String("version_id", candidate.ID),
			zap.Error(err),
		)
		return fetch.FetcherVersion{}, err
	}
	metrics.ObserveValidation("pass")

	if err := m.promote(ctx, candidate, channel); err != nil {
		return fetch.FetcherVersion{}, err
	}
	candidate.Status = fetch.VersionActive
	return candidate, nil
}

// promote makes the candidate active and repoints every mapping for the
// structure in one durable operation. A failure rolls the whole promotion
// back: the prior version stays active and the candidate stays a candidate.
func (m *Manager) promote(ctx context.Context, candidate fetch.FetcherVersion, channel fetch.ChannelConfig) error {
	if err := m.store.Promote(ctx, candidate); err != nil {
		return fmt.Errorf("promote %s: %w", candidate.ID, err)
	}
	metrics.ObservePromotion()
	candidate.Status = fetch.VersionActive
	if err := m.ensureMapping(ctx, channel, candidate); err != nil {
		return err
	}
	m.logger.Info("fetcher version promoted",
		zap.String("structure_id", string(candidate.StructureID)),
		zap.String("version_id", candidate.ID),
		zap.Int("version", candidate.Version),
	)
	return nil
}

func (m *Manager) generate(ctx context.Context, structure fetch.StructureID, channel fetch.ChannelConfig) (fetch.FetcherVersion, error) {
	artifact, err := m.generator.Generate(ctx, structure, channel)
	if err != nil {
		return fetch.FetcherVersion{}, &fetch.GenerationError{StructureID: structure, Err: err}
	}
	codeRef, err := m.code.Store(ctx, artifact)
	if err != nil {
		return fetch.FetcherVersion{}, &fetch.GenerationError{StructureID: structure, Err: fmt.Errorf("store artifact: %w", err)}
	}
	id, err := m.ids.NewID()
	if err != nil {
		return fetch.FetcherVersion{}, fmt.Errorf("new version id: %w", err)
	}
	number, err := m.store.NextVersionNumber(ctx, structure)
	if err != nil {
		return fetch.FetcherVersion{}, fmt.Errorf("next version number: %w", err)
	}
	return fetch.FetcherVersion{
		ID:          id,
		StructureID: structure,
		Version:     number,
		CodeRef:     codeRef,
		Mode:        artifact.Mode,
		Status:      fetch.VersionCandidate,
		CreatedAt:   m.clock.Now(),
	}, nil
}

// adopt points the channel at the active version and hands it back for
// execution. The mapping write happens outside the structure token, so a
// promotion can land between the caller's read and the write and retire
// the version just mapped. Re-reading after the write and repointing until
// both agree keeps every mapping on the current active version.
func (m *Manager) adopt(ctx context.Context, channel fetch.ChannelConfig, active fetch.FetcherVersion) (fetch.FetcherVersion, error) {
	for {
		if err := m.ensureMapping(ctx, channel, active); err != nil {
			return fetch.FetcherVersion{}, err
		}
		latest, err := m.store.ActiveVersion(ctx, channel.StructureID)
		if err != nil {
			return fetch.FetcherVersion{}, fmt.Errorf("resolve %s: %w", channel.StructureID, err)
		}
		if latest.ID == active.ID {
			return active, nil
		}
		active = latest
	}
}

// ensureMapping keeps the channel pointed at the given version.
func (m *Manager) ensureMapping(ctx context.Context, channel fetch.ChannelConfig, v fetch.FetcherVersion) error {
	if err := m.store.UpsertMapping(ctx, fetch.ChannelMapping{
		ChannelID: channel.ChannelID,
		VersionID: v.ID,
		Config:    channel.Params,
	}); err != nil {
		return fmt.Errorf("map channel %s: %w", channel.ChannelID, err)
	}
	return nil
}
