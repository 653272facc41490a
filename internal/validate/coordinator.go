// Package validate runs candidate fetcher versions against historical
// baselines and every channel mapped to the structure before promotion.
package validate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config bounds validation effort and strictness.
type Config struct {
	// ReferenceWindow is how many retained historical outputs to check.
	ReferenceWindow int
	// MinSuccessRatio is the fraction of reference outputs the candidate's
	// output shape must cover.
	MinSuccessRatio float64
}

// DefaultConfig returns production validation bounds.
func DefaultConfig() Config {
	return Config{
		ReferenceWindow: 20,
		MinSuccessRatio: 0.8,
	}
}

// Coordinator implements lifecycle.Validator.
type Coordinator struct {
	store   fetch.MetadataStore
	configs fetch.ChannelConfigSource
	code    fetch.CodeStorage
	runners map[fetch.ExecutionMode]fetch.SourceRunner
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Coordinator.
func New(
	store fetch.MetadataStore,
	configs fetch.ChannelConfigSource,
	code fetch.CodeStorage,
	runners map[fetch.ExecutionMode]fetch.SourceRunner,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReferenceWindow <= 0 {
		cfg.ReferenceWindow = DefaultConfig().ReferenceWindow
	}
	if cfg.MinSuccessRatio <= 0 {
		cfg.MinSuccessRatio = DefaultConfig().MinSuccessRatio
	}
	return &Coordinator{
		store:   store,
		configs: configs,
		code:    code,
		runners: runners,
		cfg:     cfg,
		logger:  logger,
	}
}

// Validate checks the candidate against (a) the retained reference window
// for the structure and (b) one representative execution per mapped channel.
// Promotion is structure-wide, so a candidate failing even one mapped
// channel is rejected. Returns nil on pass, *fetch.ValidationError on fail.
func (c *Coordinator) Validate(ctx context.Context, candidate fetch.FetcherVersion) error {
	plan, err := c.code.Load(ctx, candidate.CodeRef)
	if err != nil {
		return &fetch.ValidationError{
			StructureID: candidate.StructureID,
			VersionID:   candidate.ID,
			Reasons:     []string{fmt.Sprintf("load candidate code: %v", err)},
		}
	}

	var reasons []string
	reasons = append(reasons, c.checkReferences(ctx, candidate, plan)...)
	reasons = append(reasons, c.checkChannels(ctx, candidate, plan)...)

	if len(reasons) > 0 {
		return &fetch.ValidationError{
			StructureID: candidate.StructureID,
			VersionID:   candidate.ID,
			Reasons:     reasons,
		}
	}
	c.logger.Info("candidate validated",
		zap.String("structure_id", string(candidate.StructureID)),
		zap.String("version_id", candidate.ID),
	)
	return nil
}

// checkReferences verifies the candidate's output shape still covers the
// fields seen in the retained historical window.
func (c *Coordinator) checkReferences(ctx context.Context, candidate fetch.FetcherVersion, plan fetch.FetchPlan) []string {
	refs, err := c.store.ReferenceWindow(ctx, candidate.StructureID, c.cfg.ReferenceWindow)
	if err != nil {
		return []string{fmt.Sprintf("load reference window: %v", err)}
	}
	if len(refs) == 0 {
		return nil
	}

	shape := make(map[string]struct{}, len(plan.OutputShape))
	for _, field := range plan.OutputShape {
		shape[field] = struct{}{}
	}

	covered := 0
	for _, ref := range refs {
		if coversFields(shape, ref.Fields) {
			covered++
		}
	}
	ratio := float64(covered) / float64(len(refs))
	if ratio < c.cfg.MinSuccessRatio {
		return []string{fmt.Sprintf(
			"reference coverage %.2f below minimum %.2f (%d/%d outputs)",
			ratio, c.cfg.MinSuccessRatio, covered, len(refs),
		)}
	}
	return nil
}

// checkChannels executes the candidate once per mapped channel. All sampled
// channels must succeed.
func (c *Coordinator) checkChannels(ctx context.Context, candidate fetch.FetcherVersion, plan fetch.FetchPlan) []string {
	mappings, err := c.store.MappingsForStructure(ctx, candidate.StructureID)
	if err != nil {
		return []string{fmt.Sprintf("list mapped channels: %v", err)}
	}

	runner, ok := c.runners[candidate.Mode]
	if !ok {
		return []string{fmt.Sprintf("no runner for execution mode %q", candidate.Mode)}
	}

	var reasons []string
	for _, mapping := range mappings {
		channel, err := c.configs.ChannelConfig(ctx, mapping.ChannelID)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("channel %s: resolve config: %v", mapping.ChannelID, err))
			continue
		}
		outcome, err := runner.Run(ctx, fetch.RunRequest{
			Job:     fetch.Job{ID: "validate-" + candidate.ID, ChannelID: channel.ChannelID, SourceType: channel.SourceType},
			Channel: channel,
			Plan:    &plan,
		})
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("channel %s: execution failed: %v", mapping.ChannelID, err))
			continue
		}
		if len(outcome.Files) == 0 {
			reasons = append(reasons, fmt.Sprintf("channel %s: completeness check produced no files", mapping.ChannelID))
		}
	}
	return reasons
}

func coversFields(shape map[string]struct{}, fields []string) bool {
	for _, f := range fields {
		if _, ok := shape[f]; !ok {
			return false
		}
	}
	return true
}
