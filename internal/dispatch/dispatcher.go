// Package dispatch routes jobs to source-type strategies and drives each
// job through retries and escalation to a terminal status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/logging"
	"github.com/archival-systems/fetcherd/internal/metrics"
	"github.com/archival-systems/fetcherd/internal/policy/retry"
)

// Lifecycle is the slice of the lifecycle manager the dispatcher needs.
type Lifecycle interface {
	Ensure(ctx context.Context, job fetch.Job, channel fetch.ChannelConfig) (fetch.FetcherVersion, error)
	Heal(ctx context.Context, job fetch.Job, channel fetch.ChannelConfig, failedVersionID string) (fetch.FetcherVersion, error)
	Material(ctx context.Context, v fetch.FetcherVersion) (fetch.FetchPlan, error)
}

// Dispatcher resolves a job's execution strategy, runs it, classifies the
// outcome and applies the retry/escalation policy until the job is terminal.
type Dispatcher struct {
	configs   fetch.ChannelConfigSource
	lifecycle Lifecycle
	runners   map[fetch.SourceType]fetch.SourceRunner
	custom    map[fetch.ExecutionMode]fetch.SourceRunner
	publisher fetch.Publisher
	store     fetch.MetadataStore
	policy    retry.Config
	clock     fetch.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// New constructs a Dispatcher. runners maps the plain source types
// (s3, ftp, generic-api); custom maps execution modes for custom fetchers.
func New(
	configs fetch.ChannelConfigSource,
	lifecycle Lifecycle,
	runners map[fetch.SourceType]fetch.SourceRunner,
	custom map[fetch.ExecutionMode]fetch.SourceRunner,
	publisher fetch.Publisher,
	store fetch.MetadataStore,
	policy retry.Config,
	clock fetch.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		configs:   configs,
		lifecycle: lifecycle,
		runners:   runners,
		custom:    custom,
		publisher: publisher,
		store:     store,
		policy:    policy,
		clock:     clock,
		sleep:     sleepCtx,
		logger:    logger,
	}
}

// Process drives one job to a terminal status and returns it with final
// status, error text and counters filled in. The context carries the job's
// deadline; expiry aborts the current attempt and terminates the job.
func (d *Dispatcher) Process(ctx context.Context, job fetch.Job) fetch.Job {
	log := logging.WithJob(d.logger, job.ID, job.ChannelID)

	channel, err := d.configs.ChannelConfig(ctx, job.ChannelID)
	if err != nil {
		return d.finish(job, fetch.JobStatusFailed,
			fmt.Sprintf("resolve channel config: %v", err), false)
	}

	var (
		pendingErr error
		versionID  string
		plan       *fetch.FetchPlan
	)
	for {
		if ctx.Err() != nil {
			return d.finish(job, fetch.JobStatusFailed, "job deadline exceeded", false)
		}

		var (
			outcome fetch.Outcome
			execErr error
		)
		if pendingErr != nil {
			// A heal failure from the previous iteration; the version that
			// originally failed stays in versionID so a retried heal still
			// targets it.
			execErr, pendingErr = pendingErr, nil
		} else {
			outcome, versionID, plan, execErr = d.executeOnce(ctx, job, channel)
		}

		if execErr == nil {
			return d.succeed(ctx, log, job, channel, outcome, plan)
		}

		class := fetch.Classify(execErr)
		metrics.ObserveFailure(string(class))
		decision := retry.Decide(class, job.Retries, d.policy)
		log.Warn("job attempt failed",
			zap.String("class", string(class)),
			zap.String("action", string(decision.Action)),
			zap.Error(execErr),
		)

		switch decision.Action {
		case retry.ActionRetrySame:
			continue

		case retry.ActionRetryWithBackoff:
			job.Retries.SimpleRetries++
			if err := d.sleep(ctx, decision.Backoff); err != nil {
				return d.finish(job, fetch.JobStatusFailed, "job deadline exceeded", false)
			}
			continue

		case retry.ActionRegenerateAndValidate:
			job.Retries.WorkflowRetries++
			if _, healErr := d.lifecycle.Heal(ctx, job, channel, versionID); healErr != nil {
				// Carried into the next iteration so the policy sees the
				// heal failure's own class against the updated counters.
				pendingErr = healErr
			}
			continue

		case retry.ActionRequireConfigFix:
			return d.finish(job, fetch.JobStatusFailed,
				fmt.Sprintf("configuration fix required: %v", execErr), false)

		case retry.ActionTerminal:
			if decision.RequiresHumanReview {
				return d.finish(job, fetch.JobStatusHumanReview,
					d.reviewContext(channel, versionID, execErr), true)
			}
			return d.finish(job, fetch.JobStatusFailed, execErr.Error(), false)

		default:
			return d.finish(job, fetch.JobStatusFailed,
				fmt.Sprintf("unhandled policy action %q", decision.Action), false)
		}
	}
}

// executeOnce resolves the strategy for the job's source type and runs it.
// For custom fetchers the version in play is returned so heal can tell
// whether a concurrent regeneration already replaced it.
func (d *Dispatcher) executeOnce(
	ctx context.Context,
	job fetch.Job,
	channel fetch.ChannelConfig,
) (fetch.Outcome, string, *fetch.FetchPlan, error) {
	start := d.clock.Now()

	var (
		runner    fetch.SourceRunner
		versionID string
		plan      *fetch.FetchPlan
	)
	switch job.SourceType {
	case fetch.SourceCustomFetcher:
		version, err := d.lifecycle.Ensure(ctx, job, channel)
		if err != nil {
			return fetch.Outcome{}, "", nil, err
		}
		versionID = version.ID
		loaded, err := d.lifecycle.Material(ctx, version)
		if err != nil {
			return fetch.Outcome{}, versionID, nil, fmt.Errorf("%w: %v", fetch.ErrCodeDefect, err)
		}
		plan = &loaded
		var ok bool
		runner, ok = d.custom[version.Mode]
		if !ok {
			return fetch.Outcome{}, versionID, plan, fmt.Errorf("%w: no runner for mode %q", fetch.ErrCodeDefect, version.Mode)
		}
	default:
		var ok bool
		runner, ok = d.runners[job.SourceType]
		if !ok {
			return fetch.Outcome{}, "", nil, fmt.Errorf("%w: unknown source type %q", fetch.ErrBadConfig, job.SourceType)
		}
	}

	outcome, err := runner.Run(ctx, fetch.RunRequest{Job: job, Channel: channel, Plan: plan})
	outcome.Duration = d.clock.Now().Sub(start)
	metrics.ObserveExecution(string(job.SourceType), outcome.Duration)
	if err != nil {
		return fetch.Outcome{}, versionID, plan, err
	}
	return outcome, versionID, plan, nil
}

// succeed publishes the produced files, records them, retains a validation
// baseline for custom fetchers, and finalizes the job.
func (d *Dispatcher) succeed(
	ctx context.Context,
	log *zap.Logger,
	job fetch.Job,
	channel fetch.ChannelConfig,
	outcome fetch.Outcome,
	plan *fetch.FetchPlan,
) fetch.Job {
	if d.publisher != nil && len(outcome.Files) > 0 {
		receipt, err := d.publisher.Publish(ctx, job.ID, outcome.Files)
		if err != nil {
			// Publication is part of the attempt: a failed upload fails the
			// job rather than losing files silently.
			return d.finish(job, fetch.JobStatusFailed,
				fmt.Sprintf("publish files: %v", err), false)
		}
		outcome.ParentPath = receipt.ParentPath
		metrics.ObservePublished(receipt.NewCount, receipt.UpdatedCount, receipt.DuplicateCount)
	}

	for _, f := range outcome.Files {
		if err := d.store.RecordFile(ctx, f); err != nil {
			log.Error("record file failed",
				zap.String("path", f.Path),
				zap.Error(err),
			)
		}
	}

	if plan != nil {
		ref := fetch.ReferenceOutput{
			StructureID: channel.StructureID,
			ChannelID:   channel.ChannelID,
			Fields:      plan.OutputShape,
			RecordedAt:  d.clock.Now(),
		}
		if err := d.store.AppendReference(ctx, ref); err != nil {
			log.Error("append reference output failed",
				zap.String("structure_id", string(channel.StructureID)),
				zap.Error(err),
			)
		}
	}

	log.Info("job succeeded",
		zap.Int("files", len(outcome.Files)),
		zap.String("parent_path", outcome.ParentPath),
		zap.Duration("duration", outcome.Duration),
	)
	return d.finish(job, fetch.JobStatusSucceeded, "", false)
}

func (d *Dispatcher) finish(job fetch.Job, status fetch.JobStatus, errText string, humanReview bool) fetch.Job {
	job.Status = status
	job.ErrorText = errText
	job.HumanReview = humanReview
	return job
}

// reviewContext assembles the diagnostics attached to a human-review
// terminal status: structure, attempted versions and the final failure.
func (d *Dispatcher) reviewContext(channel fetch.ChannelConfig, versionID string, err error) string {
	var valErr *fetch.ValidationError
	if errors.As(err, &valErr) {
		return fmt.Sprintf(
			"structure %s exhausted regeneration budget; last candidate %s rejected: %v",
			channel.StructureID, valErr.VersionID, valErr.Reasons,
		)
	}
	return fmt.Sprintf(
		"structure %s exhausted regeneration budget; last version %s: %v",
		channel.StructureID, versionID, err,
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
