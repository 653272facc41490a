// Package template implements a deterministic code generator that derives a
// fetch plan from channel configuration. It stands in for the LLM-backed
// exploration service behind the same interface.
package template

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config controls plan synthesis.
type Config struct {
	// DefaultOutputShape is the field set emitted when the channel does not
	// declare its own.
	DefaultOutputShape []string
}

// Generator synthesizes fetch plans from channel configuration.
type Generator struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Generator.
func New(cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.DefaultOutputShape) == 0 {
		cfg.DefaultOutputShape = []string{"title", "start_time", "end_time", "channel"}
	}
	return &Generator{cfg: cfg, logger: logger}
}

// Generate produces a plan artifact for the structure. Deterministic:
// identical configuration always yields identical bytes.
func (g *Generator) Generate(ctx context.Context, structure fetch.StructureID, channel fetch.ChannelConfig) (fetch.CodeArtifact, error) {
	if err := ctx.Err(); err != nil {
		return fetch.CodeArtifact{}, err
	}
	if channel.TargetURL == "" {
		return fetch.CodeArtifact{}, fmt.Errorf("channel %s has no target url: %w", channel.ChannelID, fetch.ErrBadConfig)
	}

	mode := fetch.ModeHTTP
	if channel.Params["render"] == "browser" {
		mode = fetch.ModeBrowser
	}

	plan := fetch.FetchPlan{
		StructureID: structure,
		Mode:        mode,
		EntryURL:    channel.TargetURL,
		Steps:       planSteps(channel),
		OutputShape: g.outputShape(channel),
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return fetch.CodeArtifact{}, fmt.Errorf("marshal plan: %w", err)
	}

	g.logger.Debug("fetch plan synthesized",
		zap.String("structure_id", string(structure)),
		zap.String("mode", string(mode)),
		zap.Int("steps", len(plan.Steps)),
	)
	return fetch.CodeArtifact{StructureID: structure, Mode: mode, Body: body}, nil
}

func planSteps(channel fetch.ChannelConfig) []fetch.PlanStep {
	steps := []fetch.PlanStep{
		{Action: "navigate", Value: channel.TargetURL},
	}
	if sel := channel.Params["schedule_selector"]; sel != "" {
		steps = append(steps, fetch.PlanStep{Action: "wait", Selector: sel})
		steps = append(steps, fetch.PlanStep{Action: "extract", Selector: sel})
	} else {
		steps = append(steps, fetch.PlanStep{Action: "extract", Selector: "body"})
	}
	return steps
}

func (g *Generator) outputShape(channel fetch.ChannelConfig) []string {
	if declared := channel.Params["output_fields"]; declared != "" {
		var fields []string
		if err := json.Unmarshal([]byte(declared), &fields); err == nil && len(fields) > 0 {
			return fields
		}
	}
	return g.cfg.DefaultOutputShape
}
