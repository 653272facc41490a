// Package postgres resolves channel configuration from PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// rowQuerier is the slice of *pgxpool.Pool the source uses. pgxmock
// satisfies it in tests.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Source loads channel configuration rows on demand. No caching: channel
// edits land without a restart, and the dispatcher resolves once per job.
type Source struct {
	pool rowQuerier
}

// New builds a Source over an existing pool.
func New(pool rowQuerier) (*Source, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Source{pool: pool}, nil
}

// ChannelConfig returns the configuration for one channel.
func (s *Source) ChannelConfig(ctx context.Context, channelID string) (fetch.ChannelConfig, error) {
	row := s.pool.QueryRow(ctx, `
SELECT channel_id, source_type, structure_id, target_url, params
FROM channel_configs WHERE channel_id = $1`, channelID)

	var (
		cfg                   fetch.ChannelConfig
		sourceType, structure string
		paramsRaw             []byte
	)
	err := row.Scan(&cfg.ChannelID, &sourceType, &structure, &cfg.TargetURL, &paramsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fetch.ChannelConfig{}, fmt.Errorf("%w: unknown channel %q", fetch.ErrBadConfig, channelID)
	}
	if err != nil {
		return fetch.ChannelConfig{}, fmt.Errorf("select channel config: %w", err)
	}
	cfg.SourceType = fetch.SourceType(sourceType)
	cfg.StructureID = fetch.StructureID(structure)
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &cfg.Params); err != nil {
			return fetch.ChannelConfig{}, fmt.Errorf("decode channel params: %w", err)
		}
	}
	if cfg.StructureID == "" {
		derived, err := fetch.DeriveStructureID(cfg.SourceType, cfg.TargetURL)
		if err != nil {
			return fetch.ChannelConfig{}, err
		}
		cfg.StructureID = derived
	}
	return cfg, nil
}
