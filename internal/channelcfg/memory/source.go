// Package memory provides an in-memory channel config source seeded from
// service configuration.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Source resolves channel configuration from a static seed map.
type Source struct {
	mu       sync.RWMutex
	channels map[string]fetch.ChannelConfig
}

// New builds a Source. Structure ids are derived up front so a bad seed
// fails at startup instead of per job.
func New(seeds map[string]fetch.ChannelConfig) (*Source, error) {
	channels := make(map[string]fetch.ChannelConfig, len(seeds))
	for id, cfg := range seeds {
		cfg.ChannelID = id
		if cfg.StructureID == "" {
			structure, err := fetch.DeriveStructureID(cfg.SourceType, cfg.TargetURL)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", id, err)
			}
			cfg.StructureID = structure
		}
		channels[id] = cfg
	}
	return &Source{channels: channels}, nil
}

// ChannelConfig returns the configuration for one channel.
func (s *Source) ChannelConfig(_ context.Context, channelID string) (fetch.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.channels[channelID]
	if !ok {
		return fetch.ChannelConfig{}, fmt.Errorf("%w: unknown channel %q", fetch.ErrBadConfig, channelID)
	}
	return cfg, nil
}

// Upsert adds or replaces a channel at runtime. Tests and the API seed
// channels through it.
func (s *Source) Upsert(cfg fetch.ChannelConfig) error {
	if cfg.ChannelID == "" {
		return fmt.Errorf("%w: channel id is required", fetch.ErrBadConfig)
	}
	if cfg.StructureID == "" {
		structure, err := fetch.DeriveStructureID(cfg.SourceType, cfg.TargetURL)
		if err != nil {
			return err
		}
		cfg.StructureID = structure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[cfg.ChannelID] = cfg
	return nil
}
