// Package memory provides an in-memory CodeStorage for development and
// testing.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Store keeps artifacts in a map keyed by a synthetic mem:// ref.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	seq     int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Store persists the artifact bytes and returns a code ref.
func (s *Store) Store(_ context.Context, artifact fetch.CodeArtifact) (string, error) {
	if len(artifact.Body) == 0 {
		return "", fmt.Errorf("empty artifact body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ref := fmt.Sprintf("mem://fetchers/%s/%d.json", artifact.StructureID, s.seq)
	s.objects[ref] = append([]byte(nil), artifact.Body...)
	return ref, nil
}

// Load decodes the plan behind a code ref.
func (s *Store) Load(_ context.Context, codeRef string) (fetch.FetchPlan, error) {
	s.mu.RLock()
	body, ok := s.objects[codeRef]
	s.mu.RUnlock()
	if !ok {
		return fetch.FetchPlan{}, fmt.Errorf("code ref %s not found", codeRef)
	}
	var plan fetch.FetchPlan
	if err := json.Unmarshal(body, &plan); err != nil {
		return fetch.FetchPlan{}, fmt.Errorf("%w: decode plan: %v", fetch.ErrCodeDefect, err)
	}
	return plan, nil
}
