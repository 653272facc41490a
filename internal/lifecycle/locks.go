package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// structureLocks serializes generation/validation/promotion per structure.
// A holder owns the token until Release; waiters block on a channel that is
// closed on release, bounded by their context.
type structureLocks struct {
	mu   sync.Mutex
	held map[fetch.StructureID]chan struct{}
}

func newStructureLocks() *structureLocks {
	return &structureLocks{held: make(map[fetch.StructureID]chan struct{})}
}

// Acquire blocks until the structure token is free or the context ends.
func (l *structureLocks) Acquire(ctx context.Context, structure fetch.StructureID) error {
	for {
		l.mu.Lock()
		wait, busy := l.held[structure]
		if !busy {
			l.held[structure] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for structure %s: %w", structure, ctx.Err())
		case <-wait:
		}
	}
}

// TryAcquire grabs the token without waiting.
func (l *structureLocks) TryAcquire(structure fetch.StructureID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[structure]; busy {
		return false
	}
	l.held[structure] = make(chan struct{})
	return true
}

// Release frees the token and wakes all waiters.
func (l *structureLocks) Release(structure fetch.StructureID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wait, busy := l.held[structure]
	if !busy {
		return
	}
	delete(l.held, structure)
	close(wait)
}
