// Package memory contains an in-memory upload publisher for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Publisher stores published file sets and deduplicates by content hash,
// mimicking the external upload service's receipt semantics.
type Publisher struct {
	mu     sync.RWMutex
	seen   map[string]string // content hash -> path
	byJob  map[string][]fetch.FileRecord
	parent string
}

// New returns a memory Publisher rooted at a synthetic parent path.
func New() *Publisher {
	return &Publisher{
		seen:   make(map[string]string),
		byJob:  make(map[string][]fetch.FileRecord),
		parent: "mem://uploads",
	}
}

// Publish records the files and returns a receipt with new/updated/duplicate
// counts.
func (p *Publisher) Publish(_ context.Context, jobID string, files []fetch.FileRecord) (fetch.PublishReceipt, error) {
	if jobID == "" {
		return fetch.PublishReceipt{}, fmt.Errorf("job id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	receipt := fetch.PublishReceipt{ParentPath: fmt.Sprintf("%s/%s", p.parent, jobID)}
	for _, f := range files {
		prevPath, dup := p.seen[f.Hash]
		switch {
		case dup && prevPath == f.Path:
			receipt.DuplicateCount++
			continue
		case dup:
			receipt.UpdatedCount++
		default:
			receipt.NewCount++
		}
		p.seen[f.Hash] = f.Path
		p.byJob[jobID] = append(p.byJob[jobID], f)
	}
	return receipt, nil
}

// Published returns the files recorded for a job, for test assertions.
func (p *Publisher) Published(jobID string) []fetch.FileRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]fetch.FileRecord(nil), p.byJob[jobID]...)
}
