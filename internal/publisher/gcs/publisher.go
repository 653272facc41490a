// Package gcs implements the upload publisher on Google Cloud Storage.
// Objects are addressed by content hash, which makes deduplication a
// metadata lookup instead of a byte comparison.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config captures the parameters for the GCS publisher.
type Config struct {
	Bucket      string
	Prefix      string
	ContentType string
}

// Publisher uploads produced files to a bucket.
type Publisher struct {
	client *storage.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a GCS-backed publisher.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "files"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, cfg: cfg, logger: logger}, nil
}

// Publish uploads each file under its content hash and reports how many
// were new versus already present.
func (p *Publisher) Publish(ctx context.Context, jobID string, files []fetch.FileRecord) (fetch.PublishReceipt, error) {
	if jobID == "" {
		return fetch.PublishReceipt{}, fmt.Errorf("job id is required")
	}
	bucket := p.client.Bucket(p.cfg.Bucket)
	receipt := fetch.PublishReceipt{
		ParentPath: fmt.Sprintf("gs://%s/%s", p.cfg.Bucket, p.cfg.Prefix),
	}

	for _, f := range files {
		if f.Hash == "" {
			return fetch.PublishReceipt{}, fmt.Errorf("file %s has no content hash", f.Path)
		}
		objPath := fmt.Sprintf("%s/%s", p.cfg.Prefix, f.Hash)
		obj := bucket.Object(objPath)

		_, err := obj.Attrs(ctx)
		switch {
		case err == nil:
			receipt.DuplicateCount++
			continue
		case errors.Is(err, storage.ErrObjectNotExist):
		default:
			return fetch.PublishReceipt{}, fmt.Errorf("stat object %s: %w", objPath, err)
		}

		w := obj.NewWriter(ctx)
		if p.cfg.ContentType != "" {
			w.ContentType = p.cfg.ContentType
		}
		w.Metadata = map[string]string{"job_id": jobID, "source_path": f.Path}
		if _, err := io.Copy(w, bytes.NewReader(f.Body)); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				return fetch.PublishReceipt{}, fmt.Errorf("upload %s: %w (close writer: %v)", objPath, err, closeErr)
			}
			return fetch.PublishReceipt{}, fmt.Errorf("upload %s: %w", objPath, err)
		}
		if err := w.Close(); err != nil {
			return fetch.PublishReceipt{}, fmt.Errorf("close writer for %s: %w", objPath, err)
		}
		receipt.NewCount++
	}

	p.logger.Debug("files published",
		zap.String("job_id", jobID),
		zap.Int("new", receipt.NewCount),
		zap.Int("duplicate", receipt.DuplicateCount),
	)
	return receipt, nil
}
