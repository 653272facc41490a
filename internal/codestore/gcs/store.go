// Package gcs provides a CodeStorage backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store persists fetcher code artifacts in a GCS bucket. Refs are gs://
// URIs so they stay meaningful outside this process.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed code store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "fetchers"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Store uploads the artifact and returns its gs:// ref.
func (s *Store) Store(ctx context.Context, artifact fetch.CodeArtifact) (string, error) {
	if len(artifact.Body) == 0 {
		return "", fmt.Errorf("empty artifact body")
	}
	path := fmt.Sprintf("%s/%s/%d.json", s.prefix, artifact.StructureID, time.Now().UTC().UnixNano())
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(artifact.Body)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy artifact: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Load reads the plan behind a gs:// code ref.
func (s *Store) Load(ctx context.Context, codeRef string) (fetch.FetchPlan, error) {
	path, err := s.objectPath(codeRef)
	if err != nil {
		return fetch.FetchPlan{}, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return fetch.FetchPlan{}, fmt.Errorf("open %s: %w", codeRef, err)
	}
	defer func() { _ = reader.Close() }()

	body, err := io.ReadAll(reader)
	if err != nil {
		return fetch.FetchPlan{}, fmt.Errorf("read %s: %w", codeRef, err)
	}
	var plan fetch.FetchPlan
	if err := json.Unmarshal(body, &plan); err != nil {
		return fetch.FetchPlan{}, fmt.Errorf("%w: decode plan: %v", fetch.ErrCodeDefect, err)
	}
	return plan, nil
}

func (s *Store) objectPath(codeRef string) (string, error) {
	want := "gs://" + s.bucket + "/"
	if !strings.HasPrefix(codeRef, want) {
		return "", fmt.Errorf("code ref %q not in bucket %s", codeRef, s.bucket)
	}
	return strings.TrimPrefix(codeRef, want), nil
}
