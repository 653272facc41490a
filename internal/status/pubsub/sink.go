// Package pubsub implements a StatusSink that publishes terminal job
// statuses to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config captures the parameters for the Pub/Sub status sink.
type Config struct {
	ProjectID string        `mapstructure:"project_id" yaml:"project_id"`
	Topic     string        `mapstructure:"topic" yaml:"topic"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// statusMessage is the wire shape published per terminal job.
type statusMessage struct {
	JobID      string            `json:"job_id"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReportedAt time.Time         `json:"reported_at"`
}

// Sink publishes job statuses to a topic. Failures are logged and dropped;
// status reporting never blocks the worker path.
type Sink struct {
	topic   *pubsub.Topic
	timeout time.Duration
	clock   fetch.Clock
	logger  *zap.Logger
}

// New opens a Pub/Sub client and binds the sink to cfg.Topic.
func New(ctx context.Context, cfg Config, clock fetch.Clock, logger *zap.Logger) (*Sink, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		topic:   client.Topic(cfg.Topic),
		timeout: timeout,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Report publishes the terminal status. Errors are logged, never returned.
func (s *Sink) Report(ctx context.Context, jobID string, status fetch.JobStatus, metadata map[string]string) {
	data, err := json.Marshal(statusMessage{
		JobID:      jobID,
		Status:     string(status),
		Metadata:   metadata,
		ReportedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("failed to marshal status message",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := s.topic.Publish(pubCtx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": jobID,
			"status": string(status),
		},
	})
	if _, err := result.Get(pubCtx); err != nil {
		s.logger.Warn("status publish failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Close flushes pending publishes.
func (s *Sink) Close() {
	s.topic.Stop()
}
