// Package logsink implements a StatusSink that writes terminal job
// statuses to the service log. It is the default sink when no external
// status system is configured.
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Sink logs each reported status at info level.
type Sink struct {
	logger *zap.Logger
}

// New returns a log-backed status sink.
func New(logger *zap.Logger) *Sink {
	return &Sink{logger: logger}
}

// Report writes one structured log line per terminal job.
func (s *Sink) Report(_ context.Context, jobID string, status fetch.JobStatus, metadata map[string]string) {
	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
	}
	for k, v := range metadata {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("job reached terminal status", fields...)
}
