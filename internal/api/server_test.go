package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/config"
	"github.com/archival-systems/fetcherd/internal/fetch"
)

type fakeOrchestrator struct {
	submitted []fetch.Job
	submitErr error
	jobs      map[string]fetch.Job
	stats     fetch.Stats
}

func (f *fakeOrchestrator) Submit(_ context.Context, job fetch.Job, _ func(err error)) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeOrchestrator) QueryStatus(_ context.Context, jobID string) (fetch.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return fetch.Job{}, errors.New("job not found")
	}
	return job, nil
}

func (f *fakeOrchestrator) Stats() fetch.Stats { return f.stats }

type fakeIDGen struct{ n int }

func (g *fakeIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("generated-%d", g.n), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(orch Orchestrator, cfg config.Config) *Server {
	return NewServer(
		orch,
		&fakeIDGen{},
		fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		cfg,
		zap.NewNop(),
	)
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	srv := newTestServer(orch, config.Config{})

	body := `{"channel_id":"bbc-one","source_type":"custom-fetcher"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "generated-1")
	require.Len(t, orch.submitted, 1)
	require.Equal(t, fetch.SourceCustomFetcher, orch.submitted[0].SourceType)
	require.Equal(t, fetch.JobStatusQueued, orch.submitted[0].Status)
}

func TestSubmitJobKeepsCallerID(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	srv := newTestServer(orch, config.Config{})

	body := `{"job_id":"caller-1","channel_id":"itv","source_type":"s3","deadline_ms":1767225600000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, orch.submitted, 1)
	require.Equal(t, "caller-1", orch.submitted[0].ID)
	require.False(t, orch.submitted[0].Deadline.IsZero())
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{`},
		{name: "missing channel", body: `{"source_type":"s3"}`},
		{name: "unknown source type", body: `{"channel_id":"x","source_type":"gopher"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&fakeOrchestrator{}, config.Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitJobDuplicateConflict(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{submitErr: errors.New("job j-1 is already queued or running")}
	srv := newTestServer(orch, config.Config{})

	body := `{"job_id":"j-1","channel_id":"bbc-one","source_type":"ftp"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{jobs: map[string]fetch.Job{
		"j-1": {ID: "j-1", Status: fetch.JobStatusHumanReview, HumanReview: true},
	}}
	srv := newTestServer(orch, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/j-1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "human_review")

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/missing/status", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{stats: fetch.Stats{Submitted: 7, Succeeded: 5, Failed: 1, Queued: 1}}
	srv := newTestServer(orch, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"submitted":7`)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	srv := newTestServer(&fakeOrchestrator{}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeOrchestrator{}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
