package collyrunner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testRequest(url string, plan *fetch.FetchPlan) fetch.RunRequest {
	return fetch.RunRequest{
		Job:     fetch.Job{ID: "job-1", ChannelID: "bbc-one", SourceType: fetch.SourceGenericAPI},
		Channel: fetch.ChannelConfig{ChannelID: "bbc-one", TargetURL: url},
		Plan:    plan,
	}
}

func TestRunFetchesTargetURL(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><ul class="schedule"><li>News</li></ul></body></html>`))
	})
	r := New(Config{UserAgent: "fetcherd-test/1.0", Timeout: 5 * time.Second}, nil, zap.NewNop())

	outcome, err := r.Run(context.Background(), testRequest(srv.URL, nil))
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Len(t, outcome.Files, 1)
	require.Equal(t, "job-1", outcome.Files[0].JobID)
	require.NotEmpty(t, outcome.Files[0].Hash)
	require.Contains(t, string(outcome.Files[0].Body), "schedule")
}

func TestRunExtractsPlanSelector(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="noise">skip</div><ul class="schedule"><li>News at Ten</li></ul></body></html>`))
	})
	r := New(Config{Timeout: 5 * time.Second}, nil, zap.NewNop())

	plan := &fetch.FetchPlan{
		EntryURL: srv.URL,
		Steps:    []fetch.PlanStep{{Action: "extract", Selector: ".schedule"}},
	}
	outcome, err := r.Run(context.Background(), testRequest(srv.URL, plan))
	require.NoError(t, err)
	body := string(outcome.Files[0].Body)
	require.Contains(t, body, "News at Ten")
	require.NotContains(t, body, "skip")
}

func TestRunSelectorMissingIsSchemaMismatch(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>layout changed</p></body></html>`))
	})
	r := New(Config{Timeout: 5 * time.Second}, nil, zap.NewNop())

	plan := &fetch.FetchPlan{
		EntryURL: srv.URL,
		Steps:    []fetch.PlanStep{{Action: "extract", Selector: ".schedule"}},
	}
	_, err := r.Run(context.Background(), testRequest(srv.URL, plan))
	require.ErrorIs(t, err, fetch.ErrSchemaMismatch)
	require.Equal(t, fetch.ClassStructureChanged, fetch.Classify(err))
}

func TestRunStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "forbidden", status: http.StatusForbidden, want: fetch.ErrForbidden},
		{name: "gone", status: http.StatusGone, want: fetch.ErrGoneForever},
		{name: "throttled", status: http.StatusTooManyRequests, want: fetch.ErrRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})
			r := New(Config{Timeout: 5 * time.Second}, nil, zap.NewNop())

			_, err := r.Run(context.Background(), testRequest(srv.URL, nil))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRunServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r := New(Config{Timeout: 5 * time.Second}, nil, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest(srv.URL, nil))
	require.Error(t, err)
	require.Equal(t, fetch.ClassTransient, fetch.Classify(err))
}

func TestRunMissingTargetURL(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, zap.NewNop())
	_, err := r.Run(context.Background(), testRequest("", nil))
	require.ErrorIs(t, err, fetch.ErrBadConfig)
}

type countingPacer struct{ waits int }

func (p *countingPacer) Wait(_ context.Context, _ string) error {
	p.waits++
	return nil
}

func TestRunConsultsPacer(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>ok</body></html>`))
	})
	pacer := &countingPacer{}
	r := New(Config{Timeout: 5 * time.Second}, pacer, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest(srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, 1, pacer.waits)
}
