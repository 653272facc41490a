package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	channelmemory "github.com/archival-systems/fetcherd/internal/channelcfg/memory"
	codememory "github.com/archival-systems/fetcherd/internal/codestore/memory"
	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/gen/template"
	"github.com/archival-systems/fetcherd/internal/lifecycle"
	"github.com/archival-systems/fetcherd/internal/policy/retry"
	pubmemory "github.com/archival-systems/fetcherd/internal/publisher/memory"
	storememory "github.com/archival-systems/fetcherd/internal/store/memory"
	"github.com/archival-systems/fetcherd/internal/validate"
)

// programmableRunner scripts per-call outcomes. Validation probes carry the
// "validate-" job id prefix and are scripted separately from real jobs.
type programmableRunner struct {
	mu            sync.Mutex
	jobFailures   int
	jobErr        error
	validationErr error
	jobCalls      int
	probeCalls    int
}

func (r *programmableRunner) Run(_ context.Context, req fetch.RunRequest) (fetch.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(req.Job.ID, "validate-") {
		r.probeCalls++
		if r.validationErr != nil {
			return fetch.Outcome{}, r.validationErr
		}
	} else {
		r.jobCalls++
		if r.jobCalls <= r.jobFailures {
			return fetch.Outcome{}, r.jobErr
		}
	}
	body := []byte("<ul class=\"schedule\"><li>News at Ten</li></ul>")
	return fetch.Outcome{
		Success: true,
		Files:   []fetch.FileRecord{{JobID: req.Job.ID, Hash: "c0ffee", Path: req.Job.ID + "/c0ffee.html", Size: int64(len(body)), Body: body}},
	}, nil
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) { return fmt.Sprintf("v-%d", g.n.Add(1)), nil }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type pipeline struct {
	d      *Dispatcher
	store  *storememory.Store
	pub    *pubmemory.Publisher
	runner *programmableRunner
}

// newPipeline wires real lifecycle, validation and dispatch components over
// in-memory state, with only the source runner scripted.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store := storememory.New()
	code := codememory.New()
	configs, err := channelmemory.New(map[string]fetch.ChannelConfig{
		"bbc-one": {
			SourceType: fetch.SourceCustomFetcher,
			TargetURL:  "https://www.bbc.co.uk/schedules/bbcone",
			Params:     map[string]string{"schedule_selector": ".schedule"},
		},
		"bbc-two": {
			SourceType: fetch.SourceCustomFetcher,
			TargetURL:  "https://www.bbc.co.uk/schedules/bbctwo",
			Params:     map[string]string{"schedule_selector": ".schedule"},
		},
	})
	require.NoError(t, err)

	runner := &programmableRunner{}
	custom := map[fetch.ExecutionMode]fetch.SourceRunner{fetch.ModeHTTP: runner}
	validator := validate.New(store, configs, code, custom, validate.Config{}, zap.NewNop())
	manager := lifecycle.New(store, template.New(template.Config{}, zap.NewNop()), code, validator, &seqIDs{}, wallClock{}, zap.NewNop())

	pub := pubmemory.New()
	d := New(configs, manager, nil, custom, pub, store, retry.Config{
		MaxSimple:   3,
		MaxWorkflow: 2,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Microsecond,
	}, wallClock{}, zap.NewNop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &pipeline{d: d, store: store, pub: pub, runner: runner}
}

func (p *pipeline) activeVersion(t *testing.T) fetch.FetcherVersion {
	t.Helper()
	v, err := p.store.ActiveVersion(context.Background(), "bbc.co.uk")
	require.NoError(t, err)
	return v
}

func TestNewStructureFirstJobFastPath(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()

	job := p.d.Process(ctx, fetch.Job{ID: "job-1", ChannelID: "bbc-one", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusSucceeded, job.Status)
	require.Zero(t, job.Retries.SimpleRetries)
	require.Zero(t, job.Retries.WorkflowRetries)

	// First discovery activates immediately: no validation probes ran.
	require.Zero(t, p.runner.probeCalls)
	require.Equal(t, 1, p.runner.jobCalls)

	v := p.activeVersion(t)
	require.Equal(t, 1, v.Version)
	require.Equal(t, fetch.VersionActive, v.Status)

	mappings, err := p.store.MappingsForStructure(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, v.ID, mappings[0].VersionID)

	// The successful run retained a validation baseline and published files.
	refs, err := p.store.ReferenceWindow(ctx, "bbc.co.uk", 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Len(t, p.pub.Published("job-1"), 1)
}

func TestStructureChangeHealsValidatesAndPromotes(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()

	// Discover the structure and map both channels to version 1.
	first := p.d.Process(ctx, fetch.Job{ID: "job-1", ChannelID: "bbc-one", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusSucceeded, first.Status)
	second := p.d.Process(ctx, fetch.Job{ID: "job-2", ChannelID: "bbc-two", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusSucceeded, second.Status)
	v1 := p.activeVersion(t)
	require.Equal(t, 1, v1.Version)

	// The site layout changes: the next job's first attempt fails, a heal
	// regenerates, validation probes both mapped channels, and the healed
	// version is promoted before the retry succeeds.
	p.runner.jobErr = fmt.Errorf("selector matched nothing: %w", fetch.ErrSchemaMismatch)
	p.runner.jobFailures = p.runner.jobCalls + 1

	job := p.d.Process(ctx, fetch.Job{ID: "job-3", ChannelID: "bbc-one", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusSucceeded, job.Status)
	require.Equal(t, 1, job.Retries.WorkflowRetries)
	require.Equal(t, 2, p.runner.probeCalls, "validation exercised every mapped channel")

	v2 := p.activeVersion(t)
	require.NotEqual(t, v1.ID, v2.ID)
	require.Equal(t, 2, v2.Version)

	mappings, err := p.store.MappingsForStructure(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		require.Equal(t, v2.ID, m.VersionID)
	}
}

func TestPersistentValidationFailureEscalatesToHumanReview(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()

	first := p.d.Process(ctx, fetch.Job{ID: "job-1", ChannelID: "bbc-one", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusSucceeded, first.Status)
	v1 := p.activeVersion(t)

	// Real attempts and every validation probe now fail: each regenerated
	// candidate is rejected until the workflow budget is spent.
	p.runner.jobErr = fmt.Errorf("selector matched nothing: %w", fetch.ErrSchemaMismatch)
	p.runner.jobFailures = 1 << 30
	p.runner.validationErr = fmt.Errorf("selector matched nothing: %w", fetch.ErrSchemaMismatch)

	job := p.d.Process(ctx, fetch.Job{ID: "job-2", ChannelID: "bbc-one", SourceType: fetch.SourceCustomFetcher})
	require.Equal(t, fetch.JobStatusHumanReview, job.Status)
	require.True(t, job.HumanReview)
	require.Equal(t, 2, job.Retries.WorkflowRetries)
	require.Contains(t, job.ErrorText, "exhausted regeneration budget")

	// The prior active version and its mappings are untouched.
	active := p.activeVersion(t)
	require.Equal(t, v1.ID, active.ID)
	mappings, err := p.store.MappingsForStructure(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, v1.ID, mappings[0].VersionID)

	// The rejected candidates remain recorded, never active.
	candidates := 0
	for _, v := range p.store.Versions() {
		if v.Status == fetch.VersionCandidate {
			candidates++
		}
	}
	require.Equal(t, 2, candidates)
}
