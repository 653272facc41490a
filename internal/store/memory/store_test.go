package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func TestJobLifecycleTimestamps(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, fetch.Job{ID: "job-1", ChannelID: "bbc-one", Status: fetch.JobStatusQueued}))
	require.Error(t, s.CreateJob(ctx, fetch.Job{ID: "job-1"}))

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", fetch.JobStatusRunning, "", fetch.RetryState{}))
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.Started)
	require.Nil(t, job.Finished)

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", fetch.JobStatusSucceeded, "", fetch.RetryState{SimpleRetries: 1}))
	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.Finished)
	require.Equal(t, 1, job.Retries.SimpleRetries)
	require.False(t, job.HumanReview)
}

func TestHumanReviewFlagFollowsStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, fetch.Job{ID: "job-2", Status: fetch.JobStatusQueued}))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-2", fetch.JobStatusHumanReview, "workflow budget exhausted", fetch.RetryState{WorkflowRetries: 2}))

	job, err := s.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.True(t, job.HumanReview)
	require.Equal(t, "workflow budget exhausted", job.ErrorText)
}

func TestActiveVersionSingleton(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.ActiveVersion(ctx, "bbc.co.uk")
	require.ErrorIs(t, err, fetch.ErrNotFound)

	require.NoError(t, s.InsertVersion(ctx, fetch.FetcherVersion{ID: "v-1", StructureID: "bbc.co.uk", Version: 1, Status: fetch.VersionActive}))
	active, err := s.ActiveVersion(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Equal(t, "v-1", active.ID)

	n, err := s.NextVersionNumber(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func seedPromotion(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertVersion(ctx, fetch.FetcherVersion{ID: "v-1", StructureID: "bbc.co.uk", Version: 1, Status: fetch.VersionActive}))
	require.NoError(t, s.InsertVersion(ctx, fetch.FetcherVersion{ID: "v-2", StructureID: "bbc.co.uk", Version: 2, Status: fetch.VersionCandidate}))
	require.NoError(t, s.UpsertMapping(ctx, fetch.ChannelMapping{ChannelID: "bbc-one", VersionID: "v-1"}))
	require.NoError(t, s.UpsertMapping(ctx, fetch.ChannelMapping{ChannelID: "bbc-two", VersionID: "v-1"}))
	// Mapping for an unrelated structure must survive promotion untouched.
	require.NoError(t, s.InsertVersion(ctx, fetch.FetcherVersion{ID: "v-x", StructureID: "itv.com", Version: 1, Status: fetch.VersionActive}))
	require.NoError(t, s.UpsertMapping(ctx, fetch.ChannelMapping{ChannelID: "itv-hub", VersionID: "v-x"}))
}

func TestPromoteRewritesAllMappings(t *testing.T) {
	t.Parallel()

	s := New()
	seedPromotion(t, s)
	ctx := context.Background()

	require.NoError(t, s.Promote(ctx, fetch.FetcherVersion{ID: "v-2"}))

	active, err := s.ActiveVersion(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Equal(t, "v-2", active.ID)

	states := map[string]fetch.VersionStatus{}
	for _, v := range s.Versions() {
		states[v.ID] = v.Status
	}
	require.Equal(t, fetch.VersionRetired, states["v-1"])
	require.Equal(t, fetch.VersionActive, states["v-2"])
	require.Equal(t, fetch.VersionActive, states["v-x"])

	for _, m := range s.Mappings() {
		switch m.ChannelID {
		case "itv-hub":
			require.Equal(t, "v-x", m.VersionID)
		default:
			require.Equal(t, "v-2", m.VersionID)
		}
	}
}

func TestPromoteFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	s := New()
	seedPromotion(t, s)
	s.FailPromoteAfter = 1
	ctx := context.Background()

	require.Error(t, s.Promote(ctx, fetch.FetcherVersion{ID: "v-2"}))

	// No partial rewrite is visible: the old version is still active and
	// every mapping still points at it.
	active, err := s.ActiveVersion(ctx, "bbc.co.uk")
	require.NoError(t, err)
	require.Equal(t, "v-1", active.ID)
	for _, m := range s.Mappings() {
		if m.ChannelID == "itv-hub" {
			continue
		}
		require.Equal(t, "v-1", m.VersionID)
	}
}

func TestPromoteRejectsNonCandidate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertVersion(ctx, fetch.FetcherVersion{ID: "v-1", StructureID: "bbc.co.uk", Version: 1, Status: fetch.VersionRetired}))

	require.Error(t, s.Promote(ctx, fetch.FetcherVersion{ID: "v-1"}))
	require.Error(t, s.Promote(ctx, fetch.FetcherVersion{ID: "missing"}))
}

func TestReferenceWindowKeepsMostRecent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, s.AppendReference(ctx, fetch.ReferenceOutput{
			StructureID: "bbc.co.uk",
			ChannelID:   "bbc-one",
			Fields:      []string{"title", "start"},
			RecordedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	refs, err := s.ReferenceWindow(ctx, "bbc.co.uk", 3)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.Equal(t, base.Add(2*time.Hour), refs[0].RecordedAt)
	require.Equal(t, base.Add(4*time.Hour), refs[2].RecordedAt)
}

func TestUpsertMappingRequiresKnownVersion(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.UpsertMapping(context.Background(), fetch.ChannelMapping{ChannelID: "bbc-one", VersionID: "ghost"})
	require.Error(t, err)
}
