package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func TestStoreAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	body := []byte(`{"structure_id":"bbc.co.uk","mode":"http","entry_url":"https://www.bbc.co.uk/schedules"}`)
	ref, err := s.Store(ctx, fetch.CodeArtifact{StructureID: "bbc.co.uk", Mode: fetch.ModeHTTP, Body: body})
	require.NoError(t, err)
	require.Contains(t, ref, "bbc.co.uk")

	plan, err := s.Load(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, fetch.StructureID("bbc.co.uk"), plan.StructureID)
	require.Equal(t, "https://www.bbc.co.uk/schedules", plan.EntryURL)
}

func TestStoreRefsAreUnique(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, err := s.Store(ctx, fetch.CodeArtifact{StructureID: "bbc.co.uk", Body: []byte(`{}`)})
	require.NoError(t, err)
	b, err := s.Store(ctx, fetch.CodeArtifact{StructureID: "bbc.co.uk", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestStoreRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Store(context.Background(), fetch.CodeArtifact{StructureID: "bbc.co.uk"})
	require.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Load(ctx, "mem://fetchers/ghost/1.json")
	require.Error(t, err)

	ref, err := s.Store(ctx, fetch.CodeArtifact{StructureID: "bbc.co.uk", Body: []byte("not json")})
	require.NoError(t, err)
	_, err = s.Load(ctx, ref)
	require.ErrorIs(t, err, fetch.ErrCodeDefect)
}
