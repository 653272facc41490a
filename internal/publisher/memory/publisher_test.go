package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func TestPublishCountsNewAndDuplicates(t *testing.T) {
	t.Parallel()

	p := New()
	files := []fetch.FileRecord{
		{JobID: "j-1", Hash: "aaa", Path: "monday.xml"},
		{JobID: "j-1", Hash: "bbb", Path: "tuesday.xml"},
	}

	receipt, err := p.Publish(context.Background(), "j-1", files)
	require.NoError(t, err)
	require.Equal(t, 2, receipt.NewCount)
	require.Zero(t, receipt.DuplicateCount)
	require.NotEmpty(t, receipt.ParentPath)

	// Same content published again dedupes.
	receipt, err = p.Publish(context.Background(), "j-2", files)
	require.NoError(t, err)
	require.Zero(t, receipt.NewCount)
	require.Equal(t, 2, receipt.DuplicateCount)
}

func TestPublishSameContentNewPathIsUpdate(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "j-1", []fetch.FileRecord{
		{Hash: "aaa", Path: "monday.xml"},
	})
	require.NoError(t, err)

	receipt, err := p.Publish(context.Background(), "j-2", []fetch.FileRecord{
		{Hash: "aaa", Path: "renamed.xml"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, receipt.UpdatedCount)
}

func TestPublishRequiresJobID(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "", nil)
	require.Error(t, err)
}
