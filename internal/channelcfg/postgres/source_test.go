package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func newMockSource(t *testing.T) (*Source, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	src, err := New(mock)
	require.NoError(t, err)
	return src, mock
}

func TestChannelConfigScansRow(t *testing.T) {
	t.Parallel()

	src, mock := newMockSource(t)
	mock.ExpectQuery("SELECT channel_id, source_type, structure_id, target_url, params").
		WithArgs("bbc-one").
		WillReturnRows(pgxmock.NewRows([]string{"channel_id", "source_type", "structure_id", "target_url", "params"}).
			AddRow("bbc-one", "custom-fetcher", "bbc.co.uk", "https://www.bbc.co.uk/schedules/bbcone", []byte(`{"schedule_selector":".schedule"}`)))

	cfg, err := src.ChannelConfig(context.Background(), "bbc-one")
	require.NoError(t, err)
	require.Equal(t, fetch.SourceCustomFetcher, cfg.SourceType)
	require.Equal(t, fetch.StructureID("bbc.co.uk"), cfg.StructureID)
	require.Equal(t, ".schedule", cfg.Params["schedule_selector"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelConfigDerivesMissingStructure(t *testing.T) {
	t.Parallel()

	src, mock := newMockSource(t)
	mock.ExpectQuery("FROM channel_configs").
		WithArgs("itv-api").
		WillReturnRows(pgxmock.NewRows([]string{"channel_id", "source_type", "structure_id", "target_url", "params"}).
			AddRow("itv-api", "generic-api", "", "https://api.itv.com/schedule/daily", []byte(nil)))

	cfg, err := src.ChannelConfig(context.Background(), "itv-api")
	require.NoError(t, err)
	require.Equal(t, fetch.StructureID("api.itv.com/schedule/daily"), cfg.StructureID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelConfigUnknownChannel(t *testing.T) {
	t.Parallel()

	src, mock := newMockSource(t)
	mock.ExpectQuery("FROM channel_configs").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"channel_id", "source_type", "structure_id", "target_url", "params"}))

	_, err := src.ChannelConfig(context.Background(), "ghost")
	require.ErrorIs(t, err, fetch.ErrBadConfig)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
