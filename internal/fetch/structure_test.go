package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveStructureID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		sourceType SourceType
		target     string
		want       StructureID
	}{
		{name: "strips www", sourceType: SourceCustomFetcher, target: "https://www.bbc.co.uk/schedules", want: "bbc.co.uk"},
		{name: "keeps co.uk base", sourceType: SourceCustomFetcher, target: "https://feeds.media.bbc.co.uk/epg", want: "bbc.co.uk"},
		{name: "plain domain", sourceType: SourceCustomFetcher, target: "https://example.com/a/b", want: "example.com"},
		{name: "subdomain collapses", sourceType: SourceCustomFetcher, target: "https://cdn.static.example.com", want: "example.com"},
		{name: "scheme optional", sourceType: SourceCustomFetcher, target: "example.org/listings", want: "example.org"},
		{name: "api keeps host and path", sourceType: SourceGenericAPI, target: "https://api.itv.com/schedule/daily/", want: "api.itv.com/schedule/daily"},
		{name: "api distinct endpoints stay distinct", sourceType: SourceGenericAPI, target: "https://api.itv.com/catalogue", want: "api.itv.com/catalogue"},
		{name: "host case folded", sourceType: SourceCustomFetcher, target: "https://WWW.Example.COM", want: "example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DeriveStructureID(tc.sourceType, tc.target)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveStructureIDRejectsBadTargets(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"", "   ", "https://"} {
		_, err := DeriveStructureID(SourceCustomFetcher, target)
		require.ErrorIs(t, err, ErrBadConfig, "target %q", target)
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusSucceeded.IsTerminal())
	require.True(t, JobStatusFailed.IsTerminal())
	require.True(t, JobStatusHumanReview.IsTerminal())
	require.False(t, JobStatusQueued.IsTerminal())
	require.False(t, JobStatusRunning.IsTerminal())
}
