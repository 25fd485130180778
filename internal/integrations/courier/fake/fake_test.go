package fake

import (
	"context"
	"testing"

	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_Deterministic(t *testing.T) {
	f := New(models.SourceBluedart)

	a, err := f.Fetch(context.Background(), []string{"AWB1", "AWB2"})
	require.NoError(t, err)
	require.Len(t, a, 2)

	b, err := f.Fetch(context.Background(), []string{"AWB1"})
	require.NoError(t, err)
	require.Equal(t, a["AWB1"].CanonicalStatus, b["AWB1"].CanonicalStatus)
	require.NotEmpty(t, a["AWB1"].RawStatusText)
	require.Len(t, a["AWB1"].Scans, 1)
}
