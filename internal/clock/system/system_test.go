package system

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

var _ scheduler.Clock = (*Clock)(nil)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, time.Now(), got, time.Second)
}

// Artifact paths and API timestamps are rendered straight from Now.
func TestNowFormatsWithoutOffset(t *testing.T) {
	t.Parallel()

	require.True(t, strings.HasSuffix(New().Now().Format(time.RFC3339), "Z"))
}
