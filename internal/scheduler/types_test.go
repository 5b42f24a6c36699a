package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefKeyRoundTrip(t *testing.T) {
	t.Parallel()

	ref := Ref{Kind: KindBacklinkProfile, ID: 42}
	require.Equal(t, "backlink_profile:42", ref.Key())
	require.Equal(t, "lock:backlink_profile:42", ref.LockKey())

	parsed, err := ParseRef(ref.Key())
	require.NoError(t, err)
	require.Equal(t, ref, parsed)
}

func TestParseRefRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "keyword", "nope:1", "keyword:abc"} {
		_, err := ParseRef(in)
		require.Error(t, err, in)
	}
}

func TestIntervalPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, IntervalPolicy{Kind: PolicyFixed, Every: time.Hour}.Validate())
	require.Error(t, IntervalPolicy{Kind: PolicyFixed}.Validate())
	require.Error(t, IntervalPolicy{Kind: "weekly", Every: time.Hour}.Validate())

	require.True(t, IntervalPolicy{Kind: PolicyFixed}.AnchorsOnAttempt())
	require.True(t, IntervalPolicy{Kind: PolicyManualThrottle}.AnchorsOnAttempt())
	require.False(t, IntervalPolicy{Kind: PolicyRolling}.AnchorsOnAttempt())

	require.True(t, IntervalPolicy{Kind: PolicyFixed}.Scheduled())
	require.False(t, IntervalPolicy{Kind: PolicyManualThrottle}.Scheduled())
}

func TestRateLimitErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("serp: %w", &RateLimitError{Source: "dataforseo", RetryAfter: time.Second})
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, time.Second, rl.RetryAfter)
}

func TestMarkTransient(t *testing.T) {
	t.Parallel()

	require.NoError(t, MarkTransient(nil))
	base := errors.New("reset by peer")
	err := MarkTransient(base)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, base)
}

func TestIntervalPolicyJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(IntervalPolicy{Kind: PolicyRolling, Every: 720 * time.Hour})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"rolling","every":"720h0m0s"}`, string(data))

	var p IntervalPolicy
	require.NoError(t, json.Unmarshal(data, &p))
	require.Equal(t, IntervalPolicy{Kind: PolicyRolling, Every: 720 * time.Hour}, p)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"fixed","every":86400}`), &p))
	require.Equal(t, IntervalPolicy{Kind: PolicyFixed, Every: 24 * time.Hour}, p)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"fixed","every":"soon"}`), &p))
}
