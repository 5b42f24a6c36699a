package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

var (
	now = time.Unix(1700000000, 0).UTC()
	ref = scheduler.Ref{Kind: scheduler.KindKeyword, ID: 7}
)

func newStore(t *testing.T) (*EntityStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewEntityStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewEntityStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewEntityStoreWithPool(mock, "entities; DROP TABLE x")
	require.Error(t, err)
	_, err = NewEntityStoreWithPool(nil, "entities")
	require.Error(t, err)
}

func TestGetMapsRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	last := now.Add(-time.Hour)
	mock.ExpectQuery("SELECT kind, id, target").
		WithArgs("keyword", int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{
			"kind", "id", "target", "locale", "policy_kind", "policy_every_seconds",
			"last_run_at", "next_eligible_at", "processing", "processing_since",
			"failure_count", "lockout_until", "last_error", "summary", "artifact_uri",
		}).AddRow(
			"keyword", int64(7), "running shoes", "en-US", "fixed", int64(86400),
			&last, (*time.Time)(nil), false, (*time.Time)(nil),
			2, (*time.Time)(nil), "timeout", []byte(`{"position":4}`), "gs://bucket/a.json",
		))

	e, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, ref, e.Ref)
	require.Equal(t, "running shoes", e.Target)
	require.Equal(t, scheduler.IntervalPolicy{Kind: scheduler.PolicyFixed, Every: 24 * time.Hour}, e.Policy)
	require.Equal(t, last, *e.LastRunAt)
	require.Nil(t, e.LockoutUntil)
	require.Equal(t, 2, e.FailureCount)
	require.Equal(t, float64(4), e.Summary["position"])
	require.Equal(t, "gs://bucket/a.json", e.ArtifactURI)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery("SELECT kind, id, target").
		WithArgs("keyword", int64(7)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), ref)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertComputesNextEligible(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	last := now.Add(-time.Hour)
	next := last.Add(24 * time.Hour)
	e := scheduler.Entity{
		Ref:       ref,
		Target:    "running shoes",
		Locale:    "en-US",
		Policy:    scheduler.IntervalPolicy{Kind: scheduler.PolicyFixed, Every: 24 * time.Hour},
		LastRunAt: &last,
	}
	mock.ExpectExec("INSERT INTO entities").
		WithArgs("keyword", int64(7), "running shoes", "en-US", "fixed", int64(86400),
			&last, &next, 0, (*time.Time)(nil), []byte(nil), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())

	e.Policy.Every = 0
	require.Error(t, store.Upsert(context.Background(), e))
}

func TestSelectEligible(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery("SELECT kind, id FROM entities").
		WithArgs("keyword", now, 50, "manual_throttle").
		WillReturnRows(pgxmock.NewRows([]string{"kind", "id"}).
			AddRow("keyword", int64(3)).
			AddRow("keyword", int64(1)))

	refs, err := store.SelectEligible(context.Background(), scheduler.KindKeyword, now, 50)
	require.NoError(t, err)
	require.Equal(t, []scheduler.Ref{
		{Kind: scheduler.KindKeyword, ID: 3},
		{Kind: scheduler.KindKeyword, ID: 1},
	}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessing(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec("UPDATE entities SET processing = TRUE").
		WithArgs("keyword", int64(7), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkProcessing(context.Background(), ref, now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec("UPDATE entities SET processing = TRUE").
		WithArgs("keyword", int64(7), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT kind, id, target").
		WithArgs("keyword", int64(7)).
		WillReturnError(pgx.ErrNoRows)

	ok, err = store.MarkProcessing(context.Background(), ref, now)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearProcessingToleratesMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec("UPDATE entities SET processing = FALSE").
		WithArgs("keyword", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.ClearProcessing(context.Background(), ref))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureReturnsCount(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery("failure_count = failure_count \\+ 1").
		WithArgs("keyword", int64(7), "timeout", (*time.Time)(nil), (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"failure_count"}).AddRow(3))

	n, err := store.RecordFailure(context.Background(), ref, scheduler.FailureRecord{Error: "timeout"})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	next := now.Add(time.Hour)
	mock.ExpectExec("failure_count = 0").
		WithArgs("keyword", int64(7), now, next, []byte(`{"position":1}`), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.RecordSuccess(context.Background(), ref, scheduler.SuccessRecord{
		RanAt:          now,
		NextEligibleAt: next,
		Summary:        map[string]any{"position": 1},
	})
	require.ErrorIs(t, err, scheduler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNoData(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	lockout := now.Add(30 * 24 * time.Hour)
	mock.ExpectExec("lockout_until = \\$4").
		WithArgs("keyword", int64(7), now, lockout, lockout, "no data found").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RecordNoData(context.Background(), ref, scheduler.NoDataRecord{
		RanAt:          now,
		LockoutUntil:   lockout,
		NextEligibleAt: lockout,
		Reason:         "no data found",
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStuckQueries(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	cutoff := now.Add(-30 * time.Minute)
	mock.ExpectQuery("WHERE processing AND").
		WithArgs(cutoff, 100).
		WillReturnRows(pgxmock.NewRows([]string{"kind", "id"}).AddRow("keyword", int64(7)))
	mock.ExpectExec("UPDATE entities SET processing = FALSE").
		WithArgs("keyword", int64(7), cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE entities SET processing = FALSE").
		WithArgs("keyword", int64(7), cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	refs, err := store.ListStuck(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Equal(t, []scheduler.Ref{ref}, refs)

	ok, err := store.ResetProcessing(context.Background(), ref, cutoff)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ResetProcessing(context.Background(), ref, cutoff)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entities").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
