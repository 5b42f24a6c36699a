// Package postgres provides the Postgres-backed entity store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/eligibility"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const defaultSelectLimit = 1000

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// EntityStore persists entity execution state. Every mutation is a single
// conditional UPDATE keyed by (kind, id).
type EntityStore struct {
	pool  pool
	table string
}

// NewEntityStore connects a pool using cfg.
func NewEntityStore(ctx context.Context, cfg Config) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewEntityStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewEntityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntityStoreWithPool(p pool, table string) (*EntityStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "entities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EntityStore{pool: p, table: table}, nil
}

// Close closes the underlying connection pool.
func (s *EntityStore) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *EntityStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the table and its partial indexes if missing.
func (s *EntityStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			kind                 TEXT        NOT NULL,
			id                   BIGINT      NOT NULL,
			target               TEXT        NOT NULL DEFAULT '',
			locale               TEXT        NOT NULL DEFAULT '',
			policy_kind          TEXT        NOT NULL,
			policy_every_seconds BIGINT      NOT NULL,
			last_run_at          TIMESTAMPTZ,
			next_eligible_at     TIMESTAMPTZ,
			processing           BOOLEAN     NOT NULL DEFAULT FALSE,
			processing_since     TIMESTAMPTZ,
			failure_count        INTEGER     NOT NULL DEFAULT 0,
			lockout_until        TIMESTAMPTZ,
			last_error           TEXT        NOT NULL DEFAULT '',
			summary              JSONB,
			artifact_uri         TEXT        NOT NULL DEFAULT '',
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_eligible_idx
			ON %[1]s (kind, last_run_at ASC NULLS FIRST, id) WHERE NOT processing;
		CREATE INDEX IF NOT EXISTS %[1]s_stuck_idx
			ON %[1]s (processing_since) WHERE processing;
	`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get loads one entity.
func (s *EntityStore) Get(ctx context.Context, ref scheduler.Ref) (scheduler.Entity, error) {
	query := fmt.Sprintf(`
		SELECT kind, id, target, locale, policy_kind, policy_every_seconds,
			last_run_at, next_eligible_at, processing, processing_since,
			failure_count, lockout_until, last_error, summary, artifact_uri
		FROM %s
		WHERE kind = $1 AND id = $2;
	`, s.table)
	var (
		e            scheduler.Entity
		kind         string
		policyKind   string
		everySeconds int64
		summary      []byte
	)
	err := s.pool.QueryRow(ctx, query, string(ref.Kind), ref.ID).Scan(
		&kind, &e.ID, &e.Target, &e.Locale, &policyKind, &everySeconds,
		&e.LastRunAt, &e.NextEligibleAt, &e.Processing, &e.ProcessingSince,
		&e.FailureCount, &e.LockoutUntil, &e.LastError, &summary, &e.ArtifactURI,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Entity{}, fmt.Errorf("get %s: %w", ref, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Entity{}, fmt.Errorf("get %s: %w", ref, err)
	}
	e.Kind = scheduler.EntityKind(kind)
	e.Policy = scheduler.IntervalPolicy{
		Kind:  scheduler.PolicyKind(policyKind),
		Every: time.Duration(everySeconds) * time.Second,
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &e.Summary); err != nil {
			return scheduler.Entity{}, fmt.Errorf("decode summary for %s: %w", ref, err)
		}
	}
	return e, nil
}

// Upsert inserts the entity. On conflict only target, locale and policy
// change, and next_eligible_at is recomputed from the stored anchor.
func (s *EntityStore) Upsert(ctx context.Context, entity scheduler.Entity) error {
	if err := entity.Policy.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", entity.Ref, err)
	}
	summary, err := encodeSummary(entity.Summary)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entity.Ref, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (kind, id, target, locale, policy_kind, policy_every_seconds,
			last_run_at, next_eligible_at, failure_count, lockout_until, summary, artifact_uri)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (kind, id) DO UPDATE SET
			target = EXCLUDED.target,
			locale = EXCLUDED.locale,
			policy_kind = EXCLUDED.policy_kind,
			policy_every_seconds = EXCLUDED.policy_every_seconds,
			next_eligible_at = CASE
				WHEN %[1]s.last_run_at IS NULL THEN %[1]s.lockout_until
				ELSE GREATEST(%[1]s.last_run_at + make_interval(secs => EXCLUDED.policy_every_seconds), %[1]s.lockout_until)
			END,
			updated_at = now();
	`, s.table)
	_, err = s.pool.Exec(ctx, query,
		string(entity.Kind),
		entity.ID,
		entity.Target,
		entity.Locale,
		string(entity.Policy.Kind),
		int64(entity.Policy.Every/time.Second),
		entity.LastRunAt,
		eligibility.NextEligibleAt(entity),
		entity.FailureCount,
		entity.LockoutUntil,
		summary,
		entity.ArtifactURI,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entity.Ref, err)
	}
	return nil
}

// SelectEligible is the indexed sweep query.
func (s *EntityStore) SelectEligible(
	ctx context.Context,
	kind scheduler.EntityKind,
	now time.Time,
	limit int,
) ([]scheduler.Ref, error) {
	if limit <= 0 {
		limit = defaultSelectLimit
	}
	query := fmt.Sprintf(`
		SELECT kind, id FROM %s
		WHERE kind = $1
			AND NOT processing
			AND (lockout_until IS NULL OR lockout_until <= $2)
			AND (next_eligible_at IS NULL OR next_eligible_at <= $2)
			AND policy_kind <> $4
		ORDER BY last_run_at ASC NULLS FIRST, id ASC
		LIMIT $3;
	`, s.table)
	return s.queryRefs(ctx, "select eligible", query,
		string(kind), now, limit, string(scheduler.PolicyManualThrottle))
}

// MarkProcessing flips processing false->true.
func (s *EntityStore) MarkProcessing(ctx context.Context, ref scheduler.Ref, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET processing = TRUE, processing_since = $3, updated_at = now()
		WHERE kind = $1 AND id = $2 AND NOT processing;
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", ref, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, ref); err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return false, nil
}

// ClearProcessing flips processing to false; zero rows is fine.
func (s *EntityStore) ClearProcessing(ctx context.Context, ref scheduler.Ref) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processing = FALSE, processing_since = NULL, updated_at = now()
		WHERE kind = $1 AND id = $2;
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID); err != nil {
		return fmt.Errorf("clear processing %s: %w", ref, err)
	}
	return nil
}

// RecordSuccess anchors the interval and resets failure state.
func (s *EntityStore) RecordSuccess(ctx context.Context, ref scheduler.Ref, rec scheduler.SuccessRecord) error {
	summary, err := encodeSummary(rec.Summary)
	if err != nil {
		return fmt.Errorf("record success %s: %w", ref, err)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_run_at = $3,
			next_eligible_at = $4,
			failure_count = 0,
			lockout_until = NULL,
			last_error = '',
			summary = $5,
			artifact_uri = COALESCE(NULLIF($6, ''), artifact_uri),
			updated_at = now()
		WHERE kind = $1 AND id = $2;
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID, rec.RanAt, rec.NextEligibleAt, summary, rec.ArtifactURI)
	return requireRow(tag, err, "record success", ref)
}

// RecordNoData applies the lockout; failure_count is untouched.
func (s *EntityStore) RecordNoData(ctx context.Context, ref scheduler.Ref, rec scheduler.NoDataRecord) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_run_at = $3,
			lockout_until = $4,
			next_eligible_at = $5,
			last_error = $6,
			updated_at = now()
		WHERE kind = $1 AND id = $2;
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID, rec.RanAt, rec.LockoutUntil, rec.NextEligibleAt, rec.Reason)
	return requireRow(tag, err, "record no data", ref)
}

// RecordFailure increments failure_count in SQL and returns the new value.
func (s *EntityStore) RecordFailure(ctx context.Context, ref scheduler.Ref, rec scheduler.FailureRecord) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			failure_count = failure_count + 1,
			last_error = $3,
			last_run_at = COALESCE($4, last_run_at),
			next_eligible_at = COALESCE($5, next_eligible_at),
			updated_at = now()
		WHERE kind = $1 AND id = $2
		RETURNING failure_count;
	`, s.table)
	var count int
	err := s.pool.QueryRow(ctx, query, string(ref.Kind), ref.ID, rec.Error, rec.RanAt, rec.NextEligibleAt).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("record failure %s: %w", ref, scheduler.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record failure %s: %w", ref, err)
	}
	return count, nil
}

// ListStuck returns entities processing since before cutoff.
func (s *EntityStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]scheduler.Ref, error) {
	if limit <= 0 {
		limit = defaultSelectLimit
	}
	query := fmt.Sprintf(`
		SELECT kind, id FROM %s
		WHERE processing AND (processing_since IS NULL OR processing_since < $1)
		ORDER BY processing_since ASC NULLS FIRST, kind, id
		LIMIT $2;
	`, s.table)
	return s.queryRefs(ctx, "list stuck", query, cutoff, limit)
}

// ResetProcessing clears the flag only while the entity is still stuck.
func (s *EntityStore) ResetProcessing(ctx context.Context, ref scheduler.Ref, cutoff time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET processing = FALSE, processing_since = NULL, updated_at = now()
		WHERE kind = $1 AND id = $2
			AND processing AND (processing_since IS NULL OR processing_since < $3);
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID, cutoff)
	if err != nil {
		return false, fmt.Errorf("reset processing %s: %w", ref, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *EntityStore) queryRefs(ctx context.Context, op, query string, args ...any) ([]scheduler.Ref, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var refs []scheduler.Ref
	for rows.Next() {
		var (
			kind string
			id   int64
		)
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		refs = append(refs, scheduler.Ref{Kind: scheduler.EntityKind(kind), ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return refs, nil
}

func requireRow(tag pgconn.CommandTag, err error, op string, ref scheduler.Ref) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, ref, scheduler.ErrNotFound)
	}
	return nil
}

func encodeSummary(summary map[string]any) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return data, nil
}
