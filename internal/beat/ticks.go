package beat

import (
	"context"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Config holds the cron spec of each standard tick.
type Config struct {
	KeywordSweep     string `mapstructure:"keyword_sweep"`
	AuditPageSweep   string `mapstructure:"audit_page_sweep"`
	OnPageAuditSweep string `mapstructure:"onpage_audit_sweep"`
	RecoverySweep    string `mapstructure:"recovery_sweep"`
	BatchLimit       int    `mapstructure:"batch_limit"`
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		KeywordSweep:     "@every 5m",
		AuditPageSweep:   "@every 1h",
		OnPageAuditSweep: "@every 24h",
		RecoverySweep:    "@every 10m",
		BatchLimit:       500,
	}
}

// EligibleEnqueuer places every eligible entity of a kind.
type EligibleEnqueuer interface {
	EnqueueEligible(ctx context.Context, kind scheduler.EntityKind, limit int) (int, error)
}

// Recoverer runs one recovery sweep.
type Recoverer interface {
	Run(ctx context.Context) (int, error)
}

// StandardTicks binds the default sweeps. Backlink profiles are demand-driven
// and have no tick.
func StandardTicks(cfg Config, enq EligibleEnqueuer, rec Recoverer) []Tick {
	sweep := func(kind scheduler.EntityKind) Handler {
		return func(ctx context.Context) error {
			_, err := enq.EnqueueEligible(ctx, kind, cfg.BatchLimit)
			return err
		}
	}
	return []Tick{
		{Name: "keyword-sweep", Spec: cfg.KeywordSweep, Handler: sweep(scheduler.KindKeyword)},
		{Name: "audit-page-sweep", Spec: cfg.AuditPageSweep, Handler: sweep(scheduler.KindAuditPage)},
		{Name: "onpage-audit-sweep", Spec: cfg.OnPageAuditSweep, Handler: sweep(scheduler.KindOnPageAudit)},
		{Name: "recovery-sweep", Spec: cfg.RecoverySweep, Handler: func(ctx context.Context) error {
			_, err := rec.Run(ctx)
			return err
		}},
	}
}
