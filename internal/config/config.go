// Package config loads scheduler configuration from files and the environment.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/beat"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/dataforseo"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/onpage"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/collector/pageaudit"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/logging"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/recovery"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/storage/local"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/telemetry"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. SEOSCHED_SERVER_PORT.
const EnvPrefix = "SEOSCHED"

// Config captures every runtime knob for the scheduler.
type Config struct {
	Server     ServerConfig                        `mapstructure:"server"`
	Logging    logging.Config                      `mapstructure:"logging"`
	Redis      RedisConfig                         `mapstructure:"redis"`
	Database   DatabaseConfig                      `mapstructure:"db"`
	Storage    StorageConfig                       `mapstructure:"storage"`
	PubSub     PubSubConfig                        `mapstructure:"pubsub"`
	Worker     WorkerConfig                        `mapstructure:"worker"`
	Sweeper    SweeperConfig                       `mapstructure:"sweeper"`
	Beat       beat.Config                         `mapstructure:"beat"`
	Policies   map[string]scheduler.IntervalPolicy `mapstructure:"policies"`
	DataForSEO dataforseo.Config                   `mapstructure:"dataforseo"`
	Audit      AuditConfig                         `mapstructure:"audit"`
	OnPage     onpage.Config                       `mapstructure:"onpage"`
	Collector  collector.Config                    `mapstructure:"collector"`
	Telemetry  telemetry.Config                    `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RedisConfig points at the lock and queue substrate. An empty Addr selects
// the in-process implementations.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	LockPrefix string `mapstructure:"lock_prefix"`
	Namespace  string `mapstructure:"namespace"`
}

// DatabaseConfig describes the Postgres entity store. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects the artifact backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds completion event settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// WorkerConfig tunes the executor pool.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout"`
	LockMargin        time.Duration `mapstructure:"lock_margin"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	NoDataLockout     time.Duration `mapstructure:"no_data_lockout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// SweeperConfig tunes stuck-entity recovery.
type SweeperConfig struct {
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// AuditConfig wraps the headless auditor settings with an on/off switch,
// since it needs a local Chrome.
type AuditConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	pageaudit.Config `mapstructure:",squash"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_prefix", "seosched:")
	v.SetDefault("redis.namespace", "seosched:queue")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "seo_entities")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.local.base_dir", "data/artifacts")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.execution_timeout", "10m")
	v.SetDefault("worker.lock_margin", "2m")
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_base", "60s")
	v.SetDefault("worker.no_data_lockout", "720h")
	v.SetDefault("worker.visibility_timeout", "15m")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("sweeper.stuck_threshold", "30m")
	v.SetDefault("sweeper.batch_size", 500)

	beats := beat.DefaultConfig()
	v.SetDefault("beat.keyword_sweep", beats.KeywordSweep)
	v.SetDefault("beat.audit_page_sweep", beats.AuditPageSweep)
	v.SetDefault("beat.onpage_audit_sweep", beats.OnPageAuditSweep)
	v.SetDefault("beat.recovery_sweep", beats.RecoverySweep)
	v.SetDefault("beat.batch_limit", beats.BatchLimit)

	v.SetDefault("policies.backlink_profile.kind", string(scheduler.PolicyRolling))
	v.SetDefault("policies.backlink_profile.every", "720h")
	v.SetDefault("policies.audit_page.kind", string(scheduler.PolicyManualThrottle))
	v.SetDefault("policies.audit_page.every", "24h")
	v.SetDefault("policies.onpage_audit.kind", string(scheduler.PolicyFixed))
	v.SetDefault("policies.onpage_audit.every", "72h")
	v.SetDefault("policies.keyword.kind", string(scheduler.PolicyFixed))
	v.SetDefault("policies.keyword.every", "24h")

	v.SetDefault("dataforseo.base_url", "https://api.dataforseo.com")
	v.SetDefault("dataforseo.login", "")
	v.SetDefault("dataforseo.password", "")
	v.SetDefault("dataforseo.rps", 2)
	v.SetDefault("dataforseo.timeout", "60s")
	v.SetDefault("dataforseo.tracked_domain", "")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.max_parallel", 1)
	v.SetDefault("audit.user_agent", "seo-crawl-scheduler/1.0")
	v.SetDefault("audit.nav_timeout", "45s")
	v.SetDefault("onpage.user_agent", "seo-crawl-scheduler/1.0")
	v.SetDefault("onpage.max_pages", 200)
	v.SetDefault("onpage.max_depth", 3)
	v.SetDefault("onpage.parallelism", 4)
	v.SetDefault("onpage.rps", 2)
	v.SetDefault("onpage.respect_robots", true)
	v.SetDefault("onpage.timeout", "15s")
	v.SetDefault("collector.onpage_max_pages", 200)
	v.SetDefault("collector.audit_mobile", true)
	v.SetDefault("collector.backlink_page_size", 1000)
	v.SetDefault("collector.backlink_max_rows", 10000)
	v.SetDefault("telemetry.service_name", "seo-crawl-scheduler")
	v.SetDefault("telemetry.environment", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.ExecutionTimeout <= 0 {
		return fmt.Errorf("worker.execution_timeout must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if c.Worker.VisibilityTimeout <= c.WorkerConfig().LockTTL() {
		return fmt.Errorf("worker.visibility_timeout must exceed execution_timeout + lock_margin")
	}
	if err := c.RecoveryConfig().Validate(c.WorkerConfig().LockTTL()); err != nil {
		return fmt.Errorf("sweeper.stuck_threshold: %w", err)
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of memory, local, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if (c.DataForSEO.Login == "") != (c.DataForSEO.Password == "") {
		return fmt.Errorf("dataforseo.login and dataforseo.password must be set together")
	}
	if _, err := c.IntervalPolicies(); err != nil {
		return err
	}
	return nil
}

// WorkerConfig converts the worker section into executor settings.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		ExecutionTimeout: c.Worker.ExecutionTimeout,
		LockMargin:       c.Worker.LockMargin,
		MaxRetries:       c.Worker.MaxRetries,
		RetryBase:        c.Worker.RetryBase,
		NoDataLockout:    c.Worker.NoDataLockout,
		ArtifactPrefix:   c.Storage.Prefix,
		Topic:            c.PubSub.Topic,
	}
}

// RecoveryConfig converts the sweeper section.
func (c Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		StuckThreshold: c.Sweeper.StuckThreshold,
		BatchSize:      c.Sweeper.BatchSize,
	}
}

// IntervalPolicies parses the per-kind policy table.
func (c Config) IntervalPolicies() (map[scheduler.EntityKind]scheduler.IntervalPolicy, error) {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[scheduler.EntityKind]scheduler.IntervalPolicy, len(c.Policies))
	for _, name := range names {
		kind, err := scheduler.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("policies.%s: %w", name, err)
		}
		p := c.Policies[name]
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policies.%s: %w", name, err)
		}
		out[kind] = p
	}
	return out, nil
}
