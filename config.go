package engine

import (
	"time"

	"github.com/signaler/engine/internal/aggregator"
	"github.com/signaler/engine/internal/artifacts"
	"github.com/signaler/engine/internal/cache"
	"github.com/signaler/engine/internal/fingerprint"
	"github.com/signaler/engine/internal/retry"
	"github.com/signaler/engine/internal/sessionpool"
	"github.com/signaler/engine/internal/warmup"
	"github.com/signaler/engine/models"
)

// Config is the public configuration surface for the Engine facade. It is
// accepted as an already-parsed value: loading it from disk (YAML/JSON/flags)
// is an external collaborator's concern.
type Config struct {
	// BaseURL is the absolute http(s) origin every page target is resolved
	// against. Required.
	BaseURL string
	// Pages declares the paths to audit, each expanding into one Target per
	// device (spec §3 `expand`). Path must begin with "/".
	Pages []fingerprint.PageConfig

	// ThrottlingMethod selects how CPU/network throttling is simulated:
	// "simulate" (default) or "devtools".
	ThrottlingMethod string
	// CPUSlowdownMultiplier is the CPU throttle factor applied under the
	// "simulate" method. Default 4.
	CPUSlowdownMultiplier int

	// Parallel is the configured worker cap (positive integer). Zero or
	// negative is treated as "auto": derived from available memory and CPU
	// count (spec §4.2).
	Parallel int

	// WarmUp enables the bounded-concurrency warm-up GET pass before the run
	// proper begins (spec §4.6 WarmingUp).
	WarmUp bool

	// Incremental enables the fingerprint-keyed result cache. When true and
	// BuildID cannot be resolved, the cache is disabled with a warning rather
	// than failing the run (spec §4.6/§8 boundary behavior).
	Incremental bool
	// BuildID identifies this build for fingerprinting and cache
	// invalidation. If empty, the caller is expected to have already
	// attempted framework/VCS derivation; an empty BuildID with Incremental
	// set disables the cache.
	BuildID string

	// AuditTimeoutMs is the per-target wall-clock ceiling. Default 120000.
	AuditTimeoutMs int

	// Budgets gates CI exit status (spec §6): Categories maps a category to
	// its minimum acceptable score, Metrics maps a core metric name to its
	// maximum acceptable value.
	Budgets BudgetConfig

	// OutputDir is where artifacts are written. Defaults to ".signaler".
	OutputDir string
	// GzipArtifacts compresses every written artifact with a .gz suffix.
	GzipArtifacts bool
	// TriageTopN bounds how many issues triage.md surfaces per category.
	TriageTopN int

	// Plugins optionally allow/deny-lists plugin ids; both nil means every
	// registered plugin runs.
	Plugins PluginSelection

	// RegressionThresholdPoints is the absolute score-point drop that marks
	// a category as regressed between runs (spec §9 open question (b)).
	// Default 3.
	RegressionThresholdPoints int

	// SessionPool tunes the browser session pool (spec §4.2). Zero value
	// auto-tunes from runtime.NumCPU and a conservative memory assumption.
	SessionPool SessionPoolConfig
	// Retry tunes the retry/backoff policy (spec §4.3). Zero value applies
	// the spec defaults (250ms base, 4s cap, 3 attempts).
	Retry retry.Policy
	// Cache tunes the incremental cache's capacity and spill/checkpoint
	// locations (spec §4.7). Zero value disables disk spill/checkpointing
	// but still caches in memory for the run's own lifetime.
	Cache cache.Config
	// CancelGrace is how long in-flight targets are given to finish cleanly
	// after cancellation is requested before being forcibly torn down
	// (spec §4.10). Default 5s.
	CancelGrace time.Duration

	// Telemetry configures logging/tracing/metrics/health wiring.
	Telemetry TelemetryOptions

	// Driver constructs browser sessions. Required; the real CDP-driven
	// implementation is an external collaborator (spec §4.2's "headless
	// browser engine" boundary).
	Driver sessionpool.Driver
}

// BudgetConfig gates CI exit status (spec §6).
type BudgetConfig struct {
	Categories map[models.Category]int
	Metrics    map[string]float64
}

// PluginSelection allow/deny-lists plugin ids by name.
type PluginSelection struct {
	Allow []string
	Deny  []string
}

// SessionPoolConfig is the public mirror of sessionpool.Config, kept
// separate so callers configuring Config don't need to import the internal
// package.
type SessionPoolConfig struct {
	ConfiguredCap     int
	TotalMemoryMB     int
	LogicalCPUCount   int
	ExternallyManaged bool
}

func (c SessionPoolConfig) toInternal(throttling sessionpool.ThrottlingProfile, retryPolicy retry.Policy) sessionpool.Config {
	return sessionpool.Config{
		ConfiguredCap:     c.ConfiguredCap,
		TotalMemoryMB:     c.TotalMemoryMB,
		LogicalCPUCount:   c.LogicalCPUCount,
		ExternallyManaged: c.ExternallyManaged,
		Throttling:        throttling,
		Retry:             retryPolicy,
	}
}

// Defaults returns a Config with the spec's documented defaults.
func Defaults() Config {
	return Config{
		ThrottlingMethod:          string(sessionpool.ThrottlingSimulate),
		CPUSlowdownMultiplier:     4,
		Parallel:                  0, // auto
		WarmUp:                    true,
		AuditTimeoutMs:            120_000,
		OutputDir:                 ".signaler",
		TriageTopN:                10,
		RegressionThresholdPoints: aggregator.DefaultRegressionPolicy().ThresholdPoints,
		Retry:                     retry.Default(),
		CancelGrace:               5 * time.Second,
		Telemetry:                 defaultTelemetryOptions(),
	}
}

func (c Config) throttlingProfile() sessionpool.ThrottlingProfile {
	if c.ThrottlingMethod == string(sessionpool.ThrottlingDevtools) {
		return sessionpool.ThrottlingDevtools
	}
	return sessionpool.ThrottlingSimulate
}

func (c Config) artifactsConfig() artifacts.Config {
	return artifacts.Config{
		OutputDir:  c.OutputDir,
		Gzip:       c.GzipArtifacts,
		TriageTopN: c.TriageTopN,
	}
}

func (c Config) cacheConfig() cache.Config {
	return c.Cache
}

func (c Config) warmUpConfig() warmup.Config {
	return warmup.Config{BaseURL: c.BaseURL}.Normalize()
}

func (c Config) regressionPolicy() aggregator.RegressionPolicy {
	return aggregator.RegressionPolicy{ThresholdPoints: c.RegressionThresholdPoints}.Normalize()
}

func (c Config) retryPolicy() retry.Policy {
	return c.Retry.Normalize()
}
