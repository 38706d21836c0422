// Package engine is the public facade over the audit orchestration pipeline:
// it wires the session pool, plugin registry, cache, aggregator, artifact
// writer, and telemetry stack into a single Engine and exposes the one
// operation an embedder needs (Run) plus observability accessors.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signaler/engine/internal/artifacts"
	"github.com/signaler/engine/internal/cache"
	"github.com/signaler/engine/internal/configx"
	"github.com/signaler/engine/internal/fingerprint"
	"github.com/signaler/engine/internal/orchestrator"
	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/internal/plugins/builtin"
	"github.com/signaler/engine/internal/progress"
	"github.com/signaler/engine/internal/sessionpool"
	telemEvents "github.com/signaler/engine/internal/telemetry/events"
	telemetryhealth "github.com/signaler/engine/internal/telemetry/health"
	intmetrics "github.com/signaler/engine/internal/telemetry/metrics"
	inttelempolicy "github.com/signaler/engine/internal/telemetry/policy"
	telemetrytracing "github.com/signaler/engine/internal/telemetry/tracing"
	"github.com/signaler/engine/models"
)

// Snapshot is a unified view of engine state.
// Stable: Field additions are allowed; existing fields retain semantics.
type Snapshot struct {
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	State     string        `json:"state"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	PoolCap   int           `json:"pool_cap"`
	Cache     *CacheSnapshot `json:"cache,omitempty"`
}

// CacheSnapshot is a reduced, stable view of the incremental cache's
// internal counters.
// Experimental: Field set may change as cache eviction strategy evolves.
type CacheSnapshot struct {
	Entries    int `json:"entries"`
	SpillFiles int `json:"spill_files"`
	Hits       int `json:"hits"`
	Misses     int `json:"misses"`
}

// TelemetryEvent is a reduced, stable event representation for external
// observers, decoupled from the internal event bus's own Event type.
// Experimental: Field set may evolve (additive) pre-v1.0.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// TelemetryOptions describes which telemetry subsystems are enabled plus
// tuning knobs.
// Experimental: Shape may change (e.g., embedded policy structs) before v1.0.
type TelemetryOptions struct {
	EnableMetrics   bool
	EnableTracing   bool
	EnableEvents    bool
	EnableHealth    bool
	MetricsBackend  string
	SamplingPercent float64
}

// defaultTelemetryOptions mirrors the defaults a freshly embedded Engine
// should run with absent explicit configuration: every subsystem on, a
// prometheus metrics backend, and a conservative trace sampling rate.
func defaultTelemetryOptions() TelemetryOptions {
	return TelemetryOptions{
		EnableMetrics:   true,
		EnableTracing:   true,
		EnableEvents:    true,
		EnableHealth:    true,
		MetricsBackend:  "prometheus",
		SamplingPercent: 20,
	}
}

// EventObserver receives TelemetryEvent notifications.
// Experimental: May gain filtering or asynchronous delivery options.
type EventObserver func(ev TelemetryEvent)

// Engine composes all subsystems behind a single facade.
// Stable: Core lifecycle methods (Run, Stop, Snapshot, Policy,
// UpdateTelemetryPolicy) are committed to backwards compatible behavior
// after v1.0; until then only additive changes should occur.
type Engine struct {
	cfg       Config
	telemetry TelemetryOptions

	orch     *orchestrator.Orchestrator
	pool     *sessionpool.Pool
	registry *plugins.Registry
	cache    *cache.Cache

	started   atomic.Bool
	startedAt time.Time

	// metricsProvider backs every metrics.Provider consumer below; nil when
	// telemetry.EnableMetrics is false.
	metricsProvider intmetrics.Provider
	eventBus        telemEvents.Bus
	tracer          telemetrytracing.Tracer
	healthEval      *telemetryhealth.Evaluator

	healthStatusGauge intmetrics.Gauge
	lastHealth        atomic.Value // stores telemetryhealth.Status as string

	// telemetryPolicy is an atomic snapshot; nil means "use policy.Default()".
	telemetryPolicy atomic.Pointer[inttelempolicy.TelemetryPolicy]

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver
}

// Re-export telemetry policy types: stable facade surface while the
// implementation stays internal.
type TelemetryPolicy = inttelempolicy.TelemetryPolicy
type HealthPolicy = inttelempolicy.HealthPolicy
type TracingPolicy = inttelempolicy.TracingPolicy
type EventBusPolicy = inttelempolicy.EventBusPolicy

// DefaultTelemetryPolicy returns the default normalized telemetry policy.
func DefaultTelemetryPolicy() TelemetryPolicy { return inttelempolicy.Default() }

// Policy returns the current telemetry policy snapshot. Never returns a zero
// value; falls back to policy.Default() until UpdateTelemetryPolicy is
// called.
// Experimental: Policy struct shape & semantics may evolve pre-v1.0.
func (e *Engine) Policy() TelemetryPolicy {
	if p := e.telemetryPolicy.Load(); p != nil {
		return *p
	}
	return inttelempolicy.Default()
}

// MetricsHandler returns the HTTP handler for metrics exposition (Prometheus
// backend only). Returns nil if metrics are disabled or the backend does not
// expose an HTTP handler.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.metricsProvider == nil {
		return nil
	}
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// UpdateTelemetryPolicy atomically swaps the active policy. A nil argument
// resets to defaults.
// Experimental: May relocate behind a dedicated telemetry subpackage
// pre-v1.0. Safe for concurrent use. A changed Health.ProbeTTL rebuilds the
// health evaluator with fresh probes; the tracer reads
// Tracing.SamplePercent whenever it starts a root span.
func (e *Engine) UpdateTelemetryPolicy(p *TelemetryPolicy) {
	if e == nil {
		return
	}
	var snap inttelempolicy.TelemetryPolicy
	if p == nil {
		snap = inttelempolicy.Default()
	} else {
		snap = p.Normalize()
	}
	old := e.Policy()
	e.telemetryPolicy.Store(&snap)
	if old.Health.ProbeTTL != snap.Health.ProbeTTL && e.healthEval != nil {
		e.healthEval = telemetryhealth.NewEvaluator(snap.Health.ProbeTTL, e.healthProbes()...)
	}
}

// healthProbes returns fresh probes bound to the current engine/orchestrator
// state: the worker pool's cap relative to what was configured, and the
// run's cumulative failure rate (spec §4.6).
func (e *Engine) healthProbes() []telemetryhealth.Probe {
	probes := make([]telemetryhealth.Probe, 0, 2)
	if e.pool != nil {
		configuredCap := e.pool.Cap()
		probes = append(probes, telemetryhealth.WorkerPoolProbe(e.pool.Cap, configuredCap))
	}
	if e.orch != nil {
		probes = append(probes, telemetryhealth.FailureRateProbe(e.orch.Completed, e.orch.Failed))
	}
	return probes
}

// optionFn is an internal functional option, reserved for future extension.
type optionFn func(*Config)

// New constructs an Engine from cfg: it builds the session pool, registers
// the builtin plugins honored by cfg.Plugins' allow/deny lists, and wires
// the telemetry stack (metrics, tracing, event bus, health) according to
// cfg.Telemetry.
func New(cfg Config, opts ...optionFn) (*Engine, error) {
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.Telemetry == (TelemetryOptions{}) {
		cfg.Telemetry = defaultTelemetryOptions()
	}

	if cfg.Driver == nil {
		return nil, fmt.Errorf("engine: Config.Driver is required")
	}

	poolCfg := cfg.SessionPool.toInternal(cfg.throttlingProfile(), cfg.retryPolicy())
	poolCfg.ConfiguredCap = cfg.Parallel
	pool := sessionpool.New(cfg.Driver, poolCfg)

	registry, categories, err := buildRegistry(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	scheduler := plugins.NewScheduler(registry)

	var reporter *progress.Reporter
	if len(cfg.Pages) > 0 {
		targets := fingerprint.Expand(cfg.Pages)
		reporter = progress.NewReporter(len(targets))
	}

	var writer *artifacts.Writer
	if cfg.OutputDir != "" {
		writer = artifacts.New(cfg.artifactsConfig())
	}

	var cacheInst *cache.Cache
	if cfg.Incremental && cfg.BuildID == "" {
		slog.Warn(models.ErrBuildIDUnresolved.Error())
	} else if cfg.Incremental {
		ci, err := cache.New(cfg.cacheConfig())
		if err != nil {
			return nil, fmt.Errorf("engine: constructing cache: %w", err)
		}
		cacheInst = ci
	}

	e := &Engine{
		cfg:       cfg,
		telemetry: cfg.Telemetry,
		pool:      pool,
		registry:  registry,
		cache:     cacheInst,
		startedAt: time.Now(),
	}

	orchCfg := orchestrator.Config{
		Driver:           cfg.Driver,
		Pool:             pool,
		Registry:         registry,
		Scheduler:        scheduler,
		PluginCategories: categories,
		Writer:           writer,
		Cache:            cacheInst,
		Reporter:         reporter,
		RegressionPolicy: cfg.regressionPolicy(),
		Retry:            cfg.retryPolicy(),
		OutputDir:        cfg.OutputDir,
		OnCapReduced: func(reason string) {
			e.dispatchEvent(telemEvents.Event{Category: telemEvents.CategorySession, Type: "cap_reduced", Severity: "warning", Fields: map[string]interface{}{"reason": reason}})
		},
	}
	e.orch = orchestrator.New(orchCfg)

	if cfg.Telemetry.EnableMetrics {
		e.metricsProvider = selectMetricsProvider(cfg.Telemetry)
	}

	if cfg.Telemetry.EnableEvents {
		e.eventBus = telemEvents.NewBus(e.metricsProvider)
	}
	if cfg.Telemetry.EnableTracing {
		e.tracer = telemetrytracing.NewAdaptiveTracer(func() float64 {
			pct := e.Policy().Tracing.SamplePercent
			if pct <= 0 {
				return cfg.Telemetry.SamplingPercent
			}
			return pct
		})
	}

	initialPolicy := inttelempolicy.Default()
	e.telemetryPolicy.Store(&initialPolicy)
	if cfg.Telemetry.EnableHealth {
		e.healthEval = telemetryhealth.NewEvaluator(initialPolicy.Health.ProbeTTL, e.healthProbes()...)
		if e.metricsProvider != nil {
			g := e.metricsProvider.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{Namespace: "signaler", Subsystem: "health", Name: "status", Help: "Engine overall health status (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)"}})
			if g != nil {
				e.healthStatusGauge = g
				g.Set(-1)
			}
		}
	}

	e.started.Store(true)
	return e, nil
}

// buildRegistry registers the builtin audit plugins honoring an
// allow/deny-list plugin selection, and returns the category each
// contributes a score to.
func buildRegistry(sel PluginSelection) (*plugins.Registry, orchestrator.PluginCategories, error) {
	all := []plugins.Plugin{
		builtin.SEOBasics{},
		builtin.SecurityHeaders{},
		builtin.ConsoleErrors{},
	}
	categories := orchestrator.PluginCategories{
		"seo-basics":       models.CategorySEO,
		"security-headers": models.CategorySecurity,
		"console-errors":   models.CategoryBestPractices,
	}

	allow := toSet(sel.Allow)
	deny := toSet(sel.Deny)

	registry := plugins.NewRegistry()
	for _, p := range all {
		if len(allow) > 0 && !allow[p.ID()] {
			continue
		}
		if deny[p.ID()] {
			continue
		}
		registry.Register(p)
	}
	if err := registry.Finalize(); err != nil {
		return nil, nil, fmt.Errorf("engine: finalizing plugin registry: %w", err)
	}
	return registry, categories, nil
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[strings.TrimSpace(id)] = true
	}
	return out
}

// selectMetricsProvider returns a metrics.Provider based on cfg.MetricsBackend.
// Experimental: Helper may relocate behind a telemetry facade in the future.
func selectMetricsProvider(opts TelemetryOptions) intmetrics.Provider {
	switch strings.ToLower(opts.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// Run executes one full audit: expanding cfg.Pages into targets, driving
// them through the orchestrator's Preparing→...→Done state machine, and
// returning the resulting RunSummary.
// Stable: Contract (non-zero RunSummary on success, error on invalid
// configuration) holds after v1.0.
func (e *Engine) Run(ctx context.Context) (models.RunSummary, error) {
	if !e.started.Load() {
		return models.RunSummary{}, fmt.Errorf("engine: not started")
	}
	targets := fingerprint.Expand(e.cfg.Pages)
	digest, err := e.configDigest()
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("engine: hashing configuration: %w", err)
	}
	plan := orchestrator.Plan{
		BaseURL:            e.cfg.BaseURL,
		BuildID:            e.cfg.BuildID,
		Targets:            targets,
		RelevantConfigHash: digest,
		WarmUpEnabled:      e.cfg.WarmUp,
		WarmUp:             e.cfg.warmUpConfig(),
		CancelGrace:        e.cfg.CancelGrace,
		AuditTimeout:       time.Duration(e.cfg.AuditTimeoutMs) * time.Millisecond,
	}
	summary, err := e.orch.Run(ctx, plan)
	e.dispatchEvent(telemEvents.Event{Category: telemEvents.CategoryRun, Type: "run_complete", Fields: map[string]interface{}{"status": string(summary.Meta.Status)}})
	return summary, err
}

// configDigest hashes the subset of configuration that participates in
// target fingerprinting (spec §4.1/§4.7): the active plugin set plus the
// throttling signals that alter how a page is measured.
func (e *Engine) configDigest() (string, error) {
	var pluginIDs []string
	if e.registry != nil {
		pluginIDs = e.registry.Order()
	}
	return configx.Digest(configx.Snapshot{
		PluginIDs:             pluginIDs,
		ThrottlingMethod:      e.cfg.ThrottlingMethod,
		CPUSlowdownMultiplier: e.cfg.CPUSlowdownMultiplier,
	})
}

// Stop releases the session pool and any resources it owns. Idempotent.
// Stable: Safe to call multiple times after v1.0.
func (e *Engine) Stop() error {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.pool != nil {
		return e.pool.Close()
	}
	return nil
}

// Snapshot returns a unified state view.
// Stable: See Snapshot field stability guarantees.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{StartedAt: e.startedAt}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = time.Now()
	}
	snap.Uptime = time.Since(snap.StartedAt)
	if e.orch != nil {
		snap.State = string(e.orch.State())
		snap.Completed = e.orch.Completed()
		snap.Failed = e.orch.Failed()
	}
	if e.pool != nil {
		snap.PoolCap = e.pool.Cap()
	}
	if e.cache != nil {
		stats := e.cache.Stats()
		snap.Cache = &CacheSnapshot{Entries: stats.Entries, SpillFiles: stats.SpillFiles, Hits: stats.Hits, Misses: stats.Misses}
	}
	return snap
}

// HealthSnapshot evaluates (or returns the cached) subsystem health. Returns
// a zero-value Snapshot if health evaluation is disabled.
// Experimental: Health snapshot structure & evaluation cadence may change.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	if e.healthEval == nil {
		return telemetryhealth.Snapshot{}
	}
	snap := e.healthEval.Evaluate(ctx)
	var val float64
	switch snap.Overall {
	case telemetryhealth.StatusHealthy:
		val = 1
	case telemetryhealth.StatusDegraded:
		val = 0.5
	case telemetryhealth.StatusUnhealthy:
		val = 0
	default:
		val = -1
	}
	if e.healthStatusGauge != nil {
		e.healthStatusGauge.Set(val)
	}
	prevRaw := e.lastHealth.Load()
	prev := ""
	if prevRaw != nil {
		prev = prevRaw.(string)
	}
	cur := string(snap.Overall)
	if prev != "" && prev != cur {
		e.dispatchEvent(telemEvents.Event{Category: telemEvents.CategoryHealth, Type: "health_change", Severity: "info", Fields: map[string]interface{}{"previous": prev, "current": cur}})
	}
	e.lastHealth.Store(cur)
	return snap
}

// RegisterEventObserver adds an observer invoked synchronously for each
// internal telemetry event. Safe for concurrent use. No-op if nil provided.
// Experimental: May gain filtering / async delivery options pre-v1.0.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

// dispatchEvent publishes ev to the internal bus (when enabled) and notifies
// registered facade observers with the reduced TelemetryEvent shape.
func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	if e.eventBus != nil {
		_ = e.eventBus.Publish(ev)
	}
	e.eventObserversMu.RLock()
	if len(e.eventObservers) == 0 {
		e.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields}
	if pub.Time.IsZero() {
		pub.Time = time.Now()
	}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}
