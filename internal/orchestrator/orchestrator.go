// Package orchestrator implements the Audit Orchestrator: the top-level
// state machine that expands configuration into targets, warms the target
// site, drains the target queue against the browser session pool, and
// hands results to the aggregator and artifact writer. Adapted from
// engine.go's own Start/Stop/Snapshot lifecycle, generalized from a single
// crawl-pipeline run to the
// Idle→Preparing→WarmingUp→Running→Aggregating→Writing→Done state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signaler/engine/internal/aggregator"
	"github.com/signaler/engine/internal/artifacts"
	"github.com/signaler/engine/internal/cache"
	"github.com/signaler/engine/internal/fingerprint"
	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/internal/progress"
	"github.com/signaler/engine/internal/retry"
	"github.com/signaler/engine/internal/sessionpool"
	"github.com/signaler/engine/internal/warmup"
	"github.com/signaler/engine/models"
)

// State is a position in the orchestrator's run state machine (spec 4.6).
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateWarmingUp   State = "warming-up"
	StateRunning     State = "running"
	StateAggregating State = "aggregating"
	StateWriting     State = "writing"
	StateDone        State = "done"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Session is the per-target browser handle the orchestrator drives through
// one navigation. It extends sessionpool.Session with navigation operations
// rather than folding them into sessionpool.Session directly, so the pool
// itself stays ignorant of navigation and its own tests can keep using a
// minimal fake. The real implementation (CDP-driven navigation) is an
// external collaborator; Navigate returns the response body alongside the
// navigation metadata since plugins like seo-basics inspect it via
// ExecutionContext.shared.
type Session interface {
	sessionpool.Session
	Navigate(ctx context.Context, targetURL string) (nav models.NavigationResult, body string, console []models.ConsoleMessage, network []models.NetworkEntry, err error)
	ReloadForCoverage(ctx context.Context) ([]models.CoverageEntry, error)
}

// RunnerVersioner is implemented by drivers that can report the versions of
// the runners they embed (e.g. {"chrome": "120.0"}), fed into the
// fingerprint as an ingredient. Drivers that don't implement it contribute
// no runner-version ingredient.
type RunnerVersioner interface {
	RunnerVersions() map[string]string
}

// PluginCategories maps a plugin id to the audit category its score
// contributes to. A plugin absent from this map never influences scoring,
// which fits plugins that only emit issues without a dedicated category
// score (or a category score sourced from an external runner instead).
type PluginCategories map[string]models.Category

// Plan is one run's inputs, validated by Prepare before Run proceeds past
// StatePreparing.
type Plan struct {
	BaseURL            string
	BuildID            string
	Targets            []models.Target
	RelevantConfigHash string
	WarmUpEnabled      bool
	WarmUp             warmup.Config
	CancelGrace        time.Duration
	// AuditTimeout bounds a single target's whole attempt (session
	// acquisition, navigation, and plugin execution), across all retries.
	// Zero disables the ceiling.
	AuditTimeout time.Duration
}

// Config wires the orchestrator to its collaborators. Cache, Writer, and
// Reporter are optional; a nil Cache disables incremental caching, a nil
// Writer skips artifact persistence, a nil Reporter skips progress events.
type Config struct {
	Driver           sessionpool.Driver
	Pool             *sessionpool.Pool
	Registry         *plugins.Registry
	Scheduler        *plugins.Scheduler
	PluginCategories PluginCategories
	Cache            *cache.Cache
	Writer           *artifacts.Writer
	OutputDir        string
	Reporter         *progress.Reporter
	RegressionPolicy aggregator.RegressionPolicy
	Retry            retry.Policy
	// Prober validates baseUrl reachability during Preparing. Nil skips
	// the reachability check (useful for tests against no live server).
	Prober func(baseURL string) error
	// OnCapReduced is invoked with a human-readable reason whenever
	// adaptive scheduling halves the worker cap.
	OnCapReduced func(reason string)
}

// Orchestrator runs one audit at a time; Run must not be called
// concurrently on the same instance.
type Orchestrator struct {
	cfg Config

	mu    sync.Mutex
	state State

	completed int64
	failed    int64
	halvedAt  int64 // `completed` count at last cap halving; 0 = never halved
}

// New builds an Orchestrator bound to cfg, normalizing its retry and
// regression policies.
func New(cfg Config) *Orchestrator {
	cfg.Retry = cfg.Retry.Normalize()
	cfg.RegressionPolicy = cfg.RegressionPolicy.Normalize()
	return &Orchestrator{cfg: cfg, state: StateIdle}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Completed returns the number of targets that have finished processing
// (success or failure) so far in the current/last run.
func (o *Orchestrator) Completed() int64 { return atomic.LoadInt64(&o.completed) }

// Failed returns the number of targets that finished processing as a
// failure so far in the current/last run.
func (o *Orchestrator) Failed() int64 { return atomic.LoadInt64(&o.failed) }

// Run drives one audit from Preparing through Done (or Cancelled/Failed).
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (models.RunSummary, error) {
	atomic.StoreInt64(&o.completed, 0)
	atomic.StoreInt64(&o.failed, 0)
	o.mu.Lock()
	o.halvedAt = 0
	o.mu.Unlock()

	o.setState(StatePreparing)
	if err := o.validate(plan); err != nil {
		o.setState(StateFailed)
		summary := failedSummary(plan, err)
		if o.cfg.Writer != nil {
			summary.Meta.Artifacts = o.cfg.Writer.WriteAll(summary)
		}
		return summary, err
	}

	// runCtx is detached from ctx's own cancellation so an outer cancel
	// grants the configured grace window before in-flight targets are
	// forced to stop (spec 4.10 / section 5).
	runCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()
	go o.watchCancellation(ctx, runCtx, forceCancel, plan.CancelGrace)

	if plan.WarmUpEnabled {
		o.setState(StateWarmingUp)
		cap := 4
		if o.cfg.Pool != nil {
			if c := o.cfg.Pool.Cap(); c < cap {
				cap = c
			}
		}
		warmup.Run(runCtx, plan.Targets, plan.WarmUp, cap)
	}

	o.setState(StateRunning)
	started := time.Now()
	results := o.runTargets(ctx, runCtx, plan)
	sortResults(results)

	status := models.RunStatusOK
	switch {
	case ctx.Err() != nil:
		status = models.RunStatusCanceled
	case anyFailed(results):
		status = models.RunStatusPartial
	}

	o.setState(StateAggregating)
	var previous *models.RunSummary
	if o.cfg.OutputDir != "" {
		previous, _ = artifacts.LoadPreviousSummary(o.cfg.OutputDir)
	}
	meta := models.RunMeta{BuildID: plan.BuildID, Status: status, ConfigDigest: plan.RelevantConfigHash}
	aggregator.NormalizeCategoryScores(results)
	summary := aggregator.Aggregate(meta, results, previous, o.cfg.RegressionPolicy)
	summary.StartedAt = started
	summary.CompletedAt = time.Now()
	summary.ElapsedMs = summary.CompletedAt.Sub(started).Milliseconds()

	if status == models.RunStatusCanceled {
		o.setState(StateCancelled)
	}

	if o.cfg.Writer != nil {
		o.setState(StateWriting)
		results := o.cfg.Writer.WriteAll(summary)
		if o.cfg.Cache != nil {
			results = append(results, o.cfg.Writer.WriteCacheIndex(o.cfg.Cache.Index()))
		}
		summary.Meta.Artifacts = results

		// A failed mandatory artifact write is an operational failure (spec
		// §7's failure semantics summary); optional artifacts only warn.
		if err := mandatoryWriteFailure(results); err != nil {
			o.setState(StateFailed)
			summary.Meta.Status = models.RunStatusFailed
			summary.Meta.FatalError = err.Error()
			return summary, err
		}
	}

	if status == models.RunStatusCanceled {
		o.setState(StateCancelled)
	} else {
		o.setState(StateDone)
	}
	return summary, nil
}

// mandatoryWriteFailure reports the first failed non-optional artifact
// write, or nil if every mandatory artifact (summary.json, issues.json, and
// diff.json when one is written) landed.
func mandatoryWriteFailure(results []models.ArtifactWriteResult) error {
	for _, r := range results {
		if !r.Optional && !r.Success {
			return fmt.Errorf("write %s: %s", r.Name, r.Error)
		}
	}
	return nil
}

func (o *Orchestrator) watchCancellation(ctx, runCtx context.Context, forceCancel context.CancelFunc, grace time.Duration) {
	select {
	case <-ctx.Done():
	case <-runCtx.Done():
		return
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		forceCancel()
	case <-runCtx.Done():
	}
}

// validate implements the Preparing state's checks (spec 4.6).
func (o *Orchestrator) validate(plan Plan) error {
	if plan.BaseURL == "" {
		return models.ErrMissingBaseURL
	}
	u, err := url.Parse(plan.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.ErrInvalidBaseURL
	}
	seen := make(map[string]bool, len(plan.Targets))
	for _, t := range plan.Targets {
		if !strings.HasPrefix(t.Path, "/") {
			return fmt.Errorf("%w: %s", models.ErrInvalidPath, t.Path)
		}
		key := t.Ref()
		if seen[key] {
			return fmt.Errorf("%w: %s", models.ErrDuplicateTarget, key)
		}
		seen[key] = true
	}
	if o.cfg.Prober != nil {
		if err := o.cfg.Prober(plan.BaseURL); err != nil {
			return fmt.Errorf("%w: %v", models.ErrBaseURLUnreachable, err)
		}
	}
	return nil
}

func failedSummary(plan Plan, err error) models.RunSummary {
	now := time.Now()
	return models.RunSummary{
		StartedAt:   now,
		CompletedAt: now,
		Meta:        models.RunMeta{BuildID: plan.BuildID, Status: models.RunStatusFailed, FatalError: err.Error()},
	}
}

// runTargets drains plan.Targets across a bounded worker pool, one
// goroutine per unit of the pool's initial cap; Pool.Acquire is the
// authoritative concurrency gate, so workers outliving a cap reduction
// simply block in Acquire rather than overrunning it.
//
// ctx gates whether a new target is started at all: once the caller
// cancels, no target that hasn't already begun will start. runCtx is the
// grace-windowed context passed into in-flight work, so a target already
// underway when ctx is cancelled gets CancelGrace to finish before being
// forced to stop.
func (o *Orchestrator) runTargets(ctx, runCtx context.Context, plan Plan) []models.TargetResult {
	pluginIDs := o.cfg.Registry.Order()

	jobs := make(chan int, len(plan.Targets))
	for i := range plan.Targets {
		jobs <- i
	}
	close(jobs)

	results := make([]models.TargetResult, len(plan.Targets))

	workers := 1
	if o.cfg.Pool != nil {
		workers = o.cfg.Pool.Cap()
	}
	if workers > len(plan.Targets) {
		workers = len(plan.Targets)
	}
	if workers < 1 {
		workers = 1
	}

	var runnerVersions map[string]string
	if rv, ok := o.cfg.Driver.(RunnerVersioner); ok {
		runnerVersions = rv.RunnerVersions()
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				select {
				case <-ctx.Done():
					results[i] = cancelledResult(plan.Targets[i])
					continue
				default:
				}
				results[i] = o.runOne(runCtx, plan, plan.Targets[i], pluginIDs, runnerVersions)
			}
		}()
	}
	wg.Wait()
	return results
}

func cancelledResult(t models.Target) models.TargetResult {
	return models.TargetResult{
		Target:    t,
		StartedAt: time.Now(),
		Plugins: map[string]models.PluginResult{
			"orchestrator": {
				PluginID: "orchestrator",
				Status:   models.PluginFailed,
				Error:    &models.PluginError{Kind: models.ErrKindCancelled, Message: models.ErrCancelled.Error()},
			},
		},
	}
}

// runOne resolves a target's fingerprint, serves a cache hit when present,
// and otherwise executes plugins under a fresh session, retrying transient
// failures per the configured retry policy (spec 4.2/4.3/4.7). The whole
// attempt, across every retry, is bounded by plan.AuditTimeout.
func (o *Orchestrator) runOne(ctx context.Context, plan Plan, target models.Target, pluginIDs []string, runnerVersions map[string]string) models.TargetResult {
	fp := fingerprint.Compute(target, plan.BuildID, runnerVersions, pluginIDs, plan.RelevantConfigHash)

	if o.cfg.Cache != nil {
		if cached, ok := o.cfg.Cache.Get(fp); ok {
			o.recordOutcome(true)
			return cached
		}
	}

	if plan.AuditTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.AuditTimeout)
		defer cancel()
	}

	o.notifyStart(target)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.Retry.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			o.notifyDone(target, time.Since(start))
			return cancelledResult(target)
		default:
		}

		result, err := o.attempt(ctx, plan, target, fp, attempt-1)
		if err == nil {
			result.StartedAt = start
			result.DurationMs = time.Since(start).Milliseconds()
			o.recordOutcome(true)
			o.notifyDone(target, time.Since(start))
			o.maybeAdaptCap()
			if o.cfg.Cache != nil && cacheable(result) {
				o.cfg.Cache.Put(fp, result)
				o.cfg.Cache.Checkpoint(fp)
			}
			return result
		}
		lastErr = err
		if retry.Classify(err, 0) != retry.Transient || attempt == o.cfg.Retry.MaxAttempts {
			break
		}
		if !o.cfg.Retry.Sleep(ctx, attempt) {
			lastErr = ctx.Err()
			break
		}
	}

	o.recordOutcome(false)
	o.maybeAdaptCap()
	o.notifyDone(target, time.Since(start))
	return models.TargetResult{
		Target:      target,
		Fingerprint: fp,
		StartedAt:   start,
		DurationMs:  time.Since(start).Milliseconds(),
		Retries:     o.cfg.Retry.MaxAttempts - 1,
		Plugins: map[string]models.PluginResult{
			"session": {
				PluginID: "session",
				Status:   models.PluginFailed,
				Error:    &models.PluginError{Kind: models.ErrKindSession, Message: errString(lastErr)},
			},
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// attempt acquires a session, navigates to the target, runs plugins, and
// releases the session. The returned error is intentionally simple: any error means the session layer is responsible, per the
// failure-semantics summary in spec section 4.6.
func (o *Orchestrator) attempt(ctx context.Context, plan Plan, target models.Target, fp models.Fingerprint, priorRetries int) (models.TargetResult, error) {
	if o.cfg.Pool == nil {
		return models.TargetResult{}, errors.New("orchestrator: no session pool configured")
	}
	sess, err := o.cfg.Pool.Acquire(ctx)
	if err != nil {
		return models.TargetResult{}, err
	}

	navSess, ok := sess.(Session)
	if !ok {
		o.cfg.Pool.Release(sess, false)
		return models.TargetResult{}, fmt.Errorf("orchestrator: session %T does not implement navigation", sess)
	}

	targetURL, err := joinURL(plan.BaseURL, target.Path)
	if err != nil {
		o.cfg.Pool.Release(sess, false)
		return models.TargetResult{}, err
	}

	nav, body, console, network, err := navSess.Navigate(ctx, targetURL)
	if err != nil {
		o.cfg.Pool.Release(sess, false)
		return models.TargetResult{}, err
	}

	ec := models.NewExecutionContext(target, sess.ID())
	ec.NavigationResult = nav
	ec.ConsoleLog = console
	ec.NetworkLog = network
	ec.SharedSet("navigation", "body", body)

	if o.needsCoverageReload() {
		if cov, rerr := navSess.ReloadForCoverage(ctx); rerr == nil {
			ec.Coverage = cov
		}
	}

	pluginResults := o.cfg.Scheduler.RunTarget(ctx, ec)
	o.cfg.Pool.Release(sess, true)

	return models.TargetResult{
		Target:      target,
		Fingerprint: fp,
		Plugins:     pluginResults,
		Scores:      o.scoreResults(pluginResults),
		CoreMetrics: coreMetricsFrom(pluginResults),
		Retries:     priorRetries,
	}, nil
}

func (o *Orchestrator) needsCoverageReload() bool {
	if o.cfg.Registry == nil {
		return false
	}
	for _, id := range o.cfg.Registry.Order() {
		if p, ok := o.cfg.Registry.Get(id); ok && p.Capabilities().NeedsCoverageReload {
			return true
		}
	}
	return false
}

var severityPenalty = map[models.Severity]int{
	models.SeverityCritical: 40,
	models.SeverityHigh:     20,
	models.SeverityMedium:   10,
	models.SeverityLow:      5,
}

// scoreResults derives a 0-100 category score per category represented in
// PluginCategories: 100 minus the sum of severity penalties for that
// plugin's issues, floored at 0. When multiple plugins map to the same
// category, the worst (lowest) score wins.
func (o *Orchestrator) scoreResults(results map[string]models.PluginResult) map[models.Category]*int {
	if len(o.cfg.PluginCategories) == 0 {
		return nil
	}
	byCat := make(map[models.Category]int)
	seen := make(map[models.Category]bool)
	for pluginID, cat := range o.cfg.PluginCategories {
		res, ran := results[pluginID]
		if !ran || res.Status == models.PluginSkipped {
			continue
		}
		score := 100
		for _, issue := range res.Issues {
			score -= severityPenalty[models.NormalizeSeverity(string(issue.Severity))]
		}
		if score < 0 {
			score = 0
		}
		if !seen[cat] || score < byCat[cat] {
			byCat[cat] = score
			seen[cat] = true
		}
	}
	out := make(map[models.Category]*int, len(byCat))
	for cat, score := range byCat {
		v := score
		out[cat] = &v
	}
	return out
}

func coreMetricsFrom(results map[string]models.PluginResult) models.CoreMetrics {
	var cm models.CoreMetrics
	for _, res := range results {
		if v, ok := floatMetric(res.Metrics, "lcpMs"); ok {
			cm.LCPMs = &v
		}
		if v, ok := floatMetric(res.Metrics, "fcpMs"); ok {
			cm.FCPMs = &v
		}
		if v, ok := floatMetric(res.Metrics, "tbtMs"); ok {
			cm.TBTMs = &v
		}
		if v, ok := floatMetric(res.Metrics, "cls"); ok {
			cm.CLS = &v
		}
		if v, ok := floatMetric(res.Metrics, "inpMs"); ok {
			cm.INPMs = &v
		}
	}
	return cm
}

func floatMetric(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// cacheable reports whether a TargetResult may be stored: the cache never
// stores results whose plugin set included a failed plugin explicitly
// marked non-cacheable (spec 4.7).
func cacheable(result models.TargetResult) bool {
	for _, res := range result.Plugins {
		if res.Status == models.PluginFailed && !res.Cacheable {
			return false
		}
	}
	return true
}

func (o *Orchestrator) recordOutcome(success bool) {
	atomic.AddInt64(&o.completed, 1)
	if !success {
		atomic.AddInt64(&o.failed, 1)
	}
}

// maybeAdaptCap implements the adaptive scheduling rule from spec 4.6: once
// cumulative failure rate exceeds 30% over at least 10 completed targets,
// the worker cap is halved. Guarded so the same ten-target window doesn't
// trigger repeated halvings.
func (o *Orchestrator) maybeAdaptCap() {
	if o.cfg.Pool == nil {
		return
	}
	completed := atomic.LoadInt64(&o.completed)
	failed := atomic.LoadInt64(&o.failed)
	if completed < 10 || float64(failed)/float64(completed) <= 0.3 {
		return
	}

	o.mu.Lock()
	if o.halvedAt != 0 && completed-o.halvedAt < 10 {
		o.mu.Unlock()
		return
	}
	o.halvedAt = completed
	o.mu.Unlock()

	newCap := o.cfg.Pool.HalveCap()
	if o.cfg.Reporter != nil {
		o.cfg.Reporter.Notice("running", "worker_cap_reduced")
	}
	if o.cfg.OnCapReduced != nil {
		o.cfg.OnCapReduced(fmt.Sprintf("failure rate exceeded 30%% over %d completed targets; worker cap reduced to %d", completed, newCap))
	}
}

func (o *Orchestrator) notifyStart(t models.Target) {
	if o.cfg.Reporter != nil {
		o.cfg.Reporter.TargetStart(string(StateRunning), t.Ref())
	}
}

func (o *Orchestrator) notifyDone(t models.Target, d time.Duration) {
	if o.cfg.Reporter != nil {
		o.cfg.Reporter.TargetDone(string(StateRunning), t.Ref(), d)
	}
}

func anyFailed(results []models.TargetResult) bool {
	for _, r := range results {
		for _, pr := range r.Plugins {
			if pr.Status == models.PluginFailed {
				return true
			}
		}
	}
	return false
}

// sortResults orders targets by (path, device, label) so the aggregator's
// output is deterministic regardless of completion order (spec section 5).
func sortResults(results []models.TargetResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Target, results[j].Target
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Label < b.Label
	})
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidBaseURL, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPath, err)
	}
	return u.ResolveReference(ref).String(), nil
}
