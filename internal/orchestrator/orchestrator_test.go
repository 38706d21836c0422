package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signaler/engine/internal/aggregator"
	"github.com/signaler/engine/internal/artifacts"
	"github.com/signaler/engine/internal/cache"
	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/internal/plugins/builtin"
	"github.com/signaler/engine/internal/retry"
	"github.com/signaler/engine/internal/sessionpool"
	"github.com/signaler/engine/models"
)

type fakeSession struct {
	id      string
	navErr  error
	headers map[string][]string
}

func (f *fakeSession) ID() string  { return f.id }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) Navigate(ctx context.Context, targetURL string) (models.NavigationResult, string, []models.ConsoleMessage, []models.NetworkEntry, error) {
	if f.navErr != nil {
		return models.NavigationResult{}, "", nil, nil, f.navErr
	}
	nav := models.NavigationResult{StatusCode: 200, FinalURL: targetURL, Headers: f.headers}
	body := "<html><head><title>Hi</title></head><body><h1>Hi</h1></body></html>"
	return nav, body, nil, nil, nil
}

func (f *fakeSession) ReloadForCoverage(ctx context.Context) ([]models.CoverageEntry, error) {
	return nil, nil
}

// hangingSession never returns from Navigate on its own; it blocks until the
// context passed in is done, simulating a stuck page load so AuditTimeout
// enforcement can be exercised without a real wall-clock sleep.
type hangingSession struct{ id string }

func (h *hangingSession) ID() string  { return h.id }
func (h *hangingSession) Close() error { return nil }

func (h *hangingSession) Navigate(ctx context.Context, targetURL string) (models.NavigationResult, string, []models.ConsoleMessage, []models.NetworkEntry, error) {
	<-ctx.Done()
	return models.NavigationResult{}, "", nil, nil, ctx.Err()
}

func (h *hangingSession) ReloadForCoverage(ctx context.Context) ([]models.CoverageEntry, error) {
	return nil, nil
}

type hangingDriver struct{ counter int64 }

func (d *hangingDriver) NewSession(ctx context.Context) (sessionpool.Session, error) {
	n := atomic.AddInt64(&d.counter, 1)
	return &hangingSession{id: fmt.Sprintf("hang-%d", n)}, nil
}

type fakeDriver struct {
	counter int64
	navErr  func(id string) error
}

func (d *fakeDriver) NewSession(ctx context.Context) (sessionpool.Session, error) {
	n := atomic.AddInt64(&d.counter, 1)
	id := fmt.Sprintf("sess-%d", n)
	var navErr error
	if d.navErr != nil {
		navErr = d.navErr(id)
	}
	return &fakeSession{id: id, navErr: navErr}, nil
}

func newRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	r := plugins.NewRegistry()
	r.Register(builtin.SEOBasics{})
	require.NoError(t, r.Finalize())
	return r
}

func testTargets() []models.Target {
	return []models.Target{
		{Path: "/", Label: "home", Device: "desktop"},
		{Path: "/about", Label: "about", Device: "desktop"},
	}
}

func TestRunHappyPathProducesSummaryAndArtifacts(t *testing.T) {
	registry := newRegistry(t)
	pool := sessionpool.New(&fakeDriver{}, sessionpool.Config{ConfiguredCap: 2, TotalMemoryMB: 8192, LogicalCPUCount: 8})
	outputDir := t.TempDir()
	writer := artifacts.New(artifacts.Config{OutputDir: outputDir})

	o := New(Config{
		Pool:             pool,
		Registry:         registry,
		Scheduler:        plugins.NewScheduler(registry),
		Writer:           writer,
		OutputDir:        outputDir,
		RegressionPolicy: aggregator.DefaultRegressionPolicy(),
		Retry:            retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1},
		PluginCategories: PluginCategories{"seo-basics": models.CategorySEO},
	})

	summary, err := o.Run(context.Background(), Plan{
		BaseURL: "https://example.com",
		BuildID: "build-1",
		Targets: testTargets(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusOK, summary.Meta.Status)
	require.Len(t, summary.Targets, 2)
	assert.Equal(t, "/", summary.Targets[0].Target.Path)
	assert.Equal(t, "/about", summary.Targets[1].Target.Path)
	for _, tr := range summary.Targets {
		require.Contains(t, tr.Plugins, "seo-basics")
		assert.Equal(t, models.PluginOK, tr.Plugins["seo-basics"].Status)
		require.NotNil(t, tr.Scores[models.CategorySEO])
	}
	assert.NotEmpty(t, summary.Meta.Artifacts)
}

func TestRunRejectsMissingBaseURL(t *testing.T) {
	registry := newRegistry(t)
	o := New(Config{Registry: registry, Scheduler: plugins.NewScheduler(registry)})

	summary, err := o.Run(context.Background(), Plan{Targets: testTargets()})
	require.ErrorIs(t, err, models.ErrMissingBaseURL)
	assert.Equal(t, models.RunStatusFailed, summary.Meta.Status)
}

func TestRunRejectsDuplicateTargets(t *testing.T) {
	registry := newRegistry(t)
	o := New(Config{Registry: registry, Scheduler: plugins.NewScheduler(registry)})

	dup := []models.Target{
		{Path: "/", Label: "home", Device: "desktop"},
		{Path: "/", Label: "home", Device: "desktop"},
	}
	_, err := o.Run(context.Background(), Plan{BaseURL: "https://example.com", Targets: dup})
	require.ErrorIs(t, err, models.ErrDuplicateTarget)
}

func TestRunServesCacheHitWithoutNavigating(t *testing.T) {
	registry := newRegistry(t)
	driver := &fakeDriver{}
	pool := sessionpool.New(driver, sessionpool.Config{ConfiguredCap: 2, TotalMemoryMB: 8192, LogicalCPUCount: 8})
	c, err := cache.New(cache.Config{Capacity: 16})
	require.NoError(t, err)
	defer c.Close()

	o := New(Config{
		Pool:      pool,
		Registry:  registry,
		Scheduler: plugins.NewScheduler(registry),
		Cache:     c,
		Retry:     retry.Policy{MaxAttempts: 1},
	})

	targets := []models.Target{{Path: "/", Label: "home", Device: "desktop"}}
	plan := Plan{BaseURL: "https://example.com", BuildID: "build-1", Targets: targets}

	first, err := o.Run(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, first.Targets, 1)
	assert.False(t, first.Targets[0].FromCache)
	firstCalls := atomic.LoadInt64(&driver.counter)

	second, err := o.Run(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, second.Targets, 1)
	assert.True(t, second.Targets[0].FromCache)
	assert.Equal(t, firstCalls, atomic.LoadInt64(&driver.counter))
}

func TestRunCancellationRecordsCancelledTargets(t *testing.T) {
	registry := newRegistry(t)
	pool := sessionpool.New(&fakeDriver{}, sessionpool.Config{ConfiguredCap: 1, TotalMemoryMB: 8192, LogicalCPUCount: 8})

	o := New(Config{
		Pool:      pool,
		Registry:  registry,
		Scheduler: plugins.NewScheduler(registry),
		Retry:     retry.Policy{MaxAttempts: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := o.Run(ctx, Plan{
		BaseURL:     "https://example.com",
		Targets:     testTargets(),
		CancelGrace: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, summary.Meta.Status)
	for _, tr := range summary.Targets {
		pr, ok := tr.Plugins["orchestrator"]
		require.True(t, ok)
		assert.Equal(t, models.PluginFailed, pr.Status)
		require.NotNil(t, pr.Error)
		assert.Equal(t, models.ErrKindCancelled, pr.Error.Kind)
	}
}

func TestAdaptiveCapHalvesAfterSustainedFailures(t *testing.T) {
	registry := newRegistry(t)
	driver := &fakeDriver{navErr: func(id string) error { return errors.New("econnreset") }}
	pool := sessionpool.New(driver, sessionpool.Config{ConfiguredCap: 4, TotalMemoryMB: 8192, LogicalCPUCount: 8})
	initialCap := pool.Cap()

	targets := make([]models.Target, 12)
	for i := range targets {
		targets[i] = models.Target{Path: fmt.Sprintf("/p%d", i), Label: "home", Device: "desktop"}
	}

	o := New(Config{
		Pool:      pool,
		Registry:  registry,
		Scheduler: plugins.NewScheduler(registry),
		Retry:     retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1},
	})

	summary, err := o.Run(context.Background(), Plan{BaseURL: "https://example.com", Targets: targets})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, summary.Meta.Status)
	assert.Less(t, pool.Cap(), initialCap)
}

// TestAuditTimeoutFailsTargetInsteadOfHangingForever covers the per-target
// wall-clock ceiling: a target whose navigation never returns on its own
// must still be failed once Plan.AuditTimeout elapses, across all retries.
func TestAuditTimeoutFailsTargetInsteadOfHangingForever(t *testing.T) {
	registry := newRegistry(t)
	pool := sessionpool.New(&hangingDriver{}, sessionpool.Config{ConfiguredCap: 1, TotalMemoryMB: 8192, LogicalCPUCount: 8})

	o := New(Config{
		Pool:      pool,
		Registry:  registry,
		Scheduler: plugins.NewScheduler(registry),
		Retry:     retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2},
	})

	summary, err := o.Run(context.Background(), Plan{
		BaseURL:      "https://example.com",
		Targets:      []models.Target{{Path: "/", Label: "home", Device: "desktop"}},
		AuditTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, summary.Targets, 1)
	pr, ok := summary.Targets[0].Plugins["session"]
	require.True(t, ok)
	assert.Equal(t, models.PluginFailed, pr.Status)
}

// TestRunFailsWhenMandatoryArtifactWriteFails covers spec §7's failure
// semantics summary: a failed write of the mandatory summary.json artifact
// must surface as a run failure, not a silently-successful Done state.
func TestRunFailsWhenMandatoryArtifactWriteFails(t *testing.T) {
	registry := newRegistry(t)
	pool := sessionpool.New(&fakeDriver{}, sessionpool.Config{ConfiguredCap: 2, TotalMemoryMB: 8192, LogicalCPUCount: 8})

	blockedDir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blockedDir, []byte("not a directory"), 0o644))
	writer := artifacts.New(artifacts.Config{OutputDir: blockedDir})

	o := New(Config{
		Pool:             pool,
		Registry:         registry,
		Scheduler:        plugins.NewScheduler(registry),
		Writer:           writer,
		RegressionPolicy: aggregator.DefaultRegressionPolicy(),
		Retry:            retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1},
		PluginCategories: PluginCategories{"seo-basics": models.CategorySEO},
	})

	summary, err := o.Run(context.Background(), Plan{
		BaseURL: "https://example.com",
		Targets: testTargets(),
	})
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Meta.Status)
	assert.Equal(t, StateFailed, o.State())
}
