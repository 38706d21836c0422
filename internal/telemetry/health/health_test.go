package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateRollsUpWorstStatus(t *testing.T) {
	e := NewEvaluator(time.Minute,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("b", "slow") }),
	)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, snap.Overall)
	assert.Len(t, snap.Probes, 2)
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	calls := 0
	e := NewEvaluator(time.Minute, ProbeFunc(func(ctx context.Context) ProbeResult {
		calls++
		return Healthy("a")
	}))
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	assert.Equal(t, 1, calls)
}

func TestForceInvalidateRecomputes(t *testing.T) {
	calls := 0
	e := NewEvaluator(time.Minute, ProbeFunc(func(ctx context.Context) ProbeResult {
		calls++
		return Healthy("a")
	}))
	e.Evaluate(context.Background())
	e.ForceInvalidate()
	e.Evaluate(context.Background())
	assert.Equal(t, 2, calls)
}

func TestWorkerPoolProbeDegradesWhenCapReduced(t *testing.T) {
	p := WorkerPoolProbe(func() int { return 2 }, 4)
	result := p.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestFailureRateProbeUnhealthyAboveSixtyPercent(t *testing.T) {
	p := FailureRateProbe(func() int64 { return 10 }, func() int64 { return 7 })
	result := p.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestFailureRateProbeHealthyBelowTenCompleted(t *testing.T) {
	p := FailureRateProbe(func() int64 { return 5 }, func() int64 { return 5 })
	result := p.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}
