package policy

// Package policy holds runtime-tunable telemetry knobs, surfaced publicly via
// engine.Policy()/UpdateTelemetryPolicy().

import "time"

// TelemetryPolicy centralizes runtime-tunable telemetry knobs. It is designed to be
// swapped atomically (callers hold an immutable snapshot pointer) to avoid locks
// on hot paths. All durations are expected to be positive; zero values fall back
// to defaults established in Default().
type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

// HealthPolicy holds health-evaluation knobs. The engine reads only ProbeTTL
// (the health evaluator's cache lifetime); internal/telemetry/health's
// probes apply their own fixed thresholds (failure rate 30%/60% over at
// least 10 completed targets, any worker cap reduction) and do not read the
// FailureRate* or WorkerPool* fields.
type HealthPolicy struct {
	ProbeTTL                    time.Duration
	FailureRateMinSamples       int
	FailureRateDegradedRatio    float64
	FailureRateUnhealthyRatio   float64
	WorkerPoolDegradedFraction  float64
	WorkerPoolUnhealthyFraction float64
}

type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns a TelemetryPolicy populated with the spec's documented
// adaptive-scheduling thresholds (30%/60% failure rate over >=10 completed
// targets; spec §4.6).
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                    2 * time.Second,
			FailureRateMinSamples:       10,
			FailureRateDegradedRatio:    0.30,
			FailureRateUnhealthyRatio:   0.60,
			WorkerPoolDegradedFraction:  0.50,
			WorkerPoolUnhealthyFraction: 0.25,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize ensures sane bounds without mutating original; returns a cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.FailureRateMinSamples <= 0 {
		c.Health.FailureRateMinSamples = 10
	}
	if c.Health.FailureRateDegradedRatio <= 0 {
		c.Health.FailureRateDegradedRatio = 0.30
	}
	if c.Health.FailureRateUnhealthyRatio <= 0 {
		c.Health.FailureRateUnhealthyRatio = 0.60
	}
	if c.Health.WorkerPoolDegradedFraction <= 0 {
		c.Health.WorkerPoolDegradedFraction = 0.50
	}
	if c.Health.WorkerPoolUnhealthyFraction <= 0 {
		c.Health.WorkerPoolUnhealthyFraction = 0.25
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
