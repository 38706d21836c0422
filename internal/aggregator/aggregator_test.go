package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signaler/engine/models"
)

func scorePtr(v int) *int { return &v }

func mobileTarget(score int) models.TargetResult {
	return models.TargetResult{
		Target: models.Target{Path: "/", Device: models.DeviceMobile},
		Scores: map[models.Category]*int{models.CategoryPerformance: scorePtr(score)},
	}
}

// TestRegressionDetection covers spec scenario S3.
func TestRegressionDetection(t *testing.T) {
	runA := []models.TargetResult{mobileTarget(90)}
	runB := []models.TargetResult{mobileTarget(75)}

	summaryA := Aggregate(models.RunMeta{}, runA, nil, DefaultRegressionPolicy())
	summaryB := Aggregate(models.RunMeta{}, runB, &summaryA, DefaultRegressionPolicy())

	require.NotNil(t, summaryB.Diff)
	require.Len(t, summaryB.Diff.Regressions, 1)
	assert.Equal(t, "/#mobile", summaryB.Diff.Regressions[0].TargetRef)
	assert.Equal(t, -15, summaryB.Diff.Regressions[0].Delta)
	assert.NotContains(t, summaryB.Diff.Improvements, summaryB.Diff.Regressions[0])
}

func TestDiffSkewSymmetry(t *testing.T) {
	runA := []models.TargetResult{mobileTarget(90)}
	runB := []models.TargetResult{mobileTarget(75)}

	summaryA := Aggregate(models.RunMeta{}, runA, nil, DefaultRegressionPolicy())
	diffBgivenA := computeDiff(runA, runB, DefaultRegressionPolicy())
	diffAgivenB := computeDiff(runB, runA, DefaultRegressionPolicy())
	_ = summaryA

	require.Len(t, diffBgivenA.Regressions, 1)
	require.Len(t, diffAgivenB.Improvements, 1)
	assert.Equal(t, diffBgivenA.Regressions[0].Delta, -diffAgivenB.Improvements[0].Delta)
}

func TestNoDiffWithoutPreviousRun(t *testing.T) {
	summary := Aggregate(models.RunMeta{}, []models.TargetResult{mobileTarget(90)}, nil, DefaultRegressionPolicy())
	assert.Nil(t, summary.Diff)
}

func TestOffenderRollupMarksSystemicAcrossThreeTargets(t *testing.T) {
	ms := int64(100)
	makeResult := func(path string) models.TargetResult {
		return models.TargetResult{
			Target: models.Target{Path: path, Device: models.DeviceMobile},
			Plugins: map[string]models.PluginResult{
				"perf": {
					Status: models.PluginOK,
					Issues: []models.Issue{{
						ID:        "unused-js",
						Severity:  models.SeverityMedium,
						Category:  models.CategoryPerformance,
						Offenders: []models.Offender{{URL: "/vendor.js", ImpactMs: &ms}},
					}},
				},
			},
		}
	}
	targets := []models.TargetResult{makeResult("/a"), makeResult("/b"), makeResult("/c")}

	summary := Aggregate(models.RunMeta{}, targets, nil, DefaultRegressionPolicy())

	require.Len(t, summary.Offenders, 1)
	assert.True(t, summary.Offenders[0].Systemic)
	assert.Equal(t, int64(300), summary.Offenders[0].CumulativeMs)
}

func TestOffenderRollupKeepsDistinctCategoriesSeparate(t *testing.T) {
	ms := int64(50)
	target := models.TargetResult{
		Target: models.Target{Path: "/", Device: models.DeviceMobile},
		Plugins: map[string]models.PluginResult{
			"security-headers": {
				Status: models.PluginOK,
				Issues: []models.Issue{{
					ID:        "missing-csp",
					Severity:  models.SeverityHigh,
					Category:  models.CategorySecurity,
					Offenders: []models.Offender{{URL: "https://example.com/vendor.js"}},
				}},
			},
			"perf": {
				Status: models.PluginOK,
				Issues: []models.Issue{{
					ID:        "unused-js",
					Severity:  models.SeverityMedium,
					Category:  models.CategoryPerformance,
					Offenders: []models.Offender{{URL: "https://example.com/vendor.js", ImpactMs: &ms}},
				}},
			},
		},
	}

	summary := Aggregate(models.RunMeta{}, []models.TargetResult{target}, nil, DefaultRegressionPolicy())

	require.Len(t, summary.Offenders, 2)
	for _, o := range summary.Offenders {
		assert.False(t, o.Systemic)
	}
}

func TestOffenderRollupCoalescesNormalizedURLVariants(t *testing.T) {
	makeResult := func(path, url string) models.TargetResult {
		return models.TargetResult{
			Target: models.Target{Path: path, Device: models.DeviceMobile},
			Plugins: map[string]models.PluginResult{
				"perf": {
					Status: models.PluginOK,
					Issues: []models.Issue{{
						ID:        "unused-js",
						Severity:  models.SeverityMedium,
						Category:  models.CategoryPerformance,
						Offenders: []models.Offender{{URL: url}},
					}},
				},
			},
		}
	}
	targets := []models.TargetResult{
		makeResult("/a", "https://EXAMPLE.com/vendor.js"),
		makeResult("/b", "https://example.com/vendor.js#section"),
		makeResult("/c", "https://example.com/vendor.js?utm_source=x"),
	}

	summary := Aggregate(models.RunMeta{}, targets, nil, DefaultRegressionPolicy())

	require.Len(t, summary.Offenders, 1)
	assert.True(t, summary.Offenders[0].Systemic)
}

func TestAggregatorIdempotence(t *testing.T) {
	targets := []models.TargetResult{mobileTarget(80)}
	first := Aggregate(models.RunMeta{}, targets, nil, DefaultRegressionPolicy())
	second := Aggregate(models.RunMeta{}, first.Targets, nil, DefaultRegressionPolicy())

	assert.Equal(t, first.AggregateIssues, second.AggregateIssues)
	assert.Equal(t, first.Offenders, second.Offenders)
}

func TestTriageViewCapsAndOrdersBySeverity(t *testing.T) {
	summary := models.RunSummary{
		AggregateIssues: []models.Issue{
			{ID: "a", Severity: models.SeverityLow, Category: models.CategorySEO},
			{ID: "b", Severity: models.SeverityCritical, Category: models.CategorySEO},
			{ID: "c", Severity: models.SeverityMedium, Category: models.CategorySEO},
		},
	}
	view := TriageView(summary, 2)
	got := view[models.CategorySEO]
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
}
