package aggregator

import (
	"sort"

	"github.com/signaler/engine/models"
)

var severityRank = map[models.Severity]int{
	models.SeverityCritical: 0,
	models.SeverityHigh:     1,
	models.SeverityMedium:   2,
	models.SeverityLow:      3,
}

// TriageView returns issues sorted by severity then cumulative impact,
// capped at topN worst entries per category.
func TriageView(summary models.RunSummary, topN int) map[models.Category][]models.Issue {
	if topN <= 0 {
		topN = 10
	}
	byCategory := make(map[models.Category][]models.Issue)
	for _, issue := range summary.AggregateIssues {
		byCategory[issue.Category] = append(byCategory[issue.Category], issue)
	}

	impact := offenderImpactIndex(summary.Offenders)
	out := make(map[models.Category][]models.Issue, len(byCategory))
	for cat, issues := range byCategory {
		sorted := append([]models.Issue(nil), issues...)
		sort.SliceStable(sorted, func(i, j int) bool {
			ri, rj := severityRank[sorted[i].Severity], severityRank[sorted[j].Severity]
			if ri != rj {
				return ri < rj
			}
			return totalImpact(sorted[i], impact) > totalImpact(sorted[j], impact)
		})
		if len(sorted) > topN {
			sorted = sorted[:topN]
		}
		out[cat] = sorted
	}
	return out
}

func offenderImpactIndex(rollups []models.OffenderRollup) map[string]int64 {
	idx := make(map[string]int64, len(rollups))
	for _, r := range rollups {
		idx[r.Key] = r.CumulativeMs + r.CumulativeBytes
	}
	return idx
}

func totalImpact(issue models.Issue, impact map[string]int64) int64 {
	var total int64
	for _, off := range issue.Offenders {
		total += impact[normalizeURL(off.URL)+"|"+string(issue.Category)]
	}
	return total
}

// SummaryLite strips per-target plugin detail and coreMetrics, keeping only
// scores and status, for smaller human-facing dashboards.
type SummaryLite struct {
	Meta    models.RunMeta      `json:"meta"`
	Targets []SummaryLiteTarget `json:"targets"`
}

type SummaryLiteTarget struct {
	TargetRef string                   `json:"targetRef"`
	Scores    map[models.Category]*int `json:"scores"`
	FromCache bool                     `json:"fromCache"`
}

func BuildSummaryLite(summary models.RunSummary) SummaryLite {
	lite := SummaryLite{Meta: summary.Meta}
	for _, tr := range summary.Targets {
		lite.Targets = append(lite.Targets, SummaryLiteTarget{
			TargetRef: tr.Target.Ref(),
			Scores:    tr.Scores,
			FromCache: tr.FromCache,
		})
	}
	return lite
}

// AIAnalysis is the token-minimized view intended for automated consumption:
// aggregated issues, top offenders, systemic patterns, and fix guidance,
// with prose fields dropped in favor of structured fields only.
type AIAnalysis struct {
	Status    models.RunStatus        `json:"status"`
	Issues    []AIIssue               `json:"issues"`
	Systemic  []models.OffenderRollup `json:"systemic"`
	Regressed []models.ScoreDelta     `json:"regressed,omitempty"`
}

type AIIssue struct {
	ID         string           `json:"id"`
	Severity   models.Severity  `json:"severity"`
	Category   models.Category  `json:"category"`
	OffenderN  int              `json:"offenderCount"`
	Difficulty string           `json:"fixDifficulty,omitempty"`
}

func BuildAIAnalysis(summary models.RunSummary) AIAnalysis {
	a := AIAnalysis{Status: summary.Meta.Status}
	for _, issue := range summary.AggregateIssues {
		ai := AIIssue{ID: issue.ID, Severity: issue.Severity, Category: issue.Category, OffenderN: len(issue.Offenders)}
		if issue.Fix != nil {
			ai.Difficulty = issue.Fix.Difficulty
		}
		a.Issues = append(a.Issues, ai)
	}
	for _, r := range summary.Offenders {
		if r.Systemic {
			a.Systemic = append(a.Systemic, r)
		}
	}
	if summary.Diff != nil {
		a.Regressed = summary.Diff.Regressions
	}
	return a
}

// AISummary is the most compact view: counts only, no offender detail.
type AISummary struct {
	Status        models.RunStatus        `json:"status"`
	IssueCounts   map[models.Severity]int `json:"issueCounts"`
	SystemicCount int                     `json:"systemicCount"`
	RegressCount  int                     `json:"regressionCount"`
}

func BuildAISummary(summary models.RunSummary) AISummary {
	s := AISummary{Status: summary.Meta.Status, IssueCounts: make(map[models.Severity]int)}
	for _, issue := range summary.AggregateIssues {
		s.IssueCounts[issue.Severity]++
	}
	for _, r := range summary.Offenders {
		if r.Systemic {
			s.SystemicCount++
		}
	}
	if summary.Diff != nil {
		s.RegressCount = len(summary.Diff.Regressions)
	}
	return s
}
