package engine

import (
	"fmt"

	"github.com/signaler/engine/models"
)

// BudgetViolation describes one budget breach surfaced by EvaluateBudgets
// (spec §6): a category score below its configured minimum, or a core
// metric above its configured maximum, on at least one target.
type BudgetViolation struct {
	TargetRef string
	Kind      string // "category" or "metric"
	Name      string
	Got       float64
	Limit     float64
}

func (v BudgetViolation) String() string {
	if v.Kind == "category" {
		return fmt.Sprintf("%s: category %q score %.0f below minimum %.0f", v.TargetRef, v.Name, v.Got, v.Limit)
	}
	return fmt.Sprintf("%s: metric %q %.1f exceeds maximum %.1f", v.TargetRef, v.Name, v.Got, v.Limit)
}

// EvaluateBudgets checks every target in summary against cfg.Budgets,
// returning every violation found (not just the first), so a CI caller can
// report the full set at once rather than failing one at a time.
func (c Config) EvaluateBudgets(summary models.RunSummary) []BudgetViolation {
	var violations []BudgetViolation
	for _, tr := range summary.Targets {
		ref := tr.Target.Ref()
		for cat, min := range c.Budgets.Categories {
			score, ok := tr.Scores[cat]
			if !ok || score == nil {
				continue
			}
			if *score < min {
				violations = append(violations, BudgetViolation{TargetRef: ref, Kind: "category", Name: string(cat), Got: float64(*score), Limit: float64(min)})
			}
		}
		for metric, max := range c.Budgets.Metrics {
			val, ok := metricValue(tr.CoreMetrics, metric)
			if !ok {
				continue
			}
			if val > max {
				violations = append(violations, BudgetViolation{TargetRef: ref, Kind: "metric", Name: metric, Got: val, Limit: max})
			}
		}
	}
	return violations
}

func metricValue(cm models.CoreMetrics, name string) (float64, bool) {
	switch name {
	case "lcpMs":
		if cm.LCPMs != nil {
			return *cm.LCPMs, true
		}
	case "fcpMs":
		if cm.FCPMs != nil {
			return *cm.FCPMs, true
		}
	case "tbtMs":
		if cm.TBTMs != nil {
			return *cm.TBTMs, true
		}
	case "cls":
		if cm.CLS != nil {
			return *cm.CLS, true
		}
	case "inpMs":
		if cm.INPMs != nil {
			return *cm.INPMs, true
		}
	}
	return 0, false
}
