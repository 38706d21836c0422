// Package aggregator reduces heterogeneous plugin outputs into the canonical
// RunSummary: normalized scores, rolled-up offenders, systemic-pattern
// detection, and a diff against a previous run. Adapted from the engine's
// document assembler, whose hierarchy/cross-reference/duplicate-detection
// passes become score rollups, offender coalescing, and pattern detection
// over audit results instead of crawled pages.
package aggregator

import (
	"net/url"
	"sort"
	"strings"

	"github.com/signaler/engine/models"
)

// RegressionPolicy governs how a score delta is classified as a regression
// or improvement. The repository's own source is ambiguous about whether
// this threshold is absolute or relative; this module fixes it as absolute
// points, configurable, defaulting to 3.
type RegressionPolicy struct {
	ThresholdPoints int
}

func (p RegressionPolicy) Normalize() RegressionPolicy {
	if p.ThresholdPoints <= 0 {
		p.ThresholdPoints = 3
	}
	return p
}

func DefaultRegressionPolicy() RegressionPolicy {
	return RegressionPolicy{ThresholdPoints: 3}
}

// SystemicThreshold is the minimum number of distinct targets an identical
// offender must appear on before it is classified as systemic rather than
// page-specific.
const SystemicThreshold = 3

// Aggregate reduces per-target results into a RunSummary, optionally
// diffing against a previous run's summary.
func Aggregate(meta models.RunMeta, targets []models.TargetResult, previous *models.RunSummary, policy RegressionPolicy) models.RunSummary {
	policy = policy.Normalize()

	summary := models.RunSummary{
		Meta:    meta,
		Targets: targets,
	}

	summary.AggregateIssues = rollupIssues(targets)
	summary.Offenders = rollupOffenders(targets)

	if previous != nil {
		diff := computeDiff(previous.Targets, targets, policy)
		summary.Diff = &diff
	}

	return summary
}

// rollupIssues flattens per-plugin issues across targets into one aggregate
// list, deduplicated by issue ID.
func rollupIssues(targets []models.TargetResult) []models.Issue {
	byID := make(map[string]models.Issue)
	var order []string
	for _, tr := range targets {
		for _, pluginID := range sortedPluginIDs(tr.Plugins) {
			res := tr.Plugins[pluginID]
			for _, issue := range res.Issues {
				existing, ok := byID[issue.ID]
				if !ok {
					byID[issue.ID] = issue
					order = append(order, issue.ID)
					continue
				}
				existing.Offenders = append(existing.Offenders, issue.Offenders...)
				byID[issue.ID] = existing
			}
		}
	}
	sort.Strings(order)
	out := make([]models.Issue, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// rollupOffenders coalesces identical offenders (same normalized URL plus
// category) across targets, marking ones hit on SystemicThreshold or more
// distinct targets as systemic.
func rollupOffenders(targets []models.TargetResult) []models.OffenderRollup {
	type acc struct {
		hits            []models.OffenderHit
		seenTargets     map[string]bool
		cumulativeMs    int64
		cumulativeBytes int64
	}
	byKey := make(map[string]*acc)
	var order []string

	for _, tr := range targets {
		targetRef := tr.Target.Ref()
		for _, pluginID := range sortedPluginIDs(tr.Plugins) {
			res := tr.Plugins[pluginID]
			for i, issue := range res.Issues {
				for j, off := range issue.Offenders {
					if off.URL == "" {
						continue
					}
					key := normalizeURL(off.URL) + "|" + string(issue.Category)
					a, ok := byKey[key]
					if !ok {
						a = &acc{seenTargets: make(map[string]bool)}
						byKey[key] = a
						order = append(order, key)
					}
					a.hits = append(a.hits, models.OffenderHit{
						TargetRef:   targetRef,
						EvidenceRef: evidenceRef(pluginID, issue.ID, i, j),
					})
					a.seenTargets[targetRef] = true
					if off.ImpactMs != nil {
						a.cumulativeMs += *off.ImpactMs
					}
					if off.ImpactBytes != nil {
						a.cumulativeBytes += *off.ImpactBytes
					}
				}
			}
		}
	}

	sort.Strings(order)
	out := make([]models.OffenderRollup, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		out = append(out, models.OffenderRollup{
			Key:             key,
			Hits:            a.hits,
			CumulativeMs:    a.cumulativeMs,
			CumulativeBytes: a.cumulativeBytes,
			Systemic:        len(a.seenTargets) >= SystemicThreshold,
		})
	}
	return out
}

func evidenceRef(pluginID, issueID string, issueIdx, offenderIdx int) string {
	return pluginID + "/" + issueID
}

// normalizeURL canonicalizes an offender URL for coalescing: the scheme and
// host are lowercased, the fragment is dropped, and cosmetic/tracking query
// parameters that don't affect the resource identity are stripped. Strings
// that fail to parse as a URL pass through unchanged, so a malformed
// offender URL still coalesces with itself across targets rather than being
// silently dropped.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		q.Del("theme")
		for key := range q {
			if strings.HasPrefix(key, "utm_") {
				q.Del(key)
			}
		}
		if len(q) == 0 {
			u.RawQuery = ""
		} else {
			u.RawQuery = q.Encode()
		}
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

func sortedPluginIDs(m map[string]models.PluginResult) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// scoreKey identifies a (path, device, category) triple for diffing.
type scoreKey struct {
	targetRef string
	category  models.Category
}

func scoreMap(targets []models.TargetResult) map[scoreKey]int {
	out := make(map[scoreKey]int)
	for _, tr := range targets {
		ref := tr.Target.Ref()
		for cat, score := range tr.Scores {
			if score == nil {
				continue
			}
			out[scoreKey{targetRef: ref, category: cat}] = *score
		}
	}
	return out
}

// computeDiff compares per-target, per-category scores between two runs.
// Missing pairs surface as added/removed; deltas beyond the policy
// threshold classify as regressions or improvements.
func computeDiff(prev, curr []models.TargetResult, policy RegressionPolicy) models.DiffReport {
	prevScores := scoreMap(prev)
	currScores := scoreMap(curr)

	var report models.DiffReport
	keys := make(map[scoreKey]bool)
	for k := range prevScores {
		keys[k] = true
	}
	for k := range currScores {
		keys[k] = true
	}

	sorted := make([]scoreKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].targetRef != sorted[j].targetRef {
			return sorted[i].targetRef < sorted[j].targetRef
		}
		return sorted[i].category < sorted[j].category
	})

	for _, k := range sorted {
		p, inPrev := prevScores[k]
		c, inCurr := currScores[k]
		switch {
		case inPrev && !inCurr:
			report.Removed = append(report.Removed, k.targetRef)
		case !inPrev && inCurr:
			report.Added = append(report.Added, k.targetRef)
		case inPrev && inCurr:
			delta := c - p
			sd := models.ScoreDelta{TargetRef: k.targetRef, Category: k.category, Delta: delta}
			report.ScoreDeltas = append(report.ScoreDeltas, sd)
			switch {
			case delta < 0 && -delta > policy.ThresholdPoints:
				report.Regressions = append(report.Regressions, sd)
			case delta > 0 && delta > policy.ThresholdPoints:
				report.Improvements = append(report.Improvements, sd)
			}
		}
	}
	return report
}

// NormalizeCategoryScores clamps every target's category scores into
// [0,100], per the canonicalization invariant; nil scores (non-applicable
// categories) pass through unchanged.
func NormalizeCategoryScores(targets []models.TargetResult) {
	for i := range targets {
		for cat, score := range targets[i].Scores {
			if score == nil {
				continue
			}
			v := *score
			if v < 0 {
				v = 0
			}
			if v > 100 {
				v = 100
			}
			targets[i].Scores[cat] = &v
		}
	}
}
