// Package artifacts persists a RunSummary and its derived views to the
// output directory. Adapted from the engine's composite sink: multiple
// named writes are attempted independently so one failure (e.g. a full
// disk mid-write) does not prevent the others from landing.
package artifacts

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/signaler/engine/internal/aggregator"
	"github.com/signaler/engine/models"
)

type Config struct {
	OutputDir string
	Gzip      bool
	TriageTopN int
}

func (c Config) Normalize() Config {
	if c.OutputDir == "" {
		c.OutputDir = ".signaler"
	}
	if c.TriageTopN <= 0 {
		c.TriageTopN = 10
	}
	return c
}

// Writer persists RunSummary artifacts to disk, tolerating partial failure
// across independent named writes.
type Writer struct {
	cfg Config
	mu  sync.Mutex
}

func New(cfg Config) *Writer {
	return &Writer{cfg: cfg.Normalize()}
}

// WriteAll persists every artifact named in the core output contract,
// returning one ArtifactWriteResult per attempted file. A write failure on
// one artifact never prevents the others from being attempted.
func (w *Writer) WriteAll(summary models.RunSummary) []models.ArtifactWriteResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return []models.ArtifactWriteResult{{Name: "summary.json", Success: false, Error: err.Error()}}
	}

	var results []models.ArtifactWriteResult
	results = append(results, w.writeJSON("summary.json", summary, false))
	results = append(results, w.writeJSON("summary-lite.json", aggregator.BuildSummaryLite(summary), true))
	results = append(results, w.writeJSON("issues.json", issuesDocument{
		Issues:    summary.AggregateIssues,
		Offenders: summary.Offenders,
	}, false))
	results = append(results, w.writeJSON("ai-analysis.json", aggregator.BuildAIAnalysis(summary), true))
	results = append(results, w.writeJSON("ai-summary.json", aggregator.BuildAISummary(summary), true))
	if summary.Diff != nil {
		results = append(results, w.writeJSON("diff.json", summary.Diff, false))
	}
	results = append(results, w.writeMarkdown("triage.md", RenderTriage(summary, w.cfg.TriageTopN)))

	return results
}

type cacheIndexDocument struct {
	Fingerprints []models.Fingerprint `json:"fingerprints"`
}

// WriteCacheIndex persists cache.json, the manifest of fingerprints the
// incremental cache currently holds on disk, named explicitly as an output
// artifact independent of the cache's own spill/checkpoint bookkeeping.
func (w *Writer) WriteCacheIndex(fingerprints []models.Fingerprint) models.ArtifactWriteResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	sort.Slice(fingerprints, func(i, j int) bool { return fingerprints[i] < fingerprints[j] })
	return w.writeJSON("cache.json", cacheIndexDocument{Fingerprints: fingerprints}, true)
}

type issuesDocument struct {
	Issues    []models.Issue            `json:"issues"`
	Offenders []models.OffenderRollup   `json:"offenders"`
}

func (w *Writer) writeJSON(name string, v any, optional bool) models.ArtifactWriteResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.ArtifactWriteResult{Name: name, Optional: optional, Success: false, Error: err.Error()}
	}
	return w.writeBytes(name, data, optional)
}

func (w *Writer) writeMarkdown(name string, content string) models.ArtifactWriteResult {
	return w.writeBytes(name, []byte(content), true)
}

// writeBytes writes content atomically (temp file + rename) and optionally
// gzip-compresses it, appending a .gz suffix when so configured.
func (w *Writer) writeBytes(name string, data []byte, optional bool) models.ArtifactWriteResult {
	target := name
	if w.cfg.Gzip {
		target = name + ".gz"
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return models.ArtifactWriteResult{Name: name, Optional: optional, Success: false, Error: err.Error()}
		}
		if err := gz.Close(); err != nil {
			return models.ArtifactWriteResult{Name: name, Optional: optional, Success: false, Error: err.Error()}
		}
		data = buf.Bytes()
	}

	path := filepath.Join(w.cfg.OutputDir, target)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return models.ArtifactWriteResult{Name: name, Path: path, Optional: optional, Success: false, Error: err.Error()}
	}
	if err := os.Rename(tmp, path); err != nil {
		return models.ArtifactWriteResult{Name: name, Path: path, Optional: optional, Success: false, Error: err.Error()}
	}
	return models.ArtifactWriteResult{Name: name, Path: path, Optional: optional, Success: true}
}

// LoadPreviousSummary reads summary.json from the output directory if one
// exists from before the current run began, used to seed the diff.
func LoadPreviousSummary(outputDir string) (*models.RunSummary, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, "summary.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read previous summary: %w", err)
	}
	var summary models.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode previous summary: %w", err)
	}
	return &summary, nil
}
