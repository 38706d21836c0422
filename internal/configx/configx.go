// Package configx versions the slice of configuration that participates in
// target fingerprinting, adapted from the engine's layered configuration
// model: the same VersionedConfig/hash/diff-summary idiom, applied here to a
// flat relevant-fields snapshot instead of a layered merge tree.
package configx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot captures the subset of run configuration that, if changed,
// should invalidate cached results: the plugin set and the signals that
// alter how a page is measured.
type Snapshot struct {
	PluginIDs             []string `yaml:"pluginIds"`
	ThrottlingMethod       string  `yaml:"throttlingMethod"`
	CPUSlowdownMultiplier  int     `yaml:"cpuSlowdownMultiplier"`
}

// VersionedSnapshot records a committed configuration snapshot along with
// its content hash and a summary of what changed from its parent.
type VersionedSnapshot struct {
	Version     int64     `json:"version"`
	Snapshot    Snapshot  `json:"snapshot"`
	Hash        string    `json:"hash"`
	AppliedAt   time.Time `json:"appliedAt"`
	Parent      int64     `json:"parent"`
	DiffSummary string    `json:"diffSummary,omitempty"`
}

// Digest returns the relevantConfigHash: a sha256 hex digest of the
// snapshot's canonical YAML encoding.
func Digest(s Snapshot) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Commit builds the next VersionedSnapshot, computing its hash and a
// one-line diff summary against the parent (if any).
func Commit(s Snapshot, parent *VersionedSnapshot, at time.Time) (VersionedSnapshot, error) {
	hash, err := Digest(s)
	if err != nil {
		return VersionedSnapshot{}, err
	}
	vs := VersionedSnapshot{
		Version:   1,
		Snapshot:  s,
		Hash:      hash,
		AppliedAt: at,
	}
	if parent != nil {
		vs.Version = parent.Version + 1
		vs.Parent = parent.Version
		vs.DiffSummary = diffSummary(parent.Snapshot, s)
	}
	return vs, nil
}

func diffSummary(prev, next Snapshot) string {
	if prev.ThrottlingMethod != next.ThrottlingMethod {
		return fmt.Sprintf("throttlingMethod: %s -> %s", prev.ThrottlingMethod, next.ThrottlingMethod)
	}
	if prev.CPUSlowdownMultiplier != next.CPUSlowdownMultiplier {
		return fmt.Sprintf("cpuSlowdownMultiplier: %d -> %d", prev.CPUSlowdownMultiplier, next.CPUSlowdownMultiplier)
	}
	if len(prev.PluginIDs) != len(next.PluginIDs) {
		return fmt.Sprintf("pluginIds: %d -> %d plugins", len(prev.PluginIDs), len(next.PluginIDs))
	}
	return ""
}
