// Package fingerprint computes the stable cache key for a Target.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/signaler/engine/models"
)

// ingredients is the deterministically-ordered tuple hashed into a
// fingerprint. Field order is fixed by struct declaration, but runnerVersions
// and pluginSet are sorted independently since callers may supply them in any
// order — the invariant is that equal sets produce equal fingerprints
// regardless of input ordering.
type ingredients struct {
	BuildID           string   `json:"buildId"`
	Path              string   `json:"path"`
	Device            string   `json:"device"`
	RunnerVersions    []string `json:"runnerVersions"`
	PluginSet         []string `json:"pluginSet"`
	RelevantConfigHash string  `json:"relevantConfigHash"`
}

// Compute derives the deterministic fingerprint for a target. runnerVersions
// is a map of runner name to version (e.g. {"chrome":"120.0"}); pluginSet is
// the list of plugin ids active for the run. relevantConfigHash is the already
// normalized/hashed relevant-configuration digest (see internal/configx).
//
// Changing any ingredient changes the resulting fingerprint (spec section
// 4.1); callers relying on that invariant should exercise
// TestFingerprintDeterminism-style property tests.
func Compute(target models.Target, buildID string, runnerVersions map[string]string, pluginSet []string, relevantConfigHash string) models.Fingerprint {
	versions := make([]string, 0, len(runnerVersions))
	for name, ver := range runnerVersions {
		versions = append(versions, name+"="+ver)
	}
	sort.Strings(versions)

	plugins := append([]string(nil), pluginSet...)
	sort.Strings(plugins)

	in := ingredients{
		BuildID:            buildID,
		Path:               target.Path,
		Device:             string(target.Device),
		RunnerVersions:     versions,
		PluginSet:          plugins,
		RelevantConfigHash: relevantConfigHash,
	}

	// encoding/json on a struct with fixed field order and pre-sorted slices
	// is already deterministic; no map values are serialized here.
	buf, err := json.Marshal(in)
	if err != nil {
		// Marshal of this struct of strings and string slices is not
		// expected to fail; should it, fall back to hashing the path, device
		// and build id joined by "|" so Compute never panics.
		buf = []byte(target.Path + "|" + string(target.Device) + "|" + buildID)
	}

	sum := sha256.Sum256(buf)
	return models.Fingerprint(hex.EncodeToString(sum[:]))
}

// Expand turns a configured page list into the stable-ordered Target slice
// per spec section 4.1: input order preserved, mobile before desktop within
// a page's device list.
func Expand(pages []PageConfig) []models.Target {
	var out []models.Target
	for _, p := range pages {
		devices := orderDevices(p.Devices)
		for _, d := range devices {
			scope := p.Scope
			if scope == "" {
				scope = models.ScopePublic
			}
			out = append(out, models.Target{
				Path:   p.Path,
				Label:  p.Label,
				Device: d,
				Scope:  scope,
			})
		}
	}
	return out
}

// PageConfig mirrors the `pages` configuration key (spec section 6).
type PageConfig struct {
	Path    string
	Label   string
	Devices []models.Device
	Scope   models.Scope
}

func orderDevices(in []models.Device) []models.Device {
	hasMobile, hasDesktop := false, false
	for _, d := range in {
		switch d {
		case models.DeviceMobile:
			hasMobile = true
		case models.DeviceDesktop:
			hasDesktop = true
		}
	}
	var out []models.Device
	if hasMobile {
		out = append(out, models.DeviceMobile)
	}
	if hasDesktop {
		out = append(out, models.DeviceDesktop)
	}
	return out
}
