package configx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIsStableForIdenticalSnapshots(t *testing.T) {
	s := Snapshot{PluginIDs: []string{"seo-basics", "security-headers"}, ThrottlingMethod: "simulate", CPUSlowdownMultiplier: 4}

	d1, err := Digest(s)
	require.NoError(t, err)
	d2, err := Digest(s)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}

func TestDigestChangesWhenPluginSetChanges(t *testing.T) {
	base := Snapshot{PluginIDs: []string{"seo-basics"}, ThrottlingMethod: "simulate", CPUSlowdownMultiplier: 4}
	changed := base
	changed.PluginIDs = []string{"seo-basics", "security-headers"}

	d1, err := Digest(base)
	require.NoError(t, err)
	d2, err := Digest(changed)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestCommitRecordsParentAndDiffSummary(t *testing.T) {
	first, err := Commit(Snapshot{ThrottlingMethod: "simulate"}, nil, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(0), first.Parent)

	second, err := Commit(Snapshot{ThrottlingMethod: "devtools"}, &first, time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, int64(1), second.Parent)
	assert.Contains(t, second.DiffSummary, "throttlingMethod")
}
