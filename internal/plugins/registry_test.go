package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signaler/engine/models"
)

type stubPlugin struct {
	id        string
	dependsOn []string
	caps      Capabilities
	run       func(ctx context.Context, ec *models.ExecutionContext) models.PluginResult
}

func (p *stubPlugin) ID() string              { return p.id }
func (p *stubPlugin) Version() string         { return "1.0.0" }
func (p *stubPlugin) DependsOn() []string     { return p.dependsOn }
func (p *stubPlugin) Capabilities() Capabilities { return p.caps }
func (p *stubPlugin) Run(ctx context.Context, ec *models.ExecutionContext) models.PluginResult {
	if p.run != nil {
		return p.run(ctx, ec)
	}
	return models.PluginResult{PluginID: p.id, Status: models.PluginOK}
}

func TestFinalizeOrdersDependenciesBeforeDependents(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPlugin{id: "p2", dependsOn: []string{"p1"}})
	r.Register(&stubPlugin{id: "p1"})
	r.Register(&stubPlugin{id: "p3", dependsOn: []string{"p2"}})

	require.NoError(t, r.Finalize())
	order := r.Order()

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["p1"], pos["p2"])
	assert.Less(t, pos["p2"], pos["p3"])
}

func TestFinalizeDetectsCycle(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPlugin{id: "a", dependsOn: []string{"b"}})
	r.Register(&stubPlugin{id: "b", dependsOn: []string{"a"}})

	err := r.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCyclicPlugins)
}

func TestFinalizeDetectsUnknownDependency(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPlugin{id: "a", dependsOn: []string{"ghost"}})

	err := r.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownPluginDep)
}
