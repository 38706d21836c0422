// Package plugins implements the Plugin Registry & Scheduler: dependency
// ordering and per-target invocation of audit plugins. The
// topological-sort/capability-tagging shape is adapted from
// strategies/strategies.go's tagged capability-composition idiom; the
// scheduler's worker/queue shape is adapted from internal/pipeline's
// multi-stage worker pool, collapsed onto a single target queue since all
// plugins for a target share one browser page and must run sequentially.
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/signaler/engine/models"
)

// Capabilities declares what a plugin needs from the Execution Context
// (spec section 4.5 / 9). Tagged-record style, deliberately flat — no
// inheritance hierarchy.
type Capabilities struct {
	NeedsCoverage       bool
	NeedsNetwork        bool
	NeedsAxe            bool
	NeedsCoverageReload bool
}

// Plugin is the contract every audit plugin implements.
type Plugin interface {
	ID() string
	Version() string
	DependsOn() []string
	Capabilities() Capabilities
	Run(ctx context.Context, ec *models.ExecutionContext) models.PluginResult
}

// DefaultBudget is the per-plugin wall-clock budget (spec section 4.5).
const DefaultBudget = 30 * time.Second

// Registry holds registered plugins and computes a stable topological order.
type Registry struct {
	plugins map[string]Plugin
	order   []string // computed by Finalize; authoritative via Order()
	budgets map[string]time.Duration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin), budgets: make(map[string]time.Duration)}
}

// Register adds a plugin. It does not itself validate the graph — call
// Finalize once all plugins are registered so unknown-dependency and cycle
// errors are reported together.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.ID()] = p
}

// SetBudget overrides the wall-clock budget for a specific plugin id.
func (r *Registry) SetBudget(pluginID string, d time.Duration) {
	r.budgets[pluginID] = d
}

func (r *Registry) budgetFor(pluginID string) time.Duration {
	if d, ok := r.budgets[pluginID]; ok && d > 0 {
		return d
	}
	return DefaultBudget
}

// Finalize validates the dependency graph and computes a deterministic
// topological order (plugins are visited in lexical id order, so the result
// does not depend on registration order). Cyclic or dangling dependencies fail at startup per
// spec section 4.5.
func (r *Registry) Finalize() error {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	// deterministic base ordering by registration is not tracked explicitly
	// (map iteration is unordered); sort lexically for stability so repeated
	// Finalize calls over the same plugin set always agree.
	sortStrings(ids)

	for _, id := range ids {
		for _, dep := range r.plugins[id].DependsOn() {
			if _, ok := r.plugins[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", models.ErrUnknownPluginDep, id, dep)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(ids))
	var order []string
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: involves %s", models.ErrCyclicPlugins, id)
		}
		color[id] = gray
		deps := append([]string(nil), r.plugins[id].DependsOn()...)
		sortStrings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	r.order = order
	return nil
}

// Order returns the computed topological order. Call Finalize first.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// Get returns the registered plugin by id.
func (r *Registry) Get(id string) (Plugin, bool) {
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the set of registered plugin ids (unordered).
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
