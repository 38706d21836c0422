package plugins

import (
	"context"
	"fmt"

	"github.com/signaler/engine/models"
)

// Scheduler runs a target's plugins, in the registry's topological order,
// sequentially against one ExecutionContext — plugins for a target share a
// single browser page and therefore never run concurrently with each other
// (spec section 4.5 / section 5). Independent (non-dependent) plugins still
// proceed if an earlier one fails; only transitive dependents are skipped.
type Scheduler struct {
	registry *Registry
	// Reload, when set, performs the coverage reload; RunTarget calls it
	// once before plugin execution when any active plugin declares
	// NeedsCoverageReload (open question (a): "reload once before plugin
	// execution").
	Reload func(ctx context.Context, ec *models.ExecutionContext) error
}

// NewScheduler builds a Scheduler bound to a finalized Registry.
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// RunTarget executes every registered plugin against ec in topological
// order, returning each plugin's PluginResult keyed by plugin id.
func (s *Scheduler) RunTarget(ctx context.Context, ec *models.ExecutionContext) map[string]models.PluginResult {
	order := s.registry.Order()
	results := make(map[string]models.PluginResult, len(order))
	failed := make(map[string]bool)

	if s.needsReload(order) && s.Reload != nil {
		if err := s.Reload(ctx, ec); err != nil {
			// A failed reload does not itself fail the target; plugins
			// requiring coverage will simply see empty coverage data and can
			// report degraded results themselves.
			_ = err
		}
	}

	for _, id := range order {
		p, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		if dep, skip := s.blockedBy(p, failed); skip {
			results[id] = models.PluginResult{
				PluginID: id,
				Status:   models.PluginSkipped,
				Error: &models.PluginError{
					Kind:    models.ErrKindPlugin,
					Message: fmt.Sprintf("skipped: dependency %q failed", dep),
				},
			}
			failed[id] = true
			continue
		}

		select {
		case <-ctx.Done():
			results[id] = models.PluginResult{
				PluginID: id,
				Status:   models.PluginFailed,
				Error:    &models.PluginError{Kind: models.ErrKindCancelled, Message: ctx.Err().Error()},
			}
			failed[id] = true
			continue
		default:
		}

		results[id] = s.runOne(ctx, p, ec)
		if results[id].Status == models.PluginFailed {
			failed[id] = true
		}
	}

	return results
}

func (s *Scheduler) needsReload(order []string) bool {
	for _, id := range order {
		if p, ok := s.registry.Get(id); ok && p.Capabilities().NeedsCoverageReload {
			return true
		}
	}
	return false
}

// blockedBy reports whether p has any transitive dependency recorded as
// failed, and if so which one (for the explanatory skip message).
func (s *Scheduler) blockedBy(p Plugin, failed map[string]bool) (string, bool) {
	for _, dep := range p.DependsOn() {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

func (s *Scheduler) runOne(ctx context.Context, p Plugin, ec *models.ExecutionContext) models.PluginResult {
	budget := s.registry.budgetFor(p.ID())
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan models.PluginResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.PluginResult{
					PluginID: p.ID(),
					Status:   models.PluginFailed,
					Error:    &models.PluginError{Kind: models.ErrKindPlugin, Message: fmt.Sprintf("panic: %v", r)},
				}
			}
		}()
		done <- p.Run(runCtx, ec)
	}()

	select {
	case res := <-done:
		res.PluginID = p.ID()
		return res
	case <-runCtx.Done():
		return models.PluginResult{
			PluginID: p.ID(),
			Status:   models.PluginFailed,
			Error:    &models.PluginError{Kind: models.ErrKindTimeout, Message: fmt.Sprintf("exceeded budget %s", budget)},
		}
	}
}

