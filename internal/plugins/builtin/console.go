package builtin

import (
	"context"

	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/models"
)

// ConsoleErrors maps captured runtime exceptions into Issues, one per
// distinct message so identical errors across targets share one issue id and
// coalesce naturally in the aggregator's issue rollup.
type ConsoleErrors struct{}

func (ConsoleErrors) ID() string                        { return "console-errors" }
func (ConsoleErrors) Version() string                   { return "1.0.0" }
func (ConsoleErrors) DependsOn() []string                { return nil }
func (ConsoleErrors) Capabilities() plugins.Capabilities { return plugins.Capabilities{} }

func (ConsoleErrors) Run(ctx context.Context, ec *models.ExecutionContext) models.PluginResult {
	seen := make(map[string]bool)
	var issues []models.Issue
	for _, msg := range ec.ConsoleLog {
		if !msg.IsError || seen[msg.Text] {
			continue
		}
		seen[msg.Text] = true
		issues = append(issues, models.Issue{
			ID:          "console-error-" + msg.Text,
			Severity:    models.SeverityHigh,
			Category:    models.CategoryRuntimeErrors,
			Title:       "Uncaught runtime error",
			Description: msg.Text,
			Offenders:   Offenders(ec.Target.Path),
		})
	}

	return models.PluginResult{
		Status:    models.PluginOK,
		Metrics:   map[string]any{"errorCount": len(issues)},
		Issues:    issues,
		Cacheable: true,
	}
}
