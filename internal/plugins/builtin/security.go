package builtin

import (
	"context"
	"fmt"

	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/models"
)

// requiredHeaders is the known-good set checked against navigation response
// headers, grounded in the teacher's threshold-policy idiom
// (internal/telemetry/policy): a flat allow-list rather than a rules engine.
var requiredHeaders = []string{
	"Content-Security-Policy",
	"X-Content-Type-Options",
	"Strict-Transport-Security",
	"X-Frame-Options",
}

// SecurityHeaders flags missing hardening headers on the navigation response.
type SecurityHeaders struct{}

func (SecurityHeaders) ID() string                        { return "security-headers" }
func (SecurityHeaders) Version() string                   { return "1.0.0" }
func (SecurityHeaders) DependsOn() []string                { return nil }
func (SecurityHeaders) Capabilities() plugins.Capabilities { return plugins.Capabilities{NeedsNetwork: true} }

func (SecurityHeaders) Run(ctx context.Context, ec *models.ExecutionContext) models.PluginResult {
	var missing []string
	for _, h := range requiredHeaders {
		if ec.NavigationResult.Headers.Get(h) == "" {
			missing = append(missing, h)
		}
	}

	var issues []models.Issue
	for _, h := range missing {
		issues = append(issues, models.Issue{
			ID:          "missing-header-" + h,
			Severity:    models.SeverityMedium,
			Category:    models.CategorySecurity,
			Title:       fmt.Sprintf("Missing %s header", h),
			Description: fmt.Sprintf("The response for %s did not include the %s header.", ec.Target.Path, h),
			Offenders:   Offenders(ec.Target.Path),
		})
	}

	return models.PluginResult{
		Status:    models.PluginOK,
		Metrics:   map[string]any{"missingHeaderCount": len(missing)},
		Issues:    issues,
		Cacheable: true,
	}
}
