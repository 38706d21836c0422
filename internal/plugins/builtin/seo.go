// Package builtin provides a small set of reference plugins
// (seo-basics, security-headers, console-errors) exercising the plugin
// contract end to end without requiring a live Lighthouse/axe-core
// integration, which remains an external collaborator per the core spec.
package builtin

import (
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/signaler/engine/internal/plugins"
	"github.com/signaler/engine/models"
)

// SEOBasics checks for a non-empty <title> and at least one heading,
// grounded on the lightweight tokenizer walk used for title/heading
// extraction elsewhere in the teacher's processor package.
type SEOBasics struct{}

func (SEOBasics) ID() string                        { return "seo-basics" }
func (SEOBasics) Version() string                   { return "1.0.0" }
func (SEOBasics) DependsOn() []string                { return nil }
func (SEOBasics) Capabilities() plugins.Capabilities { return plugins.Capabilities{} }

func (SEOBasics) Run(ctx context.Context, ec *models.ExecutionContext) models.PluginResult {
	body, _ := ec.SharedGet("navigation", "body")
	bodyStr, _ := body.(string)

	title, headingCount := walkTitleAndHeadings(bodyStr)

	var issues []models.Issue
	if title == "" {
		issues = append(issues, models.Issue{
			ID:          "seo-missing-title",
			Severity:    models.SeverityHigh,
			Category:    models.CategorySEO,
			Title:       "Missing page title",
			Description: "The page does not declare a <title> element.",
			Offenders:   Offenders(ec.Target.Path),
		})
	}
	if headingCount == 0 {
		issues = append(issues, models.Issue{
			ID:          "seo-missing-headings",
			Severity:    models.SeverityMedium,
			Category:    models.CategorySEO,
			Title:       "No heading elements found",
			Description: "The page has no <h1>/<h2> elements for screen readers and crawlers to anchor on.",
			Offenders:   Offenders(ec.Target.Path),
		})
	}

	ec.SharedSet("seo-basics", "title", title)

	return models.PluginResult{
		Status:    models.PluginOK,
		Metrics:   map[string]any{"headingCount": headingCount, "titleLength": len(title)},
		Issues:    issues,
		Cacheable: true,
	}
}

// Offenders is a tiny helper to avoid repeating the single-offender literal
// for this plugin's page-level findings.
func Offenders(path string) []models.Offender {
	return []models.Offender{{URL: path, Detail: "page"}}
}

func walkTitleAndHeadings(body string) (title string, headings int) {
	if body == "" {
		return "", 0
	}
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken {
			continue
		}
		tok := z.Token()
		switch tok.Data {
		case "title":
			if title == "" && z.Next() == html.TextToken {
				title = strings.TrimSpace(z.Token().Data)
			}
		case "h1", "h2":
			headings++
		}
	}
	return title, headings
}
