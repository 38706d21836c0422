package artifacts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/signaler/engine/internal/aggregator"
	"github.com/signaler/engine/models"
)

// RenderTriage builds triage.md: failing targets first, then the
// top-N issues per category, rendered as an HTML evidence table converted
// to Markdown the same way page content is converted elsewhere in the
// pipeline.
func RenderTriage(summary models.RunSummary, topN int) string {
	var b strings.Builder
	b.WriteString("# Triage\n\n")

	failing := failingTargets(summary.Targets)
	if len(failing) > 0 {
		b.WriteString("## Failing targets\n\n")
		for _, ref := range failing {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
		b.WriteString("\n")
	}

	views := aggregator.TriageView(summary, topN)
	categories := make([]string, 0, len(views))
	for cat := range views {
		categories = append(categories, string(cat))
	}
	sort.Strings(categories)

	for _, cat := range categories {
		issues := views[models.Category(cat)]
		if len(issues) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", cat)
		md, err := issuesToMarkdown(issues)
		if err != nil {
			continue
		}
		b.WriteString(md)
		b.WriteString("\n")
	}

	return b.String()
}

func failingTargets(targets []models.TargetResult) []string {
	var refs []string
	for _, tr := range targets {
		for _, res := range tr.Plugins {
			if res.Status == models.PluginFailed {
				refs = append(refs, tr.Target.Ref())
				break
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// issuesToMarkdown assembles an HTML table of issues/offenders via goquery
// and converts it to Markdown, matching the conversion pipeline used
// elsewhere for page content rather than hand-formatting Markdown directly.
func issuesToMarkdown(issues []models.Issue) (string, error) {
	var html strings.Builder
	html.WriteString("<table><thead><tr><th>Severity</th><th>Title</th><th>Offenders</th><th>Fix</th></tr></thead><tbody>")
	for _, issue := range issues {
		offenders := make([]string, 0, len(issue.Offenders))
		for _, o := range issue.Offenders {
			offenders = append(offenders, o.URL)
		}
		fix := ""
		if issue.Fix != nil {
			fix = issue.Fix.Example
		}
		fmt.Fprintf(&html, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			escapeHTML(string(issue.Severity)), escapeHTML(issue.Title), escapeHTML(strings.Join(offenders, ", ")), escapeHTML(fix))
	}
	html.WriteString("</tbody></table>")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html.String()))
	if err != nil {
		return "", err
	}
	normalized, err := doc.Find("table").First().Html()
	if err != nil {
		return "", err
	}

	conv := converter.NewConverter(converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	))
	md, err := conv.ConvertString("<table>" + normalized + "</table>")
	if err != nil {
		return "", fmt.Errorf("triage markdown conversion: %w", err)
	}
	return md, nil
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
