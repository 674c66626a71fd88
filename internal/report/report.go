// Package report renders case and batch reports as Markdown, and Markdown
// as standalone HTML pages.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/scoring"
)

// Case renders the full report of one case.
func Case(rec *cases.ScoreRecord, timeline []cases.TimelineEntry) string {
	var b strings.Builder
	c := rec.Case

	fmt.Fprintf(&b, "# Case %s\n\n", c.ID)
	b.WriteString("| Field | Value |\n|---|---|\n")
	row(&b, "Customer", orDash(c.Customer))
	row(&b, "Severity", orDash(c.Severity))
	row(&b, "Support tier", orDash(c.SupportTier))
	row(&b, "Issue class", orDash(firstNonEmpty(c.IssueClass, quickField(rec, func(q *cases.QuickResult) string { return q.IssueClass }))))
	row(&b, "Resolution outlook", orDash(firstNonEmpty(c.ResolutionOutlook, quickField(rec, func(q *cases.QuickResult) string { return q.ResolutionOutlook }))))
	row(&b, "Status", string(c.Status))
	row(&b, "State", string(rec.State))
	row(&b, "Messages", fmt.Sprintf("%d (watermark %d)", rec.Stats.MessageCount, rec.Watermark))
	row(&b, "Age", fmt.Sprintf("%d days", rec.Stats.AgeDays))
	if rec.UpdatedAt > 0 {
		row(&b, "Updated", formatTime(rec.UpdatedAt))
	}

	b.WriteString("\n## Scores\n\n")
	fmt.Fprintf(&b, "- **Criticality:** %.1f\n", rec.Criticality)
	fmt.Fprintf(&b, "- **Health:** %.1f (%s)\n", rec.Health, orDash(rec.Bucket))
	fmt.Fprintf(&b, "- **Frustration:** average %.2f, peak %d, %d frustrated message(s)\n",
		rec.Stats.AvgFrustration, rec.Stats.PeakFrustration, rec.Stats.FrustratedCount)
	fmt.Fprintf(&b, "- **Trend:** %s (recent %.2f vs historical %.2f)\n", rec.Trend.Direction, rec.Trend.Recent, rec.Trend.Historical)
	if rec.NeedsReview {
		b.WriteString("- **Needs review:** message ownership could not be determined\n")
	}

	comp := rec.Components
	b.WriteString("\n| Component | Points |\n|---|---:|\n")
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"Frustration", comp.Frustration},
		{"Severity", comp.Severity},
		{"Issue class", comp.IssueClass},
		{"Resolution", comp.Resolution},
		{"Support tier", comp.SupportTier},
		{"Volume", comp.Volume},
		{"Age", comp.Age},
		{"Engagement", comp.Engagement},
		{"Quick bonus", comp.QuickBonus},
		{"Timeline bonus", comp.TimelineBonus},
	} {
		fmt.Fprintf(&b, "| %s | %.2f |\n", p.name, p.v)
	}

	b.WriteString("\n## Gates\n\n")
	fmt.Fprintf(&b, "1. Frustration signal: **%s**\n", rec.Gate1)
	fmt.Fprintf(&b, "2. Quick analysis: **%s**", rec.Gate2)
	if rec.Gate2At > 0 {
		fmt.Fprintf(&b, " at message %d", rec.Gate2At)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "3. Timeline: **%s**", rec.Gate3)
	if rec.Gate3At > 0 {
		fmt.Fprintf(&b, " at message %d", rec.Gate3At)
	}
	b.WriteString("\n")

	if f := rec.Failure; f != nil {
		fmt.Fprintf(&b, "\n> **Evaluation failed** at stage `%s` after %d attempt(s): %s (%s)\n", f.Stage, f.Attempts, escape(f.Error), f.Code)
	}

	if q := rec.Quick; q != nil {
		b.WriteString("\n## Quick analysis\n\n")
		fmt.Fprintf(&b, "- **Priority:** %s\n", orDash(q.Priority))
		fmt.Fprintf(&b, "- **Frustration frequency:** %.0f%%\n", q.FrustrationFrequency)
		fmt.Fprintf(&b, "- **Relationship damage frequency:** %.0f%%\n", q.DamageFrequency)
		if q.Truncated {
			b.WriteString("- Only the most recent messages were analyzed.\n")
		}
		if q.Summary != "" {
			fmt.Fprintf(&b, "\n%s\n", escape(q.Summary))
		}
	}

	if s := rec.Summary; s != nil {
		b.WriteString("\n## Executive summary\n\n")
		b.WriteString(escape(s.Executive))
		if s.Truncated {
			b.WriteString(" …")
		}
		b.WriteString("\n")
		if len(s.PainPoints) > 0 {
			b.WriteString("\n**Pain points**\n\n")
			for _, p := range s.PainPoints {
				fmt.Fprintf(&b, "- %s\n", escape(p))
			}
		}
		if s.RecommendedAction != "" {
			fmt.Fprintf(&b, "\n**Recommended action:** %s\n", escape(s.RecommendedAction))
		}
	}

	if len(timeline) > 0 {
		b.WriteString("\n## Timeline\n\n")
		b.WriteString("| # | Messages | Label | Sentiment | Summary |\n|---:|---|---|---|---|\n")
		for _, e := range timeline {
			sentiment := e.Sentiment
			if e.FrustrationDetected && sentiment != cases.SentimentFrustrated {
				sentiment += " (frustration)"
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
				e.Index+1, rangeText(e.Range), cell(e.Label), sentiment, cell(e.Summary))
		}
	}
	return b.String()
}

// Batch renders a batch summary.
func Batch(s *gate.BatchSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Batch %s\n\n", s.RunID)
	fmt.Fprintf(&b, "Strategy **%s**, started %s, took %s.", s.Strategy,
		s.StartedAt.UTC().Format("2006-01-02 15:04:05"), s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if s.TimedOut {
		b.WriteString(" **The batch timed out**; committed results stand.")
	}
	b.WriteString("\n\n| Count | Cases |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Processed | %d |\n", s.Processed)
	fmt.Fprintf(&b, "| Gate 1 failed | %d |\n", s.GateFailed.Gate1)
	fmt.Fprintf(&b, "| Gate 2 failed | %d |\n", s.GateFailed.Gate2)
	fmt.Fprintf(&b, "| Timeline done | %d |\n", s.Gate3Done)
	fmt.Fprintf(&b, "| Evaluation failed | %d |\n", s.EvaluationFailed)
	fmt.Fprintf(&b, "| Skipped (closed) | %d |\n", s.SkippedClosed)
	fmt.Fprintf(&b, "| Skipped (conflict) | %d |\n", s.SkippedConflict)
	fmt.Fprintf(&b, "| Rejected input | %d |\n", s.RejectedInput)
	fmt.Fprintf(&b, "| Unchanged | %d |\n", s.Unchanged)

	if len(s.Cases) > 0 {
		b.WriteString("\n## Cases\n\n| Case | Outcome | State | Criticality | New messages | Error |\n|---|---|---|---:|---:|---|\n")
		for _, c := range s.Cases {
			fmt.Fprintf(&b, "| %s | %s | %s | %.1f | %d | %s |\n",
				cell(c.CaseID), c.Outcome, orDash(string(c.State)), c.Criticality, c.NewMessages, cell(c.Error))
		}
	}
	return b.String()
}

// Accounts renders account health, worst first.
func Accounts(accounts []scoring.AccountHealth) string {
	var b strings.Builder
	b.WriteString("# Account health\n\n")
	if len(accounts) == 0 {
		b.WriteString("No open cases.\n")
		return b.String()
	}
	b.WriteString("| Customer | Cases | Score | Bucket |\n|---|---:|---:|---|\n")
	for _, a := range accounts {
		fmt.Fprintf(&b, "| %s | %d | %.1f | %s |\n", cell(orDash(a.Customer)), a.Cases, a.Score, a.Bucket)
	}

	var notes []string
	for _, a := range accounts {
		if a.CatastrophicWeight > 0 {
			notes = append(notes, fmt.Sprintf("- %s: %d catastrophic case(s), override weight %.2f", orDash(a.Customer), a.CatastrophicCases, a.CatastrophicWeight))
		}
		if a.Cluster.Penalty > 0 {
			notes = append(notes, fmt.Sprintf("- %s: %s, base %.1f reduced by %.0f%%", orDash(a.Customer), a.Cluster.Note, a.BaseScore, a.Cluster.Penalty*100))
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n" + strings.Join(notes, "\n") + "\n")
	}
	return b.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; color: #1f2328; }
table { border-collapse: collapse; margin: 1rem 0; }
th, td { border: 1px solid #d0d7de; padding: 0.3rem 0.6rem; vertical-align: top; }
blockquote { border-left: 4px solid #cf222e; margin: 1rem 0; padding: 0.2rem 1rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML converts Markdown into a standalone page.
func HTML(title, markdown string) (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())}) //nolint:gosec // goldmark escapes raw HTML by default
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return out.String(), nil
}

func row(b *strings.Builder, k, v string) {
	fmt.Fprintf(b, "| %s | %s |\n", k, cell(v))
}

func rangeText(r cases.Range) string {
	if r.First == r.Last {
		return fmt.Sprintf("%d", r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// cell makes s safe inside a table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(escape(s), "|", `\|`)
}

// escape neutralizes HTML in model or user supplied text.
func escape(s string) string {
	return template.HTMLEscapeString(s)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func quickField(rec *cases.ScoreRecord, f func(*cases.QuickResult) string) string {
	if rec.Quick == nil {
		return ""
	}
	return f(rec.Quick)
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}
