package analysis

import (
	"fmt"
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
)

const classifySystem = `You are analyzing customer support messages for frustration. Score the single message you are given on its own merits. Be precise and objective.

Scoring guide (0-10):
- 0: neutral or positive, thankful, satisfied
- 1-2: minor concern, patient inquiry, polite follow-up
- 3-4: some impatience, mild disappointment, timeline concerns
- 5-6: clear disappointment, repeated issues, patience wearing thin
- 7-8: visible frustration, executive involvement, escalation threats
- 9-10: extreme anger, trust broken, threats to leave, legal or contract mentions

A message mentioning executives or replacing the vendor scores 7 or more. Messages written by support staff usually score 0.`

const quickSystem = `You are assessing customer support cases for prioritization. Identify patterns and relationship risk efficiently and use objective, factual language. If the customer mentions executives, replacement or impatience, frustration_frequency is at least 20 and priority is High or Critical.`

const timelineSystem = `You are an enterprise customer experience analyst. Build a chronological timeline of the support case from the messages you are given and summarize relationship health for executive review.

Each message is tagged [CUSTOMER], [SUPPORT] or [UNKNOWN]. "(Nd delay - SUPPORT responsible)" means support took N days to answer the customer. "(Nd delay - CUSTOMER not responding)" means the customer took N days to answer support; do not penalize support for it.

Group routine messages in small batches of 2 to 8. Give escalations, outages, executive mentions, failed fixes and frustration spikes their own single-message entry. Entries must be in order, must not overlap, and together must cover every message in the requested range and nothing outside it. Base every statement on the messages; quotes must be verbatim.`

func classifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s\n", req.CaseID)
	fmt.Fprintf(&b, "Customer: %s\n", orUnknown(req.Customer))
	fmt.Fprintf(&b, "Severity: %s\n", orUnknown(req.Severity))
	fmt.Fprintf(&b, "Author side: %s\n\n", req.Owner)
	fmt.Fprintf(&b, "Message #%d:\n%s\n", req.Sequence, req.Text)
	return b.String()
}

func quickPrompt(req QuickRequest) string {
	var b strings.Builder
	writeOverview(&b, req.Case, req.Stats)
	if req.Truncated {
		b.WriteString("\nOnly the most recent messages fit; older messages were omitted.\n")
	}
	b.WriteString("\nMESSAGE HISTORY (chronological):\n")
	b.WriteString(req.History)
	b.WriteString("\n\nReport the frustration frequency, relationship damage frequency, customer priority, issue class, resolution outlook and a short justification.\n")
	return b.String()
}

func timelinePrompt(req TimelineRequest) string {
	var b strings.Builder
	writeOverview(&b, req.Case, req.Stats)

	if len(req.Existing) > 0 {
		b.WriteString("\nEXISTING TIMELINE (already final, do not repeat):\n")
		for _, e := range req.Existing {
			fmt.Fprintf(&b, "- [%d-%d] %s (%s): %s\n", e.Range.First, e.Range.Last, e.Label, e.Sentiment, e.Summary)
		}
	}

	fmt.Fprintf(&b, "\nCreate timeline entries covering messages %d through %d.\n", req.Range.First, req.Range.Last)
	if req.Truncated {
		b.WriteString("Older messages in the range were omitted to fit; fold them into the first entry.\n")
	}
	b.WriteString("\nMESSAGES:\n")
	b.WriteString(req.History)
	b.WriteString("\n\nThen give an executive summary of the whole case, the customer's pain points and one recommended next action.\n")
	return b.String()
}

func writeOverview(b *strings.Builder, c cases.Case, st cases.Stats) {
	b.WriteString("CASE OVERVIEW:\n")
	fmt.Fprintf(b, "Case: %s\n", c.ID)
	fmt.Fprintf(b, "Customer: %s\n", orUnknown(c.Customer))
	fmt.Fprintf(b, "Support Level: %s\n", orUnknown(c.SupportTier))
	fmt.Fprintf(b, "Severity: %s\n", orUnknown(c.Severity))
	fmt.Fprintf(b, "Duration: %d days\n", st.AgeDays)
	fmt.Fprintf(b, "Messages: %d\n", st.MessageCount)
	fmt.Fprintf(b, "Average frustration: %.1f/10, peak %d/10\n", st.AvgFrustration, st.PeakFrustration)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
