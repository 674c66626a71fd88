// Package analysis defines the bulk classifier and deep analyzer contracts,
// validates their output, and wraps calls with rate limiting and retry.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
)

// ClassifyRequest asks for the frustration score of one message.
type ClassifyRequest struct {
	CaseID   string
	Sequence int
	Text     string
	Owner    cases.Owner
	Severity string
	Customer string
}

// ClassifyResult is the bulk classifier's verdict, 0-10.
type ClassifyResult struct {
	Frustration int
	Reason      string
}

// BulkClassifier scores single messages. It is cheap and called once per
// new message.
type BulkClassifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
}

// QuickRequest carries a case and its rendered history for quick analysis.
type QuickRequest struct {
	Case      cases.Case
	Stats     cases.Stats
	History   string
	Truncated bool
}

// TimelineRequest asks for timeline entries covering Range. Existing holds
// the entries already on the case; History covers only Range on append.
type TimelineRequest struct {
	Case      cases.Case
	Stats     cases.Stats
	Existing  []cases.TimelineEntry
	History   string
	Range     cases.Range
	Truncated bool
}

// TimelineResult is the deep analyzer's timeline output.
type TimelineResult struct {
	Entries           []cases.TimelineEntry
	ExecutiveSummary  string
	PainPoints        []string
	RecommendedAction string
}

// DeepAnalyzer is the expensive per-case analysis engine.
type DeepAnalyzer interface {
	Quick(ctx context.Context, req QuickRequest) (cases.QuickResult, error)
	Timeline(ctx context.Context, req TimelineRequest) (TimelineResult, error)
}

// ClampClassify bounds the score to 0-10.
func ClampClassify(r ClassifyResult) ClassifyResult {
	switch {
	case r.Frustration < 0:
		r.Frustration = 0
	case r.Frustration > 10:
		r.Frustration = 10
	}
	return r
}

var priorities = []string{"Critical", "High", "Medium", "Low"}

// ClampQuick bounds frequencies to 0-100 and canonicalizes priority and tier
// labels. Unknown priorities become Low.
func ClampQuick(q cases.QuickResult) cases.QuickResult {
	q.FrustrationFrequency = clampPct(q.FrustrationFrequency)
	q.DamageFrequency = clampPct(q.DamageFrequency)
	q.Priority = canonical(q.Priority, priorities, "Low")
	q.IssueClass = canonical(q.IssueClass, []string{"Systemic", "Environmental", "Component", "Procedural"}, "")
	q.ResolutionOutlook = canonical(q.ResolutionOutlook, []string{"Challenging", "Manageable", "Straightforward"}, "")
	return q
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func canonical(v string, allowed []string, fallback string) string {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	return fallback
}

var sentiments = []string{
	cases.SentimentPositive, cases.SentimentNeutral, cases.SentimentNegative, cases.SentimentFrustrated,
}

// NormalizeEntries turns raw timeline entries into a contiguous,
// non-overlapping cover of rng in sequence order.
//
// Entries reaching outside rng are a permanent failure, as is an empty
// result. Overlaps are trimmed in favour of the earlier entry, gaps are
// absorbed by the preceding entry, and the first and last entries are
// stretched to rng's ends.
func NormalizeEntries(entries []cases.TimelineEntry, rng cases.Range) ([]cases.TimelineEntry, error) {
	if rng.Empty() {
		return nil, errors.NewAdapterPermanent(cases.StageTimeline, fmt.Errorf("empty range"))
	}
	if len(entries) == 0 {
		return nil, errors.NewAdapterPermanent(cases.StageTimeline, fmt.Errorf("no timeline entries for messages %d-%d", rng.First, rng.Last))
	}

	sorted := make([]cases.TimelineEntry, len(entries))
	copy(sorted, entries)
	for i, e := range sorted {
		if e.Range.Empty() || e.Range.First < rng.First || e.Range.Last > rng.Last {
			return nil, errors.NewAdapterPermanent(cases.StageTimeline,
				fmt.Errorf("entry %d covers %d-%d outside requested %d-%d", i, e.Range.First, e.Range.Last, rng.First, rng.Last))
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Range.First < sorted[j].Range.First })

	out := make([]cases.TimelineEntry, 0, len(sorted))
	next := rng.First
	for _, e := range sorted {
		if e.Range.Last < next {
			continue
		}
		if len(out) == 0 || e.Range.First < next {
			e.Range.First = next
		} else if e.Range.First > next {
			out[len(out)-1].Range.Last = e.Range.First - 1
		}
		e.Sentiment = canonical(e.Sentiment, sentiments, cases.SentimentNeutral)
		e.Label = strings.TrimSpace(e.Label)
		e.Summary = strings.TrimSpace(e.Summary)
		if e.Sentiment == cases.SentimentFrustrated {
			e.FrustrationDetected = true
		}
		out = append(out, e)
		next = e.Range.Last + 1
	}
	out[len(out)-1].Range.Last = rng.Last
	for i := range out {
		if out[i].Label == "" {
			out[i].Label = rangeLabel(out[i].Range)
		}
	}
	return out, nil
}

func rangeLabel(r cases.Range) string {
	if r.First == r.Last {
		return fmt.Sprintf("Message %d", r.First)
	}
	return fmt.Sprintf("Messages %d-%d", r.First, r.Last)
}
