// Package analysistest provides a scripted analyzer for tests.
package analysistest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/cases"
)

// Fake implements analysis.BulkClassifier and analysis.DeepAnalyzer.
//
// Without a scripted func, Classify answers from Scores (0 when missing),
// Quick returns QuickResult and Timeline returns one neutral entry covering
// the requested range.
type Fake struct {
	Scores      map[string]map[int]int
	QuickResult cases.QuickResult

	ClassifyFunc func(ctx context.Context, req analysis.ClassifyRequest) (analysis.ClassifyResult, error)
	QuickFunc    func(ctx context.Context, req analysis.QuickRequest) (cases.QuickResult, error)
	TimelineFunc func(ctx context.Context, req analysis.TimelineRequest) (analysis.TimelineResult, error)

	mu               sync.Mutex
	classifyCalls    int
	quickCalls       int
	timelineCalls    int
	timelineRequests []analysis.TimelineRequest
}

// New returns a Fake that answers Classify from scores.
func New(scores map[string]map[int]int) *Fake {
	if scores == nil {
		scores = map[string]map[int]int{}
	}
	return &Fake{Scores: scores, QuickResult: cases.QuickResult{Priority: "Low"}}
}

// Score sets the classifier score for one message.
func (f *Fake) Score(caseID string, seq, score int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Scores == nil {
		f.Scores = map[string]map[int]int{}
	}
	if f.Scores[caseID] == nil {
		f.Scores[caseID] = map[int]int{}
	}
	f.Scores[caseID][seq] = score
}

func (f *Fake) Classify(ctx context.Context, req analysis.ClassifyRequest) (analysis.ClassifyResult, error) {
	f.mu.Lock()
	f.classifyCalls++
	fn := f.ClassifyFunc
	score := f.Scores[req.CaseID][req.Sequence]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return analysis.ClassifyResult{}, err
	}
	return analysis.ClassifyResult{Frustration: score, Reason: "scripted"}, nil
}

func (f *Fake) Quick(ctx context.Context, req analysis.QuickRequest) (cases.QuickResult, error) {
	f.mu.Lock()
	f.quickCalls++
	fn := f.QuickFunc
	res := f.QuickResult
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return cases.QuickResult{}, err
	}
	return res, nil
}

func (f *Fake) Timeline(ctx context.Context, req analysis.TimelineRequest) (analysis.TimelineResult, error) {
	f.mu.Lock()
	f.timelineCalls++
	f.timelineRequests = append(f.timelineRequests, req)
	fn := f.TimelineFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return analysis.TimelineResult{}, err
	}
	return analysis.TimelineResult{
		Entries: []cases.TimelineEntry{{
			Range:     req.Range,
			Summary:   fmt.Sprintf("messages %d-%d", req.Range.First, req.Range.Last),
			Sentiment: cases.SentimentNeutral,
		}},
		ExecutiveSummary: "Case " + req.Case.ID + " reviewed.",
	}, nil
}

// Calls returns the number of Classify, Quick and Timeline calls so far.
func (f *Fake) Calls() (classify, quick, timeline int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classifyCalls, f.quickCalls, f.timelineCalls
}

// TimelineRequests returns a copy of every Timeline request received.
func (f *Fake) TimelineRequests() []analysis.TimelineRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]analysis.TimelineRequest, len(f.timelineRequests))
	copy(out, f.timelineRequests)
	return out
}
