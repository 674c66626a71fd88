package gate

import (
	"context"
	"sort"
	"sync"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/logger"
	"github.com/hpungsan/casegate/internal/scoring"
)

// rankedCase is one case held in memory for the ranked strategy.
type rankedCase struct {
	meta   cases.Case
	msgs   []cases.Message
	scores cases.Scores
	res    CaseResult
}

// runRanked classifies and scores every upload, sends the top K by
// criticality to quick analysis and the top M of those to timeline
// analysis. Nothing is read from or written to the repository.
func (c *Controller) runRanked(ctx context.Context, uploads []cases.Upload, t *tally) {
	seen := map[string]bool{}
	var valid []cases.Upload
	for _, up := range uploads {
		id := cases.NormalizeID(up.Case.ID)
		switch {
		case id == "":
			t.add(rejected(up.Case.ID, errors.NewInvalidRequest("case_id is required")))
		case seen[id]:
			t.add(rejected(id, errors.NewInvalidRequest("case appears more than once in the batch")))
		default:
			seen[id] = true
			up.Case.ID = id
			valid = append(valid, up)
		}
	}

	var mu sync.Mutex
	var pool []*rankedCase
	forEach(ctx, valid, c.cfg.Parallel.Cases, func(ctx context.Context, up cases.Upload) {
		ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: up.Case.ID})
		rc, res := c.scoreRanked(ctx, up)
		if rc == nil {
			t.add(res)
			return
		}
		mu.Lock()
		pool = append(pool, rc)
		mu.Unlock()
	})
	byCriticality(pool)

	topK := pool[:min(c.cfg.Ranked.TopK, len(pool))]
	forEach(ctx, topK, c.cfg.Parallel.Cases, func(ctx context.Context, rc *rankedCase) {
		ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: rc.meta.ID})
		c.quickRanked(ctx, rc)
	})

	var quicked []*rankedCase
	for _, rc := range topK {
		if rc.res.Outcome == OutcomeQuickDone {
			quicked = append(quicked, rc)
		}
	}
	byCriticality(quicked)

	topM := quicked[:min(c.cfg.Ranked.TopM, len(quicked))]
	forEach(ctx, topM, c.cfg.Parallel.Cases, func(ctx context.Context, rc *rankedCase) {
		ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: rc.meta.ID})
		c.timelineRanked(ctx, rc)
	})

	byCriticality(pool)
	for i, rc := range pool {
		rc.res.Rank = i + 1
		rc.res.Criticality = rc.scores.Criticality
		t.add(rc.res)
	}
}

func (c *Controller) scoreRanked(ctx context.Context, up cases.Upload) (*rankedCase, CaseResult) {
	res := CaseResult{CaseID: up.Case.ID}
	h, err := c.builder.Snapshot(up.Case.ID, up.Messages)
	if err != nil {
		return nil, c.settleRanked(ctx, res, err)
	}
	if len(h.New) == 0 {
		return nil, c.settleRanked(ctx, res, errors.NewInvalidRequest("case has no messages"))
	}
	res.NewMessages = len(h.New)

	if _, err := c.classify(ctx, up.Case, h.New); err != nil {
		return nil, c.settleRanked(ctx, res, err)
	}
	res.Outcome = OutcomeScored
	return &rankedCase{
		meta:   up.Case,
		msgs:   h.New,
		scores: c.engine.Score(scoring.Input{Case: up.Case, Messages: h.New}),
		res:    res,
	}, res
}

func (c *Controller) quickRanked(ctx context.Context, rc *rankedCase) {
	rendered := c.builder.Render(rc.msgs, c.cfg.Budget.QuickChars)
	q, _, err := c.guard.Quick(ctx, analysis.QuickRequest{
		Case:      rc.meta,
		Stats:     rc.scores.Stats,
		History:   rendered.Text,
		Truncated: rendered.Truncated,
	})
	if err != nil {
		rc.res = c.settleRanked(ctx, rc.res, err)
		return
	}
	q.Truncated = rendered.Truncated
	rc.scores = c.engine.Score(scoring.Input{Case: rc.meta, Messages: rc.msgs, Quick: &q})
	rc.res.Quick = &q
	rc.res.Outcome = OutcomeQuickDone
}

func (c *Controller) timelineRanked(ctx context.Context, rc *rankedCase) {
	rng := cases.Range{First: rc.msgs[0].Sequence, Last: rc.msgs[len(rc.msgs)-1].Sequence}
	rendered := c.builder.Render(rc.msgs, c.cfg.Budget.TimelineChars)
	res, _, err := c.guard.Timeline(ctx, analysis.TimelineRequest{
		Case:      rc.meta,
		Stats:     rc.scores.Stats,
		History:   rendered.Text,
		Range:     rng,
		Truncated: rendered.Truncated,
	})
	if err != nil {
		rc.res = c.settleRanked(ctx, rc.res, err)
		return
	}

	for i := range res.Entries {
		res.Entries[i].Index = i
	}
	rc.scores = c.engine.Score(scoring.Input{
		Case:              rc.meta,
		Messages:          rc.msgs,
		Quick:             rc.res.Quick,
		FrustratedEntries: frustratedEntries(res.Entries),
		TimelineEntries:   len(res.Entries),
	})
	rc.res.Timeline = res.Entries
	rc.res.Summary = c.summarize(res)
	rc.res.Outcome = OutcomeGate3Done
}

// settleRanked reports a failure without persisting anything.
func (c *Controller) settleRanked(ctx context.Context, res CaseResult, err error) CaseResult {
	res.Code = errors.CodeOf(err)
	res.Error = err.Error()
	switch {
	case ctx.Err() != nil:
		res.Outcome = OutcomeTimedOut
	case res.Code == errors.ErrInvalidRequest:
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeEvaluationFailed
	}
	return res
}

// byCriticality sorts most critical first, breaking ties by case ID.
func byCriticality(rcs []*rankedCase) {
	sort.SliceStable(rcs, func(i, j int) bool {
		if rcs[i].scores.Criticality != rcs[j].scores.Criticality {
			return rcs[i].scores.Criticality > rcs[j].scores.Criticality
		}
		return rcs[i].meta.ID < rcs[j].meta.ID
	})
}
