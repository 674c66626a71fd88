package gate

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/history"
	"github.com/hpungsan/casegate/internal/logger"
	"github.com/hpungsan/casegate/internal/scoring"
)

// stageError is an analysis failure that must be persisted as an
// evaluation-failed marker.
type stageError struct {
	stage     string
	attempts  int
	watermark int
	err       error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.stage, e.attempts, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}

func (c *Controller) runGated(ctx context.Context, uploads []cases.Upload, t *tally) {
	seen := map[string]bool{}
	var jobs []cases.Upload
	for _, up := range uploads {
		id := cases.NormalizeID(up.Case.ID)
		if id == "" {
			t.add(rejected(up.Case.ID, errors.NewInvalidRequest("case_id is required")))
			continue
		}
		if seen[id] {
			t.add(rejected(id, errors.NewInvalidRequest("case appears more than once in the batch")))
			continue
		}
		seen[id] = true
		up.Case.ID = id
		jobs = append(jobs, up)
	}

	// Cases still due for gate 2 or 3, typically after an adapter failure
	// in an earlier batch, are swept in without new material.
	for _, gate := range []int{2, 3} {
		recs, err := c.repo.ListEligible(ctx, gate)
		if err != nil {
			slog.ErrorContext(ctx, "list eligible cases", "gate", gate, "error", err)
			continue
		}
		for _, r := range recs {
			if seen[r.Case.ID] {
				continue
			}
			seen[r.Case.ID] = true
			jobs = append(jobs, cases.Upload{Case: cases.Case{ID: r.Case.ID}})
		}
	}

	forEach(ctx, jobs, c.cfg.Parallel.Cases, func(ctx context.Context, up cases.Upload) {
		t.add(c.evaluate(ctx, up))
	})
}

// evaluate takes one case as far through the gates as its state allows.
func (c *Controller) evaluate(ctx context.Context, up cases.Upload) CaseResult {
	id := up.Case.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: id})
	sc := logger.StartSpan(ctx, "gate.case")
	defer sc.End()
	sc.Span().SetAttributes(attribute.String("case.id", id))
	ctx = sc.Context()

	res := CaseResult{CaseID: id}
	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeTimedOut
		return res
	}

	cur, err := c.repo.Get(ctx, id)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		cur = nil
	case err != nil:
		return c.settle(ctx, res, up.Case, err)
	}
	if cur != nil && cur.Closed() {
		res.State = cur.State
		res.Criticality = cur.Criticality
		return c.settle(ctx, res, up.Case, errors.NewCaseClosed(id))
	}

	watermark := 0
	var stored []cases.Message
	if cur != nil {
		watermark = cur.Watermark
		if stored, err = c.repo.Messages(ctx, id, 0); err != nil {
			return c.settle(ctx, res, up.Case, err)
		}
	}

	h, err := c.builder.Build(id, stored, up.Messages, watermark)
	if err != nil {
		return c.settle(ctx, res, up.Case, err)
	}
	res.NewMessages = len(h.New)
	sc.Span().SetAttributes(attribute.Int("case.new_messages", len(h.New)))

	rec := cur
	worked := false
	if len(h.New) > 0 {
		if rec, err = c.admit(ctx, up.Case, cur, h); err != nil {
			return c.settle(ctx, res, up.Case, err)
		}
		worked = true
	}
	if rec == nil {
		res.Outcome = OutcomeUnchanged
		return res
	}

	if rec.EligibleFor(2) {
		if rec, err = c.quick(ctx, rec, h.All); err != nil {
			return c.settle(ctx, res, up.Case, err)
		}
		worked = true
	}
	if rec.EligibleFor(3) {
		if rec, err = c.timeline(ctx, rec, h.All); err != nil {
			return c.settle(ctx, res, up.Case, err)
		}
		worked = true
	}

	res.State = rec.State
	res.Criticality = rec.Criticality
	switch {
	case !worked:
		res.Outcome = OutcomeUnchanged
	case rec.Gate1 == cases.GateFailed:
		res.Outcome = OutcomeGate1Failed
	case rec.Gate2 == cases.GateFailed:
		res.Outcome = OutcomeGate2Failed
	default:
		res.Outcome = OutcomeGate3Done
	}
	slog.DebugContext(ctx, "case evaluated",
		"outcome", res.Outcome,
		"state", rec.State,
		"criticality", rec.Criticality,
		"new_messages", res.NewMessages)
	return res
}

// admit classifies the new messages, rescores the case and records the
// gate 1 verdict together with the messages.
func (c *Controller) admit(ctx context.Context, meta cases.Case, cur *cases.ScoreRecord, h *history.History) (*cases.ScoreRecord, error) {
	base := 0
	merged := meta
	if cur != nil {
		base = cur.Watermark
		merged = cur.Case.Merge(meta)
	}

	attempts, err := c.classify(ctx, merged, h.New)
	if err != nil {
		return nil, &stageError{stage: cases.StageClassify, attempts: attempts, watermark: base, err: err}
	}
	// h.All holds its own copies of the new messages.
	stored := len(h.All) - len(h.New)
	h.All = append(h.All[:stored:stored], h.New...)

	scores := c.engine.Score(scoring.Input{Case: merged, Messages: h.All})
	verdict := c.gate1(scores.Stats)
	return c.repo.Upsert(ctx, merged.ID, cases.Delta{
		Case:          &meta,
		BaseWatermark: base,
		Messages:      h.New,
		Scores:        &scores,
		Gate1:         &verdict,
	})
}

// quick runs quick analysis and records the gate 2 verdict. The result is
// cached on the record whether or not the gate passes.
func (c *Controller) quick(ctx context.Context, rec *cases.ScoreRecord, all []cases.Message) (*cases.ScoreRecord, error) {
	rendered := c.builder.Render(all, c.cfg.Budget.QuickChars)
	q, attempts, err := c.guard.Quick(ctx, analysis.QuickRequest{
		Case:      rec.Case,
		Stats:     rec.Stats,
		History:   rendered.Text,
		Truncated: rendered.Truncated,
	})
	if err != nil {
		return nil, &stageError{stage: cases.StageQuick, attempts: attempts, watermark: rec.Watermark, err: err}
	}
	q.Truncated = rendered.Truncated

	scores := c.engine.Score(scoring.Input{Case: rec.Case, Messages: all, Quick: &q})
	return c.repo.Upsert(ctx, rec.Case.ID, cases.Delta{
		BaseWatermark: rec.Watermark,
		Scores:        &scores,
		Quick: &cases.QuickVerdict{
			Status:      c.gate2(scores.Criticality),
			Result:      q,
			EvaluatedAt: rec.Watermark,
		},
	})
}

// timeline creates the timeline on first pass and afterwards appends
// entries for the messages past the last covered one.
func (c *Controller) timeline(ctx context.Context, rec *cases.ScoreRecord, all []cases.Message) (*cases.ScoreRecord, error) {
	existing, err := c.repo.Timeline(ctx, rec.Case.ID)
	if err != nil {
		return nil, err
	}

	rng := cases.Range{First: rec.TimelineThrough + 1, Last: rec.Watermark}
	var span []cases.Message
	for _, m := range all {
		if rng.Contains(m.Sequence) {
			span = append(span, m)
		}
	}
	rendered := c.builder.Render(span, c.cfg.Budget.TimelineChars)

	res, attempts, err := c.guard.Timeline(ctx, analysis.TimelineRequest{
		Case:      rec.Case,
		Stats:     rec.Stats,
		Existing:  existing,
		History:   rendered.Text,
		Range:     rng,
		Truncated: rendered.Truncated,
	})
	if err != nil {
		return nil, &stageError{stage: cases.StageTimeline, attempts: attempts, watermark: rec.Watermark, err: err}
	}

	total := append(existing[:len(existing):len(existing)], res.Entries...)
	scores := c.engine.Score(scoring.Input{
		Case:              rec.Case,
		Messages:          all,
		Quick:             rec.Quick,
		FrustratedEntries: frustratedEntries(total),
		TimelineEntries:   len(total),
	})
	return c.repo.Upsert(ctx, rec.Case.ID, cases.Delta{
		BaseWatermark: rec.Watermark,
		Scores:        &scores,
		Timeline: &cases.TimelineVerdict{
			Entries:     res.Entries,
			Summary:     c.summarize(res),
			EvaluatedAt: rec.Watermark,
		},
	})
}

// settle turns a per-case error into a result. Analysis failures are
// persisted as a marker so the case is retried by a later batch.
func (c *Controller) settle(ctx context.Context, res CaseResult, meta cases.Case, err error) CaseResult {
	res.Code = errors.CodeOf(err)
	res.Error = err.Error()

	if ctx.Err() != nil {
		res.Outcome = OutcomeTimedOut
		slog.WarnContext(ctx, "case abandoned by batch timeout", "error", err)
		return res
	}

	var se *stageError
	if stderrors.As(err, &se) {
		res.Outcome = OutcomeEvaluationFailed
		slog.WarnContext(ctx, "case evaluation failed",
			"stage", se.stage,
			"attempts", se.attempts,
			"error", se.err)

		meta.ID = res.CaseID
		rec, perr := c.repo.Upsert(ctx, res.CaseID, cases.Delta{
			Case:          &meta,
			BaseWatermark: se.watermark,
			Failure:       failureFrom(se.stage, se.err, se.attempts, se.watermark),
		})
		if perr != nil {
			slog.ErrorContext(ctx, "persist evaluation failure", "error", perr)
			return res
		}
		res.State = rec.State
		return res
	}

	switch res.Code {
	case errors.ErrCaseClosed:
		res.Outcome = OutcomeSkippedClosed
		slog.InfoContext(ctx, "closed case skipped")
	case errors.ErrWatermarkConflict, errors.ErrTimelineOverlap:
		res.Outcome = OutcomeSkippedConflict
		slog.WarnContext(ctx, "case skipped on conflict", "error", err)
	case errors.ErrInvalidRequest:
		res.Outcome = OutcomeRejected
		slog.WarnContext(ctx, "case input rejected", "error", err)
	default:
		res.Outcome = OutcomeEvaluationFailed
		slog.ErrorContext(ctx, "case evaluation error", "error", err)
	}
	return res
}

func rejected(caseID string, err *errors.CaseError) CaseResult {
	return CaseResult{CaseID: caseID, Outcome: OutcomeRejected, Code: err.Code, Error: err.Error()}
}
