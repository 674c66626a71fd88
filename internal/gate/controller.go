// Package gate runs batches of support cases through the three admission
// gates: frustration signal, quick analysis criticality and timeline.
package gate

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/history"
	"github.com/hpungsan/casegate/internal/logger"
	"github.com/hpungsan/casegate/internal/scoring"
)

// Repository is the slice of the score store the controller needs.
type Repository interface {
	Get(ctx context.Context, caseID string) (*cases.ScoreRecord, error)
	Messages(ctx context.Context, caseID string, after int) ([]cases.Message, error)
	Timeline(ctx context.Context, caseID string) ([]cases.TimelineEntry, error)
	ListEligible(ctx context.Context, gate int) ([]*cases.ScoreRecord, error)
	Upsert(ctx context.Context, caseID string, d cases.Delta) (*cases.ScoreRecord, error)
}

// Controller evaluates batches with either strategy. It holds no per-batch
// state and is safe for concurrent use.
type Controller struct {
	cfg     *config.Config
	repo    Repository
	guard   *analysis.Guard
	engine  *scoring.Engine
	builder *history.Builder
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the clock used for batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. repo may be nil, in which case only the ranked
// strategy can run.
func New(cfg *config.Config, repo Repository, guard *analysis.Guard, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		repo:    repo,
		guard:   guard,
		engine:  scoring.New(cfg),
		builder: history.NewBuilder(cfg.History),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine returns the scoring engine shared by both strategies.
func (c *Controller) Engine() *scoring.Engine {
	return c.engine
}

// Run evaluates uploads with strategy ("" means the configured default).
//
// Per-case failures are reported in the summary and never abort the batch.
// When the batch timeout fires, outstanding cases are abandoned; writes
// already committed stand and the summary sets TimedOut.
func (c *Controller) Run(ctx context.Context, uploads []cases.Upload, strategy string) (*BatchSummary, error) {
	if strategy == "" {
		strategy = c.cfg.Batch.Strategy
	}
	switch strategy {
	case config.StrategyGated:
		if c.repo == nil {
			return nil, errors.NewInvalidConfig("batch.strategy", "gated strategy requires a repository")
		}
	case config.StrategyRanked:
	default:
		return nil, errors.NewInvalidConfig("batch.strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}

	runID := newRunID()
	summary := &BatchSummary{RunID: runID, StartedAt: c.now().UTC(), Strategy: strategy}

	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: runID, Component: "casegate.gate.controller"})
	sc := logger.StartSpan(ctx, "gate.batch")
	defer sc.End()
	sc.Span().SetAttributes(
		attribute.String("batch.run_id", runID),
		attribute.String("batch.strategy", strategy),
		attribute.Int("batch.uploads", len(uploads)),
	)
	ctx = sc.Context()

	if d := c.cfg.Batch.Timeout.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	slog.InfoContext(ctx, "batch started", "strategy", strategy, "uploads", len(uploads))

	t := &tally{}
	if strategy == config.StrategyRanked {
		c.runRanked(ctx, uploads, t)
	} else {
		c.runGated(ctx, uploads, t)
	}

	t.fill(summary)
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		summary.TimedOut = true
	}
	summary.FinishedAt = c.now().UTC()

	sc.Span().SetAttributes(
		attribute.Int("batch.processed", summary.Processed),
		attribute.Int("batch.evaluation_failed", summary.EvaluationFailed),
		attribute.Bool("batch.timed_out", summary.TimedOut),
	)
	slog.InfoContext(ctx, "batch finished",
		"processed", summary.Processed,
		"gate1_failed", summary.GateFailed.Gate1,
		"gate2_failed", summary.GateFailed.Gate2,
		"gate3_done", summary.Gate3Done,
		"evaluation_failed", summary.EvaluationFailed,
		"skipped_closed", summary.SkippedClosed,
		"skipped_conflict", summary.SkippedConflict,
		"rejected_input", summary.RejectedInput,
		"unchanged", summary.Unchanged,
		"timed_out", summary.TimedOut)
	return summary, nil
}

// forEach runs fn for every item with at most limit in flight. fn reports
// through the tally, so the group never fails.
func forEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T)) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, it := range items {
		g.Go(func() error {
			fn(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
}

// classify scores every message in msgs in place, fanning out up to the
// configured per-case limit. It returns the highest attempt count seen.
func (c *Controller) classify(ctx context.Context, cs cases.Case, msgs []cases.Message) (int, error) {
	var g errgroup.Group
	if n := c.cfg.Parallel.Messages; n > 0 {
		g.SetLimit(n)
	}

	attempts := make([]int, len(msgs))
	for i := range msgs {
		g.Go(func() error {
			m := &msgs[i]
			res, n, err := c.guard.Classify(ctx, analysis.ClassifyRequest{
				CaseID:   cs.ID,
				Sequence: m.Sequence,
				Text:     m.Text,
				Owner:    m.Owner,
				Severity: cs.Severity,
				Customer: cs.Customer,
			})
			attempts[i] = n
			if err != nil {
				return err
			}
			score := res.Frustration
			m.Frustration = &score
			return nil
		})
	}
	err := g.Wait()

	most := 0
	for _, n := range attempts {
		most = max(most, n)
	}
	return most, err
}

// gate1 passes on either frustration signal alone.
func (c *Controller) gate1(st cases.Stats) cases.GateStatus {
	if st.AvgFrustration >= c.cfg.Gate1.AvgThreshold || st.PeakFrustration >= c.cfg.Gate1.PeakThreshold {
		return cases.GatePassed
	}
	return cases.GateFailed
}

// gate2 compares base plus quick bonus against the threshold.
func (c *Controller) gate2(criticality float64) cases.GateStatus {
	if criticality >= c.cfg.Gate2.CriticalityThreshold {
		return cases.GatePassed
	}
	return cases.GateFailed
}

// summarize builds the stored executive summary, cut to the summary budget.
func (c *Controller) summarize(res analysis.TimelineResult) *cases.Summary {
	s := &cases.Summary{PainPoints: res.PainPoints, RecommendedAction: res.RecommendedAction}
	s.Executive, s.Truncated = truncateRunes(res.ExecutiveSummary, c.cfg.Budget.SummaryChars)
	return s
}

func truncateRunes(s string, budget int) (string, bool) {
	if budget <= 0 || cases.CountChars(s) <= budget {
		return s, false
	}
	r := []rune(s)
	return string(r[:budget]), true
}

func frustratedEntries(entries []cases.TimelineEntry) int {
	n := 0
	for _, e := range entries {
		if e.FrustrationDetected || e.Sentiment == cases.SentimentFrustrated {
			n++
		}
	}
	return n
}

func failureFrom(stage string, err error, attempts, watermark int) *cases.EvalFailure {
	return &cases.EvalFailure{
		Stage:    stage,
		Code:     string(errors.CodeOf(err)),
		Error:    err.Error(),
		Attempts: attempts,
		At:       watermark,
	}
}

func newRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
