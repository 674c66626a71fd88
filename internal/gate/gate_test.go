package gate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/analysis/analysistest"
	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/store"
)

const day = int64(86400)

type harness struct {
	cfg  *config.Config
	repo *store.Repository
	fake *analysistest.Fake
	ctl  *Controller
}

func setup(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}
	repo := store.New(database)
	fake := analysistest.New(nil)
	guard := analysis.NewGuard(fake, fake, config.RateConfig{}, analysis.Policy{
		MaxAttempts: 2,
		Initial:     time.Millisecond,
		Max:         time.Millisecond,
		Multiplier:  1,
	})
	return &harness{cfg: cfg, repo: repo, fake: fake, ctl: New(cfg, repo, guard)}
}

// upload builds a case with alternating customer and support messages
// and scripts the classifier with scores.
func (h *harness) upload(c cases.Case, scores ...int) cases.Upload {
	up := cases.Upload{Case: c}
	for i, s := range scores {
		seq := i + 1
		sender := "Customer Alice"
		if i%2 == 1 {
			sender = "Support Engineer"
		}
		up.Messages = append(up.Messages, cases.RawMessage{
			Sequence:  seq,
			Sender:    sender,
			Text:      fmt.Sprintf("message %d", seq),
			Timestamp: 10*day + int64(seq),
		})
		h.fake.Score(cases.NormalizeID(c.ID), seq, s)
	}
	return up
}

func (h *harness) run(t *testing.T, uploads ...cases.Upload) *BatchSummary {
	t.Helper()
	s, err := h.ctl.Run(context.Background(), uploads, config.StrategyGated)
	require.NoError(t, err)
	return s
}

func (h *harness) get(t *testing.T, id string) *cases.ScoreRecord {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, rec.GatesMonotonic(), "gates out of order: %+v", rec)
	return rec
}

func only(t *testing.T, s *BatchSummary) CaseResult {
	t.Helper()
	require.Len(t, s.Cases, 1)
	return s.Cases[0]
}

func TestGated_LowFrustrationStopsAtGate1(t *testing.T) {
	h := setup(t)

	s := h.run(t, h.upload(cases.Case{ID: "A-1", Customer: "acme"}, 2, 2, 2, 0, 4))
	require.Equal(t, OutcomeGate1Failed, only(t, s).Outcome)
	require.Equal(t, 1, s.GateFailed.Gate1)
	require.Equal(t, 1, s.Processed)

	classify, quick, timeline := h.fake.Calls()
	require.Equal(t, 5, classify)
	require.Zero(t, quick)
	require.Zero(t, timeline)

	rec := h.get(t, "a-1")
	require.Equal(t, cases.GateFailed, rec.Gate1)
	require.Equal(t, cases.StateGate1Failed, rec.State)
	require.Equal(t, 5, rec.Stats.MessageCount)
	require.Equal(t, 2.0, rec.Stats.AvgFrustration)
	require.Equal(t, 4, rec.Stats.PeakFrustration)
	require.Nil(t, rec.Quick)
}

func TestGated_PeakAloneOpensGate1(t *testing.T) {
	h := setup(t)

	s := h.run(t, h.upload(cases.Case{ID: "B-1"}, 7, 0, 0, 0, 0, 0, 0))
	require.Equal(t, OutcomeGate2Failed, only(t, s).Outcome)

	rec := h.get(t, "b-1")
	require.Equal(t, 1.0, rec.Stats.AvgFrustration)
	require.Equal(t, cases.GatePassed, rec.Gate1)

	_, quick, _ := h.fake.Calls()
	require.Equal(t, 1, quick)
}

func TestGated_Gate2FailureIsCachedAcrossRuns(t *testing.T) {
	h := setup(t)
	h.fake.QuickResult = cases.QuickResult{FrustrationFrequency: 50, DamageFrequency: 40, Priority: "High"}
	up := h.upload(cases.Case{ID: "C-1", Severity: "S4"}, 5, 5, 5, 5)

	s := h.run(t, up)
	require.Equal(t, OutcomeGate2Failed, only(t, s).Outcome)
	require.Equal(t, 155.0, only(t, s).Criticality)

	first := h.get(t, "c-1")
	require.Equal(t, 75.0, first.Components.Base())
	require.Equal(t, 155.0, first.Criticality)
	require.Equal(t, cases.GateFailed, first.Gate2)
	require.NotNil(t, first.Quick)

	s = h.run(t, up)
	res := only(t, s)
	require.Equal(t, OutcomeUnchanged, res.Outcome)
	require.Equal(t, 155.0, res.Criticality)
	require.Equal(t, 1, s.Unchanged)

	_, quick, _ := h.fake.Calls()
	require.Equal(t, 1, quick, "no new adapter call without new messages")
	if diff := cmp.Diff(first, h.get(t, "c-1")); diff != "" {
		t.Errorf("record changed on rerun (-first +second):\n%s", diff)
	}
}

func criticalCase(id string) cases.Case {
	return cases.Case{
		ID:                id,
		Customer:          "globex",
		Severity:          "S1",
		SupportTier:       "Gold",
		IssueClass:        "Systemic",
		ResolutionOutlook: "Challenging",
	}
}

func TestGated_TimelineAppendsOnlyNewRange(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	s := h.run(t, h.upload(criticalCase("D-1"), 9, 9, 9, 9))
	require.Equal(t, OutcomeGate3Done, only(t, s).Outcome)
	require.GreaterOrEqual(t, only(t, s).Criticality, 175.0)

	before, err := h.repo.Timeline(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, before, 1)
	require.Equal(t, cases.Range{First: 1, Last: 4}, before[0].Range)

	// The second upload repeats the first four messages and adds three.
	s = h.run(t, h.upload(criticalCase("D-1"), 9, 9, 9, 9, 9, 9, 9))
	require.Equal(t, OutcomeGate3Done, only(t, s).Outcome)
	require.Equal(t, 3, only(t, s).NewMessages)

	after, err := h.repo.Timeline(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	if diff := cmp.Diff(before[0], after[0]); diff != "" {
		t.Errorf("prior entry changed (-before +after):\n%s", diff)
	}
	require.Equal(t, cases.Range{First: 5, Last: 7}, after[1].Range)
	require.Equal(t, 1, after[1].Index)

	reqs := h.fake.TimelineRequests()
	require.Len(t, reqs, 2)
	require.Equal(t, cases.Range{First: 5, Last: 7}, reqs[1].Range)
	require.Len(t, reqs[1].Existing, 1)
	require.NotContains(t, reqs[1].History, "message 4")
	require.Contains(t, reqs[1].History, "message 7")

	rec := h.get(t, "d-1")
	require.Equal(t, cases.StateGate3Done, rec.State)
	require.Equal(t, 7, rec.TimelineThrough)
	require.Equal(t, 2, rec.TimelineEntries)
	require.NotNil(t, rec.Summary)
}

func TestGated_ClosedCaseSkipped(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.run(t, h.upload(criticalCase("E-1"), 9, 9, 9))
	_, err := h.repo.Close(ctx, "e-1")
	require.NoError(t, err)
	before := h.get(t, "e-1")
	beforeTL, err := h.repo.Timeline(ctx, "e-1")
	require.NoError(t, err)
	classifyBefore, _, _ := h.fake.Calls()

	s := h.run(t, h.upload(criticalCase("E-1"), 9, 9, 9, 9, 9))
	res := only(t, s)
	require.Equal(t, OutcomeSkippedClosed, res.Outcome)
	require.Equal(t, errors.ErrCaseClosed, res.Code)
	require.Equal(t, 1, s.SkippedClosed)

	classifyAfter, _, _ := h.fake.Calls()
	require.Equal(t, classifyBefore, classifyAfter)
	if diff := cmp.Diff(before, h.get(t, "e-1")); diff != "" {
		t.Errorf("closed record changed:\n%s", diff)
	}
	afterTL, err := h.repo.Timeline(ctx, "e-1")
	require.NoError(t, err)
	require.Equal(t, beforeTL, afterTL)
}

// keep drops every message of up whose sequence is not listed.
func keep(up cases.Upload, seqs ...int) cases.Upload {
	want := map[int]bool{}
	for _, s := range seqs {
		want[s] = true
	}
	out := cases.Upload{Case: up.Case}
	for _, m := range up.Messages {
		if want[m.Sequence] {
			out.Messages = append(out.Messages, m)
		}
	}
	return out
}

func TestGated_SequenceGapIsConflict(t *testing.T) {
	h := setup(t)
	full := h.upload(cases.Case{ID: "S-1"}, 1, 1, 1, 1, 1, 1, 1, 1)

	h.run(t, keep(full, 1, 2, 3, 4, 5))
	require.Equal(t, 5, h.get(t, "s-1").Watermark)
	classifyBefore, _, _ := h.fake.Calls()

	s := h.run(t, keep(full, 7, 8))
	res := only(t, s)
	require.Equal(t, OutcomeSkippedConflict, res.Outcome)
	require.Equal(t, errors.ErrWatermarkConflict, res.Code)
	require.Equal(t, 1, s.SkippedConflict)
	require.Zero(t, s.Processed)
	require.Equal(t, 5, h.get(t, "s-1").Watermark)
	classifyAfter, _, _ := h.fake.Calls()
	require.Equal(t, classifyBefore, classifyAfter, "no message of a gapped upload is classified")

	// The late message is still accepted once it arrives.
	s = h.run(t, keep(full, 6))
	res = only(t, s)
	require.Equal(t, OutcomeGate1Failed, res.Outcome)
	require.Equal(t, 1, res.NewMessages)
	require.Equal(t, 6, h.get(t, "s-1").Watermark)

	// Replaying stored messages is harmless; jumping ahead again is not.
	require.Equal(t, OutcomeUnchanged, only(t, h.run(t, keep(full, 1, 2, 3))).Outcome)

	s = h.run(t, cases.Upload{Case: full.Case, Messages: []cases.RawMessage{
		{Sequence: 9, Sender: "Customer Alice", Text: "out of nowhere", Timestamp: 10*day + 9},
	}})
	require.Equal(t, OutcomeSkippedConflict, only(t, s).Outcome)
}

func TestAdapterExhaustion_MarksAndSweeps(t *testing.T) {
	h := setup(t)
	h.fake.QuickFunc = func(ctx context.Context, req analysis.QuickRequest) (cases.QuickResult, error) {
		return cases.QuickResult{}, fmt.Errorf("%w: truncated reply", analysis.ErrMalformedOutput)
	}

	s := h.run(t, h.upload(criticalCase("F-1"), 9, 9, 9))
	res := only(t, s)
	require.Equal(t, OutcomeEvaluationFailed, res.Outcome)
	require.Equal(t, errors.ErrAdapterTransient, res.Code)
	require.Equal(t, 1, s.EvaluationFailed)

	rec := h.get(t, "f-1")
	require.Equal(t, cases.StateEvaluationFailed, rec.State)
	require.NotNil(t, rec.Failure)
	require.Equal(t, cases.StageQuick, rec.Failure.Stage)
	require.Equal(t, 2, rec.Failure.Attempts)

	// Adapter recovers; an empty batch picks the case up again.
	h.fake.QuickFunc = nil
	s = h.run(t)
	require.Equal(t, OutcomeGate3Done, only(t, s).Outcome)

	rec = h.get(t, "f-1")
	require.Nil(t, rec.Failure)
	require.Equal(t, cases.StateGate3Done, rec.State)
}

func TestClassifyFailure_KeepsWatermark(t *testing.T) {
	h := setup(t)
	h.fake.ClassifyFunc = func(ctx context.Context, req analysis.ClassifyRequest) (analysis.ClassifyResult, error) {
		return analysis.ClassifyResult{}, errors.NewInvalidRequest("model refused")
	}
	up := h.upload(cases.Case{ID: "G-1"}, 1, 1)

	s := h.run(t, up)
	require.Equal(t, OutcomeEvaluationFailed, only(t, s).Outcome)
	rec := h.get(t, "g-1")
	require.Zero(t, rec.Watermark)
	require.Equal(t, cases.StageClassify, rec.Failure.Stage)

	h.fake.ClassifyFunc = nil
	s = h.run(t, up)
	require.Equal(t, OutcomeGate1Failed, only(t, s).Outcome)
	rec = h.get(t, "g-1")
	require.Equal(t, 2, rec.Watermark)
	require.Nil(t, rec.Failure)
}

func TestRejectedInput_BatchContinues(t *testing.T) {
	h := setup(t)
	bad := h.upload(cases.Case{ID: "H-1"}, 1, 1)
	bad.Messages[1].Sequence = 1

	s := h.run(t, bad, cases.Upload{Case: cases.Case{ID: "  "}}, h.upload(cases.Case{ID: "H-2"}, 1))
	require.Equal(t, 2, s.RejectedInput)
	require.Equal(t, 1, s.GateFailed.Gate1)

	_, err := h.repo.Get(context.Background(), "h-1")
	require.Equal(t, errors.ErrNotFound, errors.CodeOf(err))
}

func TestBatchTimeout_KeepsCommittedWrites(t *testing.T) {
	h := setup(t, func(c *config.Config) {
		c.Batch.Timeout = config.Duration(100 * time.Millisecond)
		c.Parallel.Cases = 1
	})
	h.fake.QuickFunc = func(ctx context.Context, req analysis.QuickRequest) (cases.QuickResult, error) {
		<-ctx.Done()
		return cases.QuickResult{}, ctx.Err()
	}

	s := h.run(t,
		h.upload(cases.Case{ID: "T-1"}, 0, 0),
		h.upload(criticalCase("T-2"), 9, 9),
	)
	require.True(t, s.TimedOut)
	require.Equal(t, 1, s.GateFailed.Gate1)

	require.Equal(t, cases.GateFailed, h.get(t, "t-1").Gate1)
	slow := h.get(t, "t-2")
	require.Equal(t, cases.GatePassed, slow.Gate1)
	require.Nil(t, slow.Failure, "an abandoned case is not marked failed")
}

func TestRanked_SelectsTopKThenTopM(t *testing.T) {
	h := setup(t)
	guard := analysis.NewGuard(h.fake, h.fake, config.RateConfig{}, analysis.Policy{MaxAttempts: 1})
	ctl := New(h.cfg, nil, guard)

	var uploads []cases.Upload
	for i := 1; i <= 30; i++ {
		uploads = append(uploads, h.upload(cases.Case{ID: fmt.Sprintf("c%02d", i)}, 1, 1))
	}
	uploads = append(uploads, h.upload(criticalCase("z"), 9, 9))

	s, err := ctl.Run(context.Background(), uploads, config.StrategyRanked)
	require.NoError(t, err)
	require.Equal(t, config.StrategyRanked, s.Strategy)
	require.Equal(t, 31, s.Processed)
	require.Equal(t, 10, s.Gate3Done)

	_, quick, timeline := h.fake.Calls()
	require.Equal(t, 25, quick)
	require.Equal(t, 10, timeline)

	require.Equal(t, "z", s.Cases[0].CaseID)
	require.Equal(t, 1, s.Cases[0].Rank)
	require.Equal(t, OutcomeGate3Done, s.Cases[0].Outcome)
	require.NotEmpty(t, s.Cases[0].Timeline)

	counts := map[Outcome]int{}
	for _, c := range s.Cases {
		counts[c.Outcome]++
	}
	require.Equal(t, map[Outcome]int{OutcomeGate3Done: 10, OutcomeQuickDone: 15, OutcomeScored: 6}, counts)
	require.Equal(t, OutcomeScored, s.Cases[30].Outcome)
	require.Equal(t, "c30", s.Cases[30].CaseID)

	stats, err := h.repo.Stats(context.Background())
	require.NoError(t, err)
	require.Empty(t, stats, "ranked mode writes nothing")
}

func TestRun_GatedNeedsRepository(t *testing.T) {
	h := setup(t)
	ctl := New(h.cfg, nil, nil)
	_, err := ctl.Run(context.Background(), nil, config.StrategyGated)
	require.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(err))

	_, err = ctl.Run(context.Background(), nil, "random")
	require.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(err))
}

func TestSummary_RunMetadata(t *testing.T) {
	h := setup(t)
	s := h.run(t)
	require.Len(t, s.RunID, 26)
	require.Equal(t, config.StrategyGated, s.Strategy)
	require.False(t, s.FinishedAt.Before(s.StartedAt))
	require.Empty(t, s.Cases)
}
