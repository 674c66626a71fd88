package analysis

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/logger"
)

// Guard wraps a classifier and an analyzer with a shared token bucket,
// the retry policy and a span per call.
type Guard struct {
	classifier BulkClassifier
	analyzer   DeepAnalyzer
	limiter    *rate.Limiter
	policy     Policy
}

// NewGuard creates a Guard. RPS 0 disables rate limiting.
func NewGuard(classifier BulkClassifier, analyzer DeepAnalyzer, rl config.RateConfig, policy Policy) *Guard {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rl.RPS > 0 {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	return &Guard{classifier: classifier, analyzer: analyzer, limiter: limiter, policy: policy}
}

// Classify scores one message. Every Guard call also returns the number of
// attempts it made.
func (g *Guard) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, int, error) {
	var res ClassifyResult
	n, err := g.call(ctx, cases.StageClassify, req.CaseID, func(ctx context.Context) error {
		r, err := g.classifier.Classify(ctx, req)
		if err != nil {
			return err
		}
		res = ClampClassify(r)
		return nil
	})
	return res, n, err
}

// Quick runs quick analysis.
func (g *Guard) Quick(ctx context.Context, req QuickRequest) (cases.QuickResult, int, error) {
	var res cases.QuickResult
	n, err := g.call(ctx, cases.StageQuick, req.Case.ID, func(ctx context.Context) error {
		r, err := g.analyzer.Quick(ctx, req)
		if err != nil {
			return err
		}
		res = ClampQuick(r)
		return nil
	})
	return res, n, err
}

// Timeline runs timeline analysis and normalizes the entries to req.Range.
func (g *Guard) Timeline(ctx context.Context, req TimelineRequest) (TimelineResult, int, error) {
	var res TimelineResult
	n, err := g.call(ctx, cases.StageTimeline, req.Case.ID, func(ctx context.Context) error {
		r, err := g.analyzer.Timeline(ctx, req)
		if err != nil {
			return err
		}
		entries, err := NormalizeEntries(r.Entries, req.Range)
		if err != nil {
			return err
		}
		r.Entries = entries
		res = r
		return nil
	})
	return res, n, err
}

func (g *Guard) call(ctx context.Context, stage, caseID string, fn func(context.Context) error) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: stage})
	sc := logger.StartSpan(ctx, "analysis."+stage)
	defer sc.End()
	sc.Span().SetAttributes(attribute.String("case.id", caseID))
	ctx = sc.Context()

	n, err := g.policy.Do(ctx, stage, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return errors.NewAdapterPermanent(stage, err)
		}
		return fn(ctx)
	})
	sc.Span().SetAttributes(attribute.Int("analysis.attempts", n))
	if err != nil {
		sc.RecordError(err)
	}
	return n, err
}
