package config

import (
	"fmt"
	"math"

	"github.com/hpungsan/casegate/internal/errors"
)

// Validate rejects configurations that would make gating or scoring meaningless.
// It runs before any case is processed.
func (c *Config) Validate() error {
	if c.Gate1.AvgThreshold < 0 || c.Gate1.AvgThreshold > 10 {
		return errors.NewInvalidConfig("gate1.avg_threshold", "must be within [0, 10]")
	}
	if c.Gate1.PeakThreshold < 0 || c.Gate1.PeakThreshold > 10 {
		return errors.NewInvalidConfig("gate1.peak_threshold", "must be within [0, 10]")
	}
	if c.Gate2.CriticalityThreshold < 0 || math.IsNaN(c.Gate2.CriticalityThreshold) {
		return errors.NewInvalidConfig("gate2.criticality_threshold", "must be >= 0")
	}

	if c.Ranked.TopK < 1 {
		return errors.NewInvalidConfig("ranked.top_k", "must be >= 1")
	}
	if c.Ranked.TopM < 1 || c.Ranked.TopM > c.Ranked.TopK {
		return errors.NewInvalidConfig("ranked.top_m", "must be within [1, top_k]")
	}

	if err := c.Scoring.validate(); err != nil {
		return err
	}

	h := c.Health
	if h.CriticalityWeight < 0 || h.VelocityWeight < 0 || h.CriticalityCap < 0 || h.VelocityCap < 0 {
		return errors.NewInvalidConfig("health", "weights and caps must be >= 0")
	}
	if !(h.HealthyMin <= 100 && h.HealthyMin > h.ModerateMin && h.ModerateMin > h.AtRiskMin && h.AtRiskMin >= 0) {
		return errors.NewInvalidConfig("health", "bucket bounds must satisfy 100 >= healthy_min > moderate_min > at_risk_min >= 0")
	}
	if h.CatastrophicMin <= 0 || h.ConcerningMin <= 0 || math.IsNaN(h.CatastrophicMin) || math.IsNaN(h.ConcerningMin) {
		return errors.NewInvalidConfig("health", "catastrophic_min and concerning_min must be > 0")
	}
	if h.ClusterLookbackDays < 1 {
		return errors.NewInvalidConfig("health.cluster_lookback_days", "must be >= 1")
	}

	if c.Trend.WindowDays < 1 || c.Trend.Threshold < 0 {
		return errors.NewInvalidConfig("trend", "window_days must be >= 1 and threshold >= 0")
	}

	if c.History.MessageChars < 1 {
		return errors.NewInvalidConfig("history.message_chars", "must be >= 1")
	}

	if c.Budget.TimelineChars < 1 || c.Budget.QuickChars < 1 || c.Budget.SummaryChars < 1 {
		return errors.NewInvalidConfig("budget", "character budgets must be >= 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.NewInvalidConfig("retry.max_attempts", "must be >= 1")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.NewInvalidConfig("retry", "backoffs must satisfy 0 <= initial_backoff <= max_backoff")
	}
	if c.Retry.Multiplier < 1 {
		return errors.NewInvalidConfig("retry.multiplier", "must be >= 1")
	}

	if c.Parallel.Cases < 1 || c.Parallel.Messages < 1 {
		return errors.NewInvalidConfig("concurrency", "cases and messages must be >= 1")
	}
	if c.Rate.RPS < 0 {
		return errors.NewInvalidConfig("rate_limit.rps", "must be >= 0")
	}
	if c.Rate.RPS > 0 && c.Rate.Burst < 1 {
		return errors.NewInvalidConfig("rate_limit.burst", "must be >= 1 when rps is set")
	}

	switch c.Batch.Strategy {
	case StrategyGated, StrategyRanked:
	default:
		return errors.NewInvalidConfig("batch.strategy", fmt.Sprintf("unknown strategy %q", c.Batch.Strategy))
	}
	if c.Batch.Timeout < 0 {
		return errors.NewInvalidConfig("batch.timeout", "must be >= 0")
	}

	switch c.Analysis.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return errors.NewInvalidConfig("analysis.provider", fmt.Sprintf("unknown provider %q", c.Analysis.Provider))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.NewInvalidConfig("log.format", "must be text or json")
	}

	return nil
}

func (s ScoringConfig) validate() error {
	maxes := map[string]float64{
		"scoring.frustration_max":    s.FrustrationMax,
		"scoring.severity_max":       s.SeverityMax,
		"scoring.issue_class_max":    s.IssueClassMax,
		"scoring.resolution_max":     s.ResolutionMax,
		"scoring.support_tier_max":   s.SupportTierMax,
		"scoring.quick_bonus_max":    s.QuickBonusMax,
		"scoring.timeline_bonus_max": s.TimelineBonusMax,
	}
	for field, v := range maxes {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewInvalidConfig(field, "must be a finite value >= 0")
		}
	}
	if s.FrustratedMinScore < 0 || s.FrustratedMinScore > 10 {
		return errors.NewInvalidConfig("scoring.frustrated_min_score", "must be within [0, 10]")
	}
	if _, ok := s.Severity[s.SeverityFallback]; !ok {
		return errors.NewInvalidConfig("scoring.severity_fallback", fmt.Sprintf("%q is not a severity key", s.SeverityFallback))
	}
	// An empty issue class fallback scores unknown classes 0.
	if s.IssueClassFallback != "" {
		if _, ok := s.IssueClass[s.IssueClassFallback]; !ok {
			return errors.NewInvalidConfig("scoring.issue_class_fallback", fmt.Sprintf("%q is not an issue class key", s.IssueClassFallback))
		}
	}

	tables := map[string]map[string]float64{
		"scoring.severity":     s.Severity,
		"scoring.issue_class":  s.IssueClass,
		"scoring.resolution":   s.Resolution,
		"scoring.support_tier": s.SupportTier,
		"scoring.priority":     s.Priority,
	}
	for field, table := range tables {
		for k, v := range table {
			if v < 0 || math.IsNaN(v) {
				return errors.NewInvalidConfig(field, fmt.Sprintf("weight for %q must be >= 0", k))
			}
		}
	}

	curves := map[string]Curve{
		"scoring.volume":     s.Volume,
		"scoring.age":        s.Age,
		"scoring.engagement": s.Engagement,
	}
	for field, c := range curves {
		if err := c.validate(field); err != nil {
			return err
		}
	}
	return nil
}

func (c Curve) validate(field string) error {
	if c.Max < 0 || math.IsNaN(c.Max) || math.IsInf(c.Max, 0) {
		return errors.NewInvalidConfig(field+".max", "must be a finite value >= 0")
	}
	switch c.Shape {
	case ShapeStep:
		if len(c.Steps) == 0 {
			return errors.NewInvalidConfig(field+".steps", "step curve needs at least one step")
		}
		for i := 1; i < len(c.Steps); i++ {
			if c.Steps[i].At <= c.Steps[i-1].At {
				return errors.NewInvalidConfig(field+".steps", "step thresholds must be strictly ascending")
			}
			if c.Steps[i].Points < c.Steps[i-1].Points {
				return errors.NewInvalidConfig(field+".steps", "step points must be non-decreasing")
			}
		}
	case ShapeLinear, ShapeLog:
		if c.Cap <= 0 {
			return errors.NewInvalidConfig(field+".cap", "linear and log curves need cap > 0")
		}
	default:
		return errors.NewInvalidConfig(field+".shape", fmt.Sprintf("unknown shape %q", c.Shape))
	}
	return nil
}
