// Package scoring computes criticality and account health for a case.
//
// The engine is pure and total: any well-formed input yields a result, and
// every component is clamped to its configured ceiling before summation.
package scoring

import (
	"math"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
)

const secondsPerDay = 86400

// Input is everything the engine looks at for one case.
type Input struct {
	Case     cases.Case
	Messages []cases.Message
	Quick    *cases.QuickResult

	// FrustratedEntries and TimelineEntries feed the timeline bonus.
	FrustratedEntries int
	TimelineEntries   int
}

// Engine scores cases against a fixed configuration.
type Engine struct {
	scoring config.ScoringConfig
	health  config.HealthConfig
	trend   config.TrendConfig
}

// New creates an Engine. cfg is assumed validated.
func New(cfg *config.Config) *Engine {
	return &Engine{scoring: cfg.Scoring, health: cfg.Health, trend: cfg.Trend}
}

// Score computes stats, components, criticality, health and trend.
func (e *Engine) Score(in Input) cases.Scores {
	stats := e.Stats(in.Case, in.Messages)

	meta := in.Case
	if in.Quick != nil {
		if meta.IssueClass == "" {
			meta.IssueClass = in.Quick.IssueClass
		}
		if meta.ResolutionOutlook == "" {
			meta.ResolutionOutlook = in.Quick.ResolutionOutlook
		}
	}

	known := stats.CustomerCount + stats.SupportCount
	engagement := 0.0
	if known > 0 {
		engagement = float64(stats.CustomerCount) / float64(known)
	}

	s := e.scoring
	comp := cases.Components{
		Frustration: round2(clamp(e.frustration(stats)*s.FrustrationMax/100, 0, s.FrustrationMax)),
		Severity:    round2(clamp(e.severity(meta.Severity), 0, s.SeverityMax)),
		IssueClass:  round2(clamp(e.issueClass(meta.IssueClass), 0, s.IssueClassMax)),
		Resolution:  round2(clamp(tier(s.Resolution, meta.ResolutionOutlook), 0, s.ResolutionMax)),
		SupportTier: round2(clamp(tier(s.SupportTier, meta.SupportTier), 0, s.SupportTierMax)),
		Volume:      round2(evalCurve(s.Volume, float64(stats.MessageCount))),
		Age:         round2(evalCurve(s.Age, float64(stats.AgeDays))),
		Engagement:  round2(evalCurve(s.Engagement, engagement)),
	}
	if in.Quick != nil {
		comp.QuickBonus = round2(e.QuickBonus(*in.Quick))
	}
	comp.TimelineBonus = round2(e.TimelineBonus(in.FrustratedEntries, in.TimelineEntries))

	criticality := round2(comp.Total())
	health := e.Health(criticality, stats)

	return cases.Scores{
		Stats:       stats,
		Components:  comp,
		Criticality: criticality,
		Health:      health,
		Bucket:      e.Bucket(health),
		NeedsReview: stats.MessageCount > 0 && known == 0,
		Trend:       e.Trend(in.Messages),
	}
}

// Stats aggregates the running statistics over msgs. Age runs from the case
// creation (or the first message) to the newest message.
func (e *Engine) Stats(c cases.Case, msgs []cases.Message) cases.Stats {
	var st cases.Stats
	st.MessageCount = len(msgs)

	var sum, scored int
	var first, newest int64
	for i, m := range msgs {
		if i == 0 || m.Timestamp < first {
			first = m.Timestamp
		}
		if m.Timestamp > newest {
			newest = m.Timestamp
		}

		switch m.Owner {
		case cases.OwnerCustomer:
			st.CustomerCount++
		case cases.OwnerSupport:
			st.SupportCount++
		default:
			st.UnknownCount++
		}

		if !m.Scored() {
			continue
		}
		score := clampScore(m.Score())
		scored++
		sum += score
		if score > st.PeakFrustration {
			st.PeakFrustration = score
		}
		if score >= e.scoring.FrustratedMinScore {
			st.FrustratedCount++
		}
	}
	if scored > 0 {
		st.AvgFrustration = round2(float64(sum) / float64(scored))
	}

	start := c.CreatedAt
	if start <= 0 {
		start = first
	}
	if len(msgs) > 0 && newest > start {
		st.AgeDays = int((newest - start) / secondsPerDay)
	}
	st.LastMessageAt = newest
	return st
}

// frustration is the 0-100 frustration curve: a diminishing-returns base on
// the average (0-50), a peak bonus (0-25) and a frustrated-share bonus (0-25).
func (e *Engine) frustration(st cases.Stats) float64 {
	avg := clamp(st.AvgFrustration, 0, 10)
	peak := clamp(float64(st.PeakFrustration), 0, 10)

	var base float64
	switch {
	case avg >= 9:
		base = 50
	case avg >= 7:
		base = 35 + (avg-7)*7.5
	case avg >= 5:
		base = 20 + (avg-5)*7.5
	case avg >= 3:
		base = 10 + (avg-3)*5
	default:
		base = avg * 3.33
	}

	var peakBonus float64
	switch {
	case peak >= 9:
		peakBonus = 25
	case peak >= 7:
		peakBonus = 15 + (peak-7)*5
	case peak >= 5:
		peakBonus = 5 + (peak-5)*5
	default:
		peakBonus = peak
	}

	var pct float64
	if st.MessageCount > 0 {
		pct = float64(st.FrustratedCount) / float64(st.MessageCount) * 100
	}
	var pctBonus float64
	switch {
	case pct >= 30:
		pctBonus = 25
	case pct >= 20:
		pctBonus = 15 + (pct - 20)
	case pct >= 10:
		pctBonus = 5 + (pct - 10)
	default:
		pctBonus = pct * 0.5
	}

	return clamp(base, 0, 50) + clamp(peakBonus, 0, 25) + clamp(pctBonus, 0, 25)
}

// severity falls back to the configured lowest tier when missing or unknown.
func (e *Engine) severity(sev string) float64 {
	if v, ok := lookup(e.scoring.Severity, sev); ok {
		return v
	}
	v, _ := lookup(e.scoring.Severity, e.scoring.SeverityFallback)
	return v
}

// issueClass falls back like severity; an empty fallback scores 0.
func (e *Engine) issueClass(class string) float64 {
	if v, ok := lookup(e.scoring.IssueClass, class); ok {
		return v
	}
	return tier(e.scoring.IssueClass, e.scoring.IssueClassFallback)
}

func tier(table map[string]float64, key string) float64 {
	v, _ := lookup(table, key)
	return v
}

// QuickBonus converts a quick-analysis result into criticality points:
// frustration frequency counts fully, damage frequency at half weight, plus
// a priority bonus.
func (e *Engine) QuickBonus(q cases.QuickResult) float64 {
	ff := clamp(q.FrustrationFrequency, 0, 100)
	df := clamp(q.DamageFrequency, 0, 100)
	return clamp(ff+df*0.5+tier(e.scoring.Priority, q.Priority), 0, e.scoring.QuickBonusMax)
}

// TimelineBonus awards a tenth of the frustrated-entry percentage.
func (e *Engine) TimelineBonus(frustrated, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(frustrated) / float64(total) * 100
	return clamp(pct/10, 0, e.scoring.TimelineBonusMax)
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

// Velocity is messages per day of case age, with age floored at one day.
func Velocity(st cases.Stats) float64 {
	return float64(st.MessageCount) / math.Max(float64(st.AgeDays), 1)
}
