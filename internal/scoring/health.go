package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/hpungsan/casegate/internal/cases"
)

// Health buckets, healthiest first.
const (
	BucketHealthy  = "Healthy"
	BucketModerate = "Moderate"
	BucketAtRisk   = "At Risk"
	BucketCritical = "Critical"
)

// Health is the 0-100 case health: it drops with criticality and with
// message velocity, each penalty capped.
func (e *Engine) Health(criticality float64, st cases.Stats) float64 {
	h := e.health
	critPenalty := clamp(criticality*h.CriticalityWeight, 0, h.CriticalityCap)
	velPenalty := clamp(Velocity(st)*h.VelocityWeight, 0, h.VelocityCap)
	return math.Round(clamp(100-critPenalty-velPenalty, 0, 100)*10) / 10
}

// Bucket names the health tier. A score equal to a lower bound belongs to
// that (healthier) tier.
func (e *Engine) Bucket(score float64) string {
	h := e.health
	switch {
	case score >= h.HealthyMin:
		return BucketHealthy
	case score >= h.ModerateMin:
		return BucketModerate
	case score >= h.AtRiskMin:
		return BucketAtRisk
	default:
		return BucketCritical
	}
}

// AccountHealth is the aggregate health of one customer's cases.
type AccountHealth struct {
	Customer    string  `json:"customer"`
	Cases       int     `json:"cases"`
	Score       float64 `json:"score"`
	Bucket      string  `json:"bucket"`
	BaseScore   float64 `json:"base_score"`
	Frustration float64 `json:"frustration_component"`
	HighFrust   float64 `json:"high_frustration_component"`
	Critical    float64 `json:"critical_load_component"`
	Systemic    float64 `json:"systemic_issues_component"`
	Resolution  float64 `json:"resolution_complexity_component"`

	// CatastrophicCases counts cases at or above health.catastrophic_min.
	// The most recent one scales the high-frustration and critical-load
	// components by 1 - CatastrophicWeight.
	CatastrophicCases  int     `json:"catastrophic_cases"`
	CatastrophicWeight float64 `json:"catastrophic_weight"`

	// Cluster is the penalty for concerning cases bunched in the lookback
	// window; Score is BaseScore * (1 - Cluster.Penalty).
	Cluster Cluster `json:"cluster"`
}

// Cluster describes recent concerning cases of one account.
type Cluster struct {
	Cases    int     `json:"cases"`
	SpanDays int     `json:"span_days"`
	Penalty  float64 `json:"penalty"`
	Note     string  `json:"note,omitempty"`
}

// AccountHealth scores each customer's portfolio of cases on five
// components: average frustration (30), high-frustration share (20),
// critical-load share (20), systemic share (15) and challenging share (15).
// A recent catastrophic case overrides the share components and clustered
// concerning cases discount the total.
//
// Recency is measured from the newest message among records, not the wall
// clock. Results are sorted by score ascending, worst accounts first.
func (e *Engine) AccountHealth(records []*cases.ScoreRecord, highFrustration int) []AccountHealth {
	var asOf int64
	groups := map[string][]*cases.ScoreRecord{}
	for _, r := range records {
		groups[r.Case.Customer] = append(groups[r.Case.Customer], r)
		if r.Stats.LastMessageAt > asOf {
			asOf = r.Stats.LastMessageAt
		}
	}

	out := make([]AccountHealth, 0, len(groups))
	for customer, recs := range groups {
		n := float64(len(recs))
		var frustSum float64
		var high, critical, systemic, challenging, catastrophic int
		override := 0.0
		for _, r := range recs {
			frustSum += r.Stats.AvgFrustration
			if r.Stats.PeakFrustration >= highFrustration {
				high++
			}
			if r.Criticality >= e.health.CriticalLoadMin {
				critical++
			}
			if r.Criticality >= e.health.CatastrophicMin {
				catastrophic++
				override = math.Max(override, catastrophicWeight(daysBefore(asOf, r)))
			}
			if issueClassOf(r) == "systemic" {
				systemic++
			}
			if resolutionOf(r) == "challenging" {
				challenging++
			}
		}

		a := AccountHealth{
			Customer:           customer,
			Cases:              len(recs),
			Frustration:        round1(clamp(30-(frustSum/n)*3, 0, 30)),
			HighFrust:          round1(clamp(20-float64(high)/n*100, 0, 20) * (1 - override)),
			Critical:           round1(clamp(20-float64(critical)/n*100, 0, 20) * (1 - override)),
			Systemic:           round1(clamp(15-float64(systemic)/n*75, 0, 15)),
			Resolution:         round1(clamp(15-float64(challenging)/n*75, 0, 15)),
			CatastrophicCases:  catastrophic,
			CatastrophicWeight: override,
			Cluster:            e.cluster(recs, asOf),
		}
		a.BaseScore = round1(clamp(a.Frustration+a.HighFrust+a.Critical+a.Systemic+a.Resolution, 0, 100))
		a.Score = round1(clamp(a.BaseScore*(1-a.Cluster.Penalty), 0, 100))
		a.Bucket = e.Bucket(a.Score)
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Customer < out[j].Customer
	})
	return out
}

// catastrophicWeight decays the override with the age of the case's last
// message: full within 90 days, half within 180, a quarter within a year.
func catastrophicWeight(days int) float64 {
	switch {
	case days <= 90:
		return 1
	case days <= 180:
		return 0.5
	case days <= 365:
		return 0.25
	default:
		return 0
	}
}

// cluster finds concerning cases active within the lookback window. A case
// is concerning when its criticality reaches both health.concerning_min
// and the account's 80th percentile. The penalty grows with the number of
// such cases and shrinks with the days between them.
func (e *Engine) cluster(recs []*cases.ScoreRecord, asOf int64) Cluster {
	crits := make([]float64, len(recs))
	for i, r := range recs {
		crits[i] = r.Criticality
	}
	p80 := percentile(crits, 0.8)

	var recent []int64
	for _, r := range recs {
		if r.Criticality < e.health.ConcerningMin || r.Criticality < p80 {
			continue
		}
		if daysBefore(asOf, r) > e.health.ClusterLookbackDays {
			continue
		}
		recent = append(recent, lastActivity(r, asOf))
	}
	// Newest first, so the span covers the latest cases.
	sort.Slice(recent, func(i, j int) bool { return recent[i] > recent[j] })

	c := Cluster{Cases: len(recent)}
	switch {
	case c.Cases == 0:
		return c
	case c.Cases == 1:
		c.Penalty = 0.1
		c.Note = fmt.Sprintf("1 concerning case in the last %d days", e.health.ClusterLookbackDays)
		return c
	case c.Cases == 2:
		c.SpanDays = int((recent[0] - recent[1]) / secondsPerDay)
		c.Penalty = spanPenalty(c.SpanDays, 0.4, 0.25, 0.15)
	default:
		c.SpanDays = int((recent[0] - recent[2]) / secondsPerDay)
		c.Penalty = spanPenalty(c.SpanDays, 0.7, 0.5, 0.3)
	}
	c.Note = fmt.Sprintf("%d concerning cases within %d days", c.Cases, c.SpanDays)
	return c
}

// spanPenalty picks the penalty for cases within two weeks, within a month
// or further apart.
func spanPenalty(days int, fortnight, month, apart float64) float64 {
	switch {
	case days <= 14:
		return fortnight
	case days <= 30:
		return month
	default:
		return apart
	}
}

// lastActivity falls back to asOf for records scored before the last
// message time was tracked.
func lastActivity(r *cases.ScoreRecord, asOf int64) int64 {
	if r.Stats.LastMessageAt <= 0 {
		return asOf
	}
	return r.Stats.LastMessageAt
}

func daysBefore(asOf int64, r *cases.ScoreRecord) int {
	return int((asOf - lastActivity(r, asOf)) / secondsPerDay)
}

// percentile interpolates linearly between the closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	idx := p * float64(len(s)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	return s[lo] + (s[hi]-s[lo])*(idx-float64(lo))
}

func issueClassOf(r *cases.ScoreRecord) string {
	if r.Case.IssueClass != "" {
		return lower(r.Case.IssueClass)
	}
	if r.Quick != nil {
		return lower(r.Quick.IssueClass)
	}
	return ""
}

func resolutionOf(r *cases.ScoreRecord) string {
	if r.Case.ResolutionOutlook != "" {
		return lower(r.Case.ResolutionOutlook)
	}
	if r.Quick != nil {
		return lower(r.Quick.ResolutionOutlook)
	}
	return ""
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
