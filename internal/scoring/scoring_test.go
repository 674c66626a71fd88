package scoring

import (
	"math"
	"testing"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
)

const day = int64(86400)

func newTestEngine() *Engine {
	return New(config.DefaultConfig())
}

func scored(seq int, owner cases.Owner, ts int64, score int) cases.Message {
	return cases.Message{Sequence: seq, Owner: owner, Timestamp: ts, Frustration: &score, DelayDays: -1}
}

func TestScore_QuickBonusReachesCriticality(t *testing.T) {
	e := newTestEngine()
	msgs := []cases.Message{
		scored(1, cases.OwnerCustomer, 10*day, 5),
		scored(2, cases.OwnerSupport, 10*day, 5),
		scored(3, cases.OwnerCustomer, 10*day, 5),
		scored(4, cases.OwnerSupport, 10*day, 5),
	}
	c := cases.Case{ID: "1", Severity: "S4", CreatedAt: 10 * day}

	base := e.Score(Input{Case: c, Messages: msgs})
	// 50 frustration + 5 severity + 5 issue class fallback + 5 volume + 10 engagement.
	if base.Criticality != 75 {
		t.Fatalf("base Criticality = %v, want 75 (components %+v)", base.Criticality, base.Components)
	}
	if base.Components.Frustration != 50 {
		t.Errorf("Frustration = %v, want 50", base.Components.Frustration)
	}
	if base.Components.Engagement != 10 {
		t.Errorf("Engagement = %v, want 10", base.Components.Engagement)
	}

	quick := &cases.QuickResult{FrustrationFrequency: 50, DamageFrequency: 40, Priority: "High"}
	withQuick := e.Score(Input{Case: c, Messages: msgs, Quick: quick})
	if withQuick.Components.QuickBonus != 80 {
		t.Errorf("QuickBonus = %v, want 80", withQuick.Components.QuickBonus)
	}
	if withQuick.Criticality != 155 {
		t.Errorf("Criticality = %v, want 155", withQuick.Criticality)
	}
}

func TestScore_ComponentsBounded(t *testing.T) {
	e := newTestEngine()
	cfg := config.DefaultConfig().Scoring

	var msgs []cases.Message
	for i := 1; i <= 10000; i++ {
		msgs = append(msgs, scored(i, cases.OwnerCustomer, int64(i)*day, 10_000))
	}
	c := cases.Case{
		ID:                "big",
		Severity:          "S1",
		IssueClass:        "Systemic",
		ResolutionOutlook: "Challenging",
		SupportTier:       "Gold",
		CreatedAt:         1,
	}
	quick := &cases.QuickResult{FrustrationFrequency: 1e9, DamageFrequency: 1e9, Priority: "Critical"}

	got := e.Score(Input{Case: c, Messages: msgs, Quick: quick, FrustratedEntries: 500, TimelineEntries: 2})
	comp := got.Components

	bounds := []struct {
		name string
		v    float64
		max  float64
	}{
		{"frustration", comp.Frustration, cfg.FrustrationMax},
		{"severity", comp.Severity, cfg.SeverityMax},
		{"issue_class", comp.IssueClass, cfg.IssueClassMax},
		{"resolution", comp.Resolution, cfg.ResolutionMax},
		{"support_tier", comp.SupportTier, cfg.SupportTierMax},
		{"volume", comp.Volume, cfg.Volume.Max},
		{"age", comp.Age, cfg.Age.Max},
		{"engagement", comp.Engagement, cfg.Engagement.Max},
		{"quick_bonus", comp.QuickBonus, cfg.QuickBonusMax},
		{"timeline_bonus", comp.TimelineBonus, cfg.TimelineBonusMax},
	}
	for _, b := range bounds {
		if b.v < 0 || b.v > b.max {
			t.Errorf("%s = %v, want within [0, %v]", b.name, b.v, b.max)
		}
	}
	if comp.Volume != 30 {
		t.Errorf("Volume = %v, want saturated 30", comp.Volume)
	}
	if got.Stats.PeakFrustration != 10 {
		t.Errorf("PeakFrustration = %d, want clamped 10", got.Stats.PeakFrustration)
	}
	if got.Health < 0 || got.Health > 100 {
		t.Errorf("Health = %v, want within [0, 100]", got.Health)
	}
}

func TestScore_NegativeAndNaNInputs(t *testing.T) {
	e := newTestEngine()
	msgs := []cases.Message{scored(1, cases.OwnerCustomer, day, -5)}
	quick := &cases.QuickResult{FrustrationFrequency: math.NaN(), DamageFrequency: -20}

	got := e.Score(Input{Case: cases.Case{ID: "x"}, Messages: msgs, Quick: quick})
	if got.Components.Frustration != 0 {
		t.Errorf("Frustration = %v, want 0", got.Components.Frustration)
	}
	if got.Components.QuickBonus != 0 {
		t.Errorf("QuickBonus = %v, want 0", got.Components.QuickBonus)
	}
}

func TestScore_MissingTiersFallBack(t *testing.T) {
	e := newTestEngine()
	got := e.Score(Input{Case: cases.Case{ID: "1", Severity: "S9", SupportTier: "Platinum"}})

	if got.Components.Severity != 5 {
		t.Errorf("Severity = %v, want S4 fallback 5", got.Components.Severity)
	}
	if got.Components.IssueClass != 5 {
		t.Errorf("IssueClass = %v, want Procedural fallback 5", got.Components.IssueClass)
	}
	if got.Components.SupportTier != 0 || got.Components.Resolution != 0 {
		t.Errorf("unknown tiers should score 0, got %+v", got.Components)
	}

	unknown := e.Score(Input{Case: cases.Case{ID: "1", IssueClass: "Cosmic"}})
	if unknown.Components.IssueClass != 5 {
		t.Errorf("IssueClass = %v, want unknown class to fall back to 5", unknown.Components.IssueClass)
	}

	cfg := config.DefaultConfig()
	cfg.Scoring.IssueClassFallback = ""
	if got := New(cfg).Score(Input{Case: cases.Case{ID: "1"}}); got.Components.IssueClass != 0 {
		t.Errorf("IssueClass = %v, want 0 without a fallback", got.Components.IssueClass)
	}

	lower := e.Score(Input{Case: cases.Case{ID: "1", Severity: "s1", SupportTier: "gold"}})
	if lower.Components.Severity != 35 || lower.Components.SupportTier != 10 {
		t.Errorf("case-insensitive lookup failed: %+v", lower.Components)
	}
}

func TestScore_QuickRefinesMissingMetadata(t *testing.T) {
	e := newTestEngine()
	quick := &cases.QuickResult{IssueClass: "Systemic", ResolutionOutlook: "Challenging"}

	got := e.Score(Input{Case: cases.Case{ID: "1"}, Quick: quick})
	if got.Components.IssueClass != 30 || got.Components.Resolution != 15 {
		t.Errorf("quick metadata not applied: %+v", got.Components)
	}

	kept := e.Score(Input{Case: cases.Case{ID: "1", IssueClass: "Procedural"}, Quick: quick})
	if kept.Components.IssueClass != 5 {
		t.Errorf("IssueClass = %v, case metadata should win", kept.Components.IssueClass)
	}
}

func TestScore_AllUnknownNeedsReview(t *testing.T) {
	e := newTestEngine()
	msgs := []cases.Message{
		scored(1, cases.OwnerUnknown, day, 3),
		scored(2, cases.OwnerUnknown, 2*day, 3),
	}

	got := e.Score(Input{Case: cases.Case{ID: "1"}, Messages: msgs})
	if !got.NeedsReview {
		t.Errorf("NeedsReview = false, want true")
	}
	if got.Components.Engagement != 0 {
		t.Errorf("Engagement = %v, want 0", got.Components.Engagement)
	}
	if got.Stats.UnknownCount != 2 {
		t.Errorf("UnknownCount = %d, want 2", got.Stats.UnknownCount)
	}
}

func TestBucket_Boundaries(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		score float64
		want  string
	}{
		{100, BucketHealthy},
		{70, BucketHealthy},
		{69.9, BucketModerate},
		{50, BucketModerate},
		{49.9, BucketAtRisk},
		{30, BucketAtRisk},
		{29.9, BucketCritical},
		{0, BucketCritical},
	}

	for _, tt := range tests {
		if got := e.Bucket(tt.score); got != tt.want {
			t.Errorf("Bucket(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestHealth_InverseToCriticalityAndVelocity(t *testing.T) {
	e := newTestEngine()
	calm := cases.Stats{MessageCount: 2, AgeDays: 10}
	busy := cases.Stats{MessageCount: 40, AgeDays: 2}

	if e.Health(10, calm) <= e.Health(200, calm) {
		t.Errorf("health should fall as criticality rises")
	}
	if e.Health(50, calm) <= e.Health(50, busy) {
		t.Errorf("health should fall as velocity rises")
	}
	if got := e.Health(1e9, busy); got != 0 {
		t.Errorf("Health(max penalties) = %v, want 0", got)
	}
}

func TestEvalCurve(t *testing.T) {
	linear := config.Curve{Shape: config.ShapeLinear, Cap: 0.7, Max: 15}
	if got := evalCurve(linear, 0.35); math.Abs(got-7.5) > 1e-9 {
		t.Errorf("linear(0.35) = %v, want 7.5", got)
	}
	if got := evalCurve(linear, 5); got != 15 {
		t.Errorf("linear saturates: got %v, want 15", got)
	}

	logc := config.Curve{Shape: config.ShapeLog, Cap: 90, Max: 10}
	if got := evalCurve(logc, 90); math.Abs(got-10) > 1e-9 {
		t.Errorf("log(cap) = %v, want 10", got)
	}
	if got := evalCurve(logc, 1000); math.Abs(got-10) > 1e-9 {
		t.Errorf("log saturates: got %v, want 10", got)
	}
	if a, b := evalCurve(logc, 10), evalCurve(logc, 20); a >= b {
		t.Errorf("log curve must be increasing: %v >= %v", a, b)
	}

	age := config.DefaultConfig().Scoring.Age
	for _, tt := range []struct {
		days float64
		want float64
	}{{0, 0}, {13, 0}, {14, 3}, {30, 5}, {60, 7}, {89, 7}, {90, 10}, {5000, 10}} {
		if got := evalCurve(age, tt.days); got != tt.want {
			t.Errorf("age(%v) = %v, want %v", tt.days, got, tt.want)
		}
	}
}

func TestTrend(t *testing.T) {
	e := newTestEngine()
	msgs := []cases.Message{
		scored(1, cases.OwnerCustomer, 1*day, 1),
		scored(2, cases.OwnerCustomer, 2*day, 1),
		scored(3, cases.OwnerCustomer, 60*day, 8),
		scored(4, cases.OwnerCustomer, 61*day, 8),
	}

	got := e.Trend(msgs)
	if got.Direction != cases.TrendDeclining {
		t.Errorf("Direction = %q, want declining (%+v)", got.Direction, got)
	}
	if got.Recent != 8 || got.Historical != 1 || got.RecentN != 2 {
		t.Errorf("Trend = %+v, want recent 8 historical 1 over 2 messages", got)
	}

	if e.Trend(nil).Direction != cases.TrendStable {
		t.Errorf("empty trend should be stable")
	}
}

func TestAccountHealth(t *testing.T) {
	e := newTestEngine()
	records := []*cases.ScoreRecord{
		{Case: cases.Case{Customer: "acme", IssueClass: "Systemic"}, Criticality: 200, Stats: cases.Stats{AvgFrustration: 8, PeakFrustration: 9}},
		{Case: cases.Case{Customer: "acme"}, Criticality: 50, Stats: cases.Stats{AvgFrustration: 2, PeakFrustration: 3}},
		{Case: cases.Case{Customer: "globex"}, Criticality: 10, Stats: cases.Stats{}},
	}

	got := e.AccountHealth(records, 7)
	if len(got) != 2 {
		t.Fatalf("len(AccountHealth) = %d, want 2", len(got))
	}
	if got[0].Customer != "acme" {
		t.Errorf("worst account first: got %q", got[0].Customer)
	}
	// acme: 30-15=15, 20-50<0 -> 0, 20-50<0 -> 0, 15-37.5<0 -> 0, 15
	if got[0].BaseScore != 30 {
		t.Errorf("acme BaseScore = %v, want 30 (%+v)", got[0].BaseScore, got[0])
	}
	// The 200 case is both catastrophic and a lone concerning case.
	if got[0].CatastrophicCases != 1 || got[0].Cluster.Penalty != 0.1 || got[0].Score != 27 {
		t.Errorf("acme = %+v, want one catastrophic case and score 27", got[0])
	}
	if got[1].Score != 100 || got[1].Bucket != BucketHealthy {
		t.Errorf("globex = %+v, want 100 Healthy", got[1])
	}
}

func TestAccountHealth_CatastrophicOverrideDecays(t *testing.T) {
	e := newTestEngine()
	now := 1000 * day
	record := func(crit float64, last int64) *cases.ScoreRecord {
		return &cases.ScoreRecord{
			Case:        cases.Case{Customer: "initech"},
			Criticality: crit,
			Stats:       cases.Stats{LastMessageAt: last},
		}
	}

	tests := []struct {
		name      string
		age       int64
		weight    float64
		highFrust float64
		wantScore float64
	}{
		{"within 90 days", 70 * day, 1, 0, 60},
		{"within 180 days", 100 * day, 0.5, 10, 70},
		{"within a year", 200 * day, 0.25, 15, 75},
		{"older", 400 * day, 0, 20, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.AccountHealth([]*cases.ScoreRecord{
				record(210, now-tt.age),
				record(20, now),
				record(20, now),
				record(20, now),
			}, 7)
			a := got[0]
			if a.CatastrophicCases != 1 || a.CatastrophicWeight != tt.weight {
				t.Fatalf("override = %d cases weight %v, want 1 case weight %v", a.CatastrophicCases, a.CatastrophicWeight, tt.weight)
			}
			if a.HighFrust != tt.highFrust || a.Critical != 0 {
				t.Errorf("HighFrust = %v Critical = %v, want %v and 0", a.HighFrust, a.Critical, tt.highFrust)
			}
			if a.Cluster.Cases != 0 {
				t.Errorf("Cluster = %+v, want none outside the lookback", a.Cluster)
			}
			if a.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v (%+v)", a.Score, tt.wantScore, a)
			}
		})
	}
}

func TestAccountHealth_TemporalClustering(t *testing.T) {
	e := newTestEngine()
	now := 1000 * day
	cluster := func(ages ...int64) []*cases.ScoreRecord {
		var out []*cases.ScoreRecord
		for _, age := range ages {
			out = append(out, &cases.ScoreRecord{
				Case:        cases.Case{Customer: "umbrella"},
				Criticality: 150,
				Stats:       cases.Stats{LastMessageAt: now - age*day},
			})
		}
		return out
	}

	tests := []struct {
		name    string
		records []*cases.ScoreRecord
		cases   int
		span    int
		penalty float64
	}{
		{"three within two weeks", cluster(0, 5, 10), 3, 10, 0.7},
		{"three within a month", cluster(0, 10, 25), 3, 25, 0.5},
		{"three spread out", cluster(0, 20, 50), 3, 50, 0.3},
		{"two within two weeks", cluster(0, 14), 2, 14, 0.4},
		{"two within a month", cluster(0, 30), 2, 30, 0.25},
		{"two apart", cluster(0, 45), 2, 45, 0.15},
		{"one recent", cluster(0, 90), 1, 0, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := e.AccountHealth(tt.records, 7)[0]
			if a.Cluster.Cases != tt.cases || a.Cluster.SpanDays != tt.span || a.Cluster.Penalty != tt.penalty {
				t.Fatalf("Cluster = %+v, want %d cases over %d days penalty %v", a.Cluster, tt.cases, tt.span, tt.penalty)
			}
			if a.BaseScore != 100 {
				t.Errorf("BaseScore = %v, want 100", a.BaseScore)
			}
			if want := math.Round(100*(1-tt.penalty)*10) / 10; a.Score != want {
				t.Errorf("Score = %v, want %v", a.Score, want)
			}
		})
	}

	// Concerning means above both the absolute bound and the account's
	// 80th percentile.
	mixed := append(cluster(0, 2), &cases.ScoreRecord{
		Case:        cases.Case{Customer: "umbrella"},
		Criticality: 170,
		Stats:       cases.Stats{LastMessageAt: now},
	})
	if a := e.AccountHealth(mixed, 7)[0]; a.Cluster.Cases != 1 {
		t.Errorf("Cluster = %+v, want only the 170 case above the 80th percentile", a.Cluster)
	}
}
